package artifact

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vyvo/compute/buildcache/pkg/remote"
)

// NotFoundSentinel is printed by the probe when the artifact directory is absent.
const NotFoundSentinel = "Not found!!"

// RetryPolicy bounds the transfer retry loop.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetry runs a transfer up to five times, five seconds apart.
var DefaultRetry = RetryPolicy{Attempts: 5, Delay: 5 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetry.Attempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// delaySeconds rounds the delay up to whole seconds, the unit every shell's
// sleep accepts.
func (p RetryPolicy) delaySeconds() int {
	return int((p.Delay + time.Second - 1) / time.Second)
}

// Wrap returns a command line that runs inner until it exits zero, sleeping
// after each failure, and exits non-zero once every attempt failed.
func (p RetryPolicy) Wrap(family remote.OSFamily, inner string) string {
	p = p.normalized()
	delay := strconv.Itoa(p.delaySeconds())
	n := strconv.Itoa(p.Attempts)

	switch family {
	case remote.WindowsCmd:
		return "for /L %%i in (1,1," + n + ") do (" + inner + " && exit 0 & sleep " + delay + ") & exit 1"
	case remote.WindowsPowerShell:
		return "powershell.exe -C for ($i=1; $i -le " + n + "; $i++) { " + inner +
			"; if ($?) { exit 0 } else { sleep " + delay + " } } exit 1"
	default:
		seq := make([]string, p.Attempts)
		for i := range seq {
			seq[i] = strconv.Itoa(i + 1)
		}
		return "for i in " + strings.Join(seq, " ") + "; do " + inner +
			"; if [ $? -eq 0 ]; then exit 0; else sleep " + delay + "; fi; done; exit 1"
	}
}

// Rsync mirrors origin to destination with partial resume and progress.
func Rsync(origin, destination, port string) string {
	cmd := fmt.Sprintf("rsync -var --progress --partial '%s' '%s'", origin, destination)
	if port != "" {
		cmd += fmt.Sprintf(" --rsh='ssh -p %s'", port)
	}
	return cmd
}

// RemoteLocation addresses name on the artifact server in rsync syntax.
func RemoteLocation(server, serverDir, path, name string) string {
	return server + ":" + serverDir + "/" + path + "/" + strings.ReplaceAll(name, " ", `\ `)
}

func sshPrefix(server, port string) []string {
	argv := []string{"ssh", server}
	if port != "" {
		argv = append(argv, "-p", port)
	}
	return argv
}

// ProbeCommand lists the requested names inside path on the artifact server,
// printing NotFoundSentinel first when path does not exist.
func ProbeCommand(server, port, serverDir, path string, names []string) remote.Command {
	argv := sshPrefix(server, port)
	argv = append(argv,
		"cd "+serverDir+";",
		"if [ -d "+path+" ]; then echo 'Exists'; else echo '"+NotFoundSentinel+"'; fi;",
		"cd "+path+";",
	)
	for _, name := range names {
		argv = append(argv, "ls "+probeGlob(name)+";")
	}
	argv = append(argv, "ls")
	return remote.ArgvCommand(argv...)
}

// MkdirCommand creates path, including parents, below serverDir.
func MkdirCommand(server, port, serverDir, path string) remote.Command {
	argv := sshPrefix(server, port)
	argv = append(argv, "cd "+serverDir+";", "mkdir -p", path)
	return remote.ArgvCommand(argv...)
}

// probeGlob lists a nested directory artifact "a/b/" through its parent as "a/*".
func probeGlob(name string) string {
	if !strings.HasSuffix(name, "/") {
		return name
	}
	name = strings.TrimSuffix(name, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i] + "/*"
	}
	return name
}

// ParseProbe scans probe output in order. The sentinel ends the scan; a line
// containing a requested name (trailing slash stripped) marks it found. found
// keeps discovery order and missing keeps request order.
func ParseProbe(lines []string, names []string) (found, missing []string) {
	remaining := append([]string(nil), names...)
	for _, line := range lines {
		if strings.Contains(line, NotFoundSentinel) || len(remaining) == 0 {
			break
		}
		kept := remaining[:0]
		for _, name := range remaining {
			if strings.Contains(line, strings.TrimSuffix(name, "/")) {
				found = append(found, name)
				continue
			}
			kept = append(kept, name)
		}
		remaining = kept
	}
	return found, remaining
}
