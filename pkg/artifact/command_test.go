package artifact

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vyvo/compute/buildcache/pkg/remote"
)

func TestRetryWrapEncodings(t *testing.T) {
	inner := "rsync -var --progress --partial 'a' 'b'"
	cases := []struct {
		family remote.OSFamily
		want   string
	}{
		{remote.POSIX, "for i in 1 2 3 4 5; do " + inner + "; if [ $? -eq 0 ]; then exit 0; else sleep 5; fi; done; exit 1"},
		{remote.WindowsCmd, "for /L %%i in (1,1,5) do (" + inner + " && exit 0 & sleep 5) & exit 1"},
		{remote.WindowsPowerShell, "powershell.exe -C for ($i=1; $i -le 5; $i++) { " + inner + "; if ($?) { exit 0 } else { sleep 5 } } exit 1"},
	}
	for _, tc := range cases {
		t.Run(tc.family.String(), func(t *testing.T) {
			if got := DefaultRetry.Wrap(tc.family, inner); got != tc.want {
				t.Fatalf("expected\n%s\ngot\n%s", tc.want, got)
			}
		})
	}
}

func TestRetryWrapCustomPolicy(t *testing.T) {
	got := RetryPolicy{Attempts: 3, Delay: 2 * time.Second}.Wrap(remote.POSIX, "true")
	want := "for i in 1 2 3; do true; if [ $? -eq 0 ]; then exit 0; else sleep 2; fi; done; exit 1"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRetryWrapRoundsDelayUp(t *testing.T) {
	cases := []struct {
		delay time.Duration
		want  string
	}{
		{0, "sleep 0;"},
		{500 * time.Millisecond, "sleep 1;"},
		{time.Second, "sleep 1;"},
		{1500 * time.Millisecond, "sleep 2;"},
	}
	for _, tc := range cases {
		got := RetryPolicy{Attempts: 1, Delay: tc.delay}.Wrap(remote.POSIX, "true")
		if !strings.Contains(got, tc.want) {
			t.Fatalf("delay %s: expected %q in %q", tc.delay, tc.want, got)
		}
	}
}

func countingScript(t *testing.T, succeedOn int) (string, string) {
	t.Helper()
	counter := filepath.Join(t.TempDir(), "attempts")
	script := "echo x >> '" + counter + "'; [ $(wc -l < '" + counter + "') -ge " + strconv.Itoa(succeedOn) + " ]"
	return counter, script
}

func attempts(t *testing.T, counter string) int {
	t.Helper()
	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return strings.Count(string(data), "\n")
}

func TestPOSIXRetryExhaustsFiveAttempts(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	counter, inner := countingScript(t, 9)
	cmd := RetryPolicy{Attempts: 5}.Wrap(remote.POSIX, inner)

	out, err := remote.ExecRunner{}.Run(context.Background(), remote.ShellCommand(cmd))
	if err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
	if out.ExitCode == 0 {
		t.Fatalf("expected non-zero exit after exhausting attempts")
	}
	if n := attempts(t, counter); n != 5 {
		t.Fatalf("expected 5 attempts, got %d", n)
	}
}

func TestPOSIXRetryStopsOnFirstSuccess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	counter, inner := countingScript(t, 3)
	cmd := RetryPolicy{Attempts: 5}.Wrap(remote.POSIX, inner)

	out, err := remote.ExecRunner{}.Run(context.Background(), remote.ShellCommand(cmd))
	if err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
	if out.ExitCode != 0 {
		t.Fatalf("expected success, got exit %d: %s", out.ExitCode, out.Text())
	}
	if n := attempts(t, counter); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestRsyncAndRemoteLocation(t *testing.T) {
	dest := RemoteLocation("ci@files", "/srv/artifacts", "linux/1_01_03_2024_12_00_00_+0000", "my app.tar")
	if dest != `ci@files:/srv/artifacts/linux/1_01_03_2024_12_00_00_+0000/my\ app.tar` {
		t.Fatalf("unexpected remote location %q", dest)
	}
	if got := Rsync("a", "b", ""); got != "rsync -var --progress --partial 'a' 'b'" {
		t.Fatalf("unexpected rsync command %q", got)
	}
	if got := Rsync("a", "b", "2222"); got != "rsync -var --progress --partial 'a' 'b' --rsh='ssh -p 2222'" {
		t.Fatalf("unexpected rsync command with port %q", got)
	}
}

func TestProbeCommand(t *testing.T) {
	cmd := ProbeCommand("ci@files", "2222", "/srv/artifacts", "linux/1_x", []string{"app.exe", "out/bin/"})
	want := "ssh ci@files -p 2222 cd /srv/artifacts; if [ -d linux/1_x ]; then echo 'Exists'; else echo 'Not found!!'; fi; cd linux/1_x; ls app.exe; ls out/*; ls"
	if got := cmd.String(); got != want {
		t.Fatalf("expected\n%s\ngot\n%s", want, got)
	}

	noPort := ProbeCommand("files", "", "/srv", "p", []string{"bin/"})
	if diff := cmp.Diff([]string{"ssh", "files", "cd /srv;", "if [ -d p ]; then echo 'Exists'; else echo 'Not found!!'; fi;", "cd p;", "ls bin;", "ls"}, noPort.Argv); diff != "" {
		t.Fatalf("unexpected argv (-want +got):\n%s", diff)
	}
}

func TestProbeGlob(t *testing.T) {
	cases := map[string]string{
		"app.exe":      "app.exe",
		"bin/":         "bin",
		"out/bin/":     "out/*",
		"a/b/c/":       "a/b/*",
		"out/file.txt": "out/file.txt",
	}
	for in, want := range cases {
		if got := probeGlob(in); got != want {
			t.Fatalf("probeGlob(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestMkdirCommand(t *testing.T) {
	got := MkdirCommand("ci@files", "22", "/srv/artifacts", "linux/1_x").String()
	if got != "ssh ci@files -p 22 cd /srv/artifacts; mkdir -p linux/1_x" {
		t.Fatalf("unexpected mkdir command %q", got)
	}
}

func TestParseProbeBothFound(t *testing.T) {
	lines := []string{"Exists", "app.exe", "app.pdb", "app.exe  app.pdb  readme.txt"}
	found, missing := ParseProbe(lines, []string{"app.exe", "app.pdb"})
	if diff := cmp.Diff([]string{"app.exe", "app.pdb"}, found); diff != "" {
		t.Fatalf("unexpected found (-want +got):\n%s", diff)
	}
	if len(missing) != 0 {
		t.Fatalf("expected nothing missing, got %v", missing)
	}
}

func TestParseProbeSentinelAborts(t *testing.T) {
	lines := []string{"Not found!!", "sh: cd: can't cd to linux/1_x", "app.exe"}
	found, missing := ParseProbe(lines, []string{"app.exe"})
	if len(found) != 0 {
		t.Fatalf("expected nothing found, got %v", found)
	}
	if diff := cmp.Diff([]string{"app.exe"}, missing); diff != "" {
		t.Fatalf("unexpected missing (-want +got):\n%s", diff)
	}
}

func TestParseProbeDirectoryName(t *testing.T) {
	found, missing := ParseProbe([]string{"Exists", "bin", "lib"}, []string{"bin/", "docs/"})
	if diff := cmp.Diff([]string{"bin/"}, found); diff != "" {
		t.Fatalf("unexpected found (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"docs/"}, missing); diff != "" {
		t.Fatalf("unexpected missing (-want +got):\n%s", diff)
	}
}
