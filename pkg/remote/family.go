package remote

import "strings"

// OSFamily selects the shell dialect used for commands run on a worker.
type OSFamily int

const (
	POSIX OSFamily = iota
	WindowsCmd
	WindowsPowerShell
)

func (f OSFamily) String() string {
	switch f {
	case WindowsCmd:
		return "windows-cmd"
	case WindowsPowerShell:
		return "windows-powershell"
	default:
		return "posix"
	}
}

// ResolveOSFamily classifies a worker from its declared OS and the environment it
// reported on attach. A worker is Windows when it declares "Windows" or when its
// "os" or "OS" variable is "Windows_NT"; powerShell then picks the script shell
// over cmd.exe.
func ResolveOSFamily(declaredOS string, environ map[string]string, powerShell bool) OSFamily {
	windows := strings.TrimSpace(declaredOS) == "Windows" ||
		environ["os"] == "Windows_NT" ||
		environ["OS"] == "Windows_NT"
	switch {
	case !windows:
		return POSIX
	case powerShell:
		return WindowsPowerShell
	default:
		return WindowsCmd
	}
}

// ParseOSFamily maps the String form back to a family. Unknown names are POSIX.
func ParseOSFamily(name string) OSFamily {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "windows-cmd", "cmd":
		return WindowsCmd
	case "windows-powershell", "powershell":
		return WindowsPowerShell
	default:
		return POSIX
	}
}
