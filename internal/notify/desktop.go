package notify

import (
	"os/exec"
	"runtime"
)

// Desktop shows notifications through the OS notification center
type Desktop struct {
	enabled bool
}

// NewDesktop creates a desktop notifier
func NewDesktop(enabled bool) *Desktop {
	return &Desktop{enabled: enabled}
}

// Send shows the notification; unsupported platforms are ignored
func (d *Desktop) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := desktopCommand(runtime.GOOS, n)
	if name == "" {
		return nil
	}
	return exec.Command(name, args...).Run()
}

func desktopCommand(goos string, n Notification) (string, []string) {
	switch goos {
	case "darwin":
		script := `display notification "` + n.Message + `" with title "` + n.Title + `"`
		return "osascript", []string{"-e", script}
	case "linux":
		return "notify-send", []string{"-i", IconFor(n.Level), n.Title, n.Message}
	default:
		return "", nil
	}
}

// IconFor returns a freedesktop icon name for a level
func IconFor(l Level) string {
	switch l {
	case LevelSuccess:
		return "dialog-positive"
	case LevelWarning:
		return "dialog-warning"
	case LevelError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
