//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores line discipline if the program died mid-frame.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
