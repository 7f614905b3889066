//go:build windows

package deps

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr keeps ffmpeg from flashing a console window.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
