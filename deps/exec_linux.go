//go:build linux

package deps

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr kills the tool if the server process dies first.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
