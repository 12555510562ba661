//go:build !windows
// +build !windows

package debugger

import (
	"os/exec"
	"syscall"
)

// setupProcAttr puts dlv in its own process group so that an interrupt
// delivered to the capture driver's terminal does not kill the inferior
// before the driver has drained its jobs.
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
