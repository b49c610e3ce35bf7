//go:build unix

package adapter

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// signals can target the whole tree via -pid.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcessGroup sends a signal to the entire process group.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// processAlive probes liveness without delivering a signal.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
