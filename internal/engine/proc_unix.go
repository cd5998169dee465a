//go:build !windows

package engine

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so that
// termination signals reach the whole tree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func shellCommand(line string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", line)
}

// terminateTree asks the child's process group to exit.
func terminateTree(p *os.Process) {
	_ = syscall.Kill(-p.Pid, syscall.SIGTERM)
}

// killTree forcefully ends the child's process group.
func killTree(p *os.Process) {
	_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
}
