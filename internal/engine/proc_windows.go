//go:build windows

package engine

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func shellCommand(line string) *exec.Cmd {
	return exec.Command("cmd", "/C", line)
}

// terminateTree asks the child tree to exit via taskkill.
func terminateTree(p *os.Process) {
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(p.Pid), "/T").Run()
}

// killTree forcefully ends the child tree.
func killTree(p *os.Process) {
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(p.Pid), "/T", "/F").Run()
	_ = p.Kill()
}
