//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// lowPriorityNice is the niceness applied to de-prioritized test processes.
const lowPriorityNice = 10

var softTerminateSignal os.Signal = unix.SIGTERM

// prepareCommand puts the child in its own process group so that signals
// reach any helpers it spawns as well.
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcess sends sig to the process group of proc, falling back to
// proc itself. It returns nil if the process has already exited.
func signalProcess(proc *os.Process, sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		err := unix.Kill(-proc.Pid, s)
		if err == nil || errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func setLowPriority(pid int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, lowPriorityNice)
}

func isBusyErr(err error) bool {
	return errors.Is(err, unix.ETXTBSY)
}
