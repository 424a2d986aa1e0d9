//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

// Windows has no soft terminate signal for console processes we do not own.
var softTerminateSignal os.Signal = os.Kill

func prepareCommand(cmd *exec.Cmd) {}

func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func setLowPriority(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h) //nolint:errcheck
	return windows.SetPriorityClass(h, windows.BELOW_NORMAL_PRIORITY_CLASS)
}

func isBusyErr(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION)
}
