//go:build windows

package controller

import (
	"context"
	"errors"
	"syscall"

	"github.com/loykin/partest/internal/session"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// OSSignaler terminates the process; Windows has no SIGINT for other
// processes.
type OSSignaler struct{}

func (OSSignaler) Interrupt(pid int) error {
	if pid <= 0 {
		return syscall.EINVAL
	}
	h, _, err := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(pid))
	if h == 0 {
		return err
	}
	defer func() { _, _, _ = procCloseHandle.Call(h) }()
	if ret, _, err := procTerminateProcess.Call(h, uintptr(1)); ret == 0 {
		return err
	}
	return nil
}

// NotifyDiagnostics is a no-op: there is no SIGUSR1 on Windows.
func NotifyDiagnostics(ctx context.Context, s *session.Session) {}

func RequestDump(pid int) error {
	return errors.New("diagnostic signal not supported on windows")
}
