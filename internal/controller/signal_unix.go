//go:build !windows

package controller

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/partest/internal/session"
)

// OSSignaler sends SIGINT.
type OSSignaler struct{}

func (OSSignaler) Interrupt(pid int) error {
	return syscall.Kill(pid, syscall.SIGINT)
}

// NotifyDiagnostics requests a diagnostic dump from s on SIGUSR1 until ctx
// is done.
func NotifyDiagnostics(ctx context.Context, s *session.Session) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			s.RequestDiagnostics()
		case <-ctx.Done():
		}
	}()
}

// RequestDump asks the runner with the given pid for a diagnostic dump.
func RequestDump(pid int) error {
	return syscall.Kill(pid, syscall.SIGUSR1)
}
