// Package barrier lets a worker defer its exit until its siblings are done.
package barrier

import (
	"context"
	"time"

	"github.com/loykin/partest/internal/env"
)

// DefaultInterval is how often the sibling count is re-checked.
const DefaultInterval = time.Second

// Counter reports how many workers are still registered.
type Counter interface {
	Count() (int, error)
}

// Wait blocks until counter reports at most one worker (the caller itself).
// It returns immediately when the process is not part of a multi-worker run,
// i.e. TEST_ENV_NUMBER is unset. There is no timeout; cancel ctx to bound it.
func Wait(ctx context.Context, counter Counter, src env.Source, interval time.Duration) error {
	if _, ok := src.Lookup(env.WorkerIndex); !ok {
		return nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		n, err := counter.Count()
		if err != nil {
			return err
		}
		if n <= 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
