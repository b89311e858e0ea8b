package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ownmark/anchor/service/fault"
)

// Heartbeat interval bounds. ttl/3 keeps two renewal chances before expiry;
// the clamp stops pathological intervals for very short or very long leases.
const (
	minHeartbeat = 2 * time.Second
	maxHeartbeat = 20 * time.Second
)

// Outcome is the tagged result of a WithHeartbeat run. Acquired=false is a
// benign skip: another instance is doing the work.
type Outcome struct {
	Acquired bool
	Err      error
}

// Skipped reports whether the run was skipped because the lease was held
// elsewhere.
func (o Outcome) Skipped() bool {
	return !o.Acquired
}

func heartbeatInterval(ttl time.Duration) time.Duration {
	interval := ttl / 3
	if interval < minHeartbeat {
		interval = minHeartbeat
	}
	if interval > maxHeartbeat {
		interval = maxHeartbeat
	}
	return interval
}

// WithHeartbeat acquires the lease, runs fn while a background timer
// re-extends it, then releases. Legitimately long operations never lose the
// lease purely from wall-clock expiry, yet both the heartbeat and the lease
// die with the process so a crash still yields natural TTL recovery.
//
// If an extension is refused (the lease expired or was taken over), fn's
// context is canceled and the outcome carries fault.ErrLockNotAcquired:
// continuing without mutual exclusion would be worse than aborting.
func (l *Locker) WithHeartbeat(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) Outcome {
	token, ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return Outcome{Acquired: false, Err: err}
	}
	if !ok {
		l.logger.DebugContext(ctx, "lock held elsewhere, skipping", "name", name)
		return Outcome{Acquired: false}
	}

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lostLease atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		ticker := time.NewTicker(heartbeatInterval(ttl))
		defer ticker.Stop()

		for {
			select {
			case <-fnCtx.Done():
				return
			case <-ticker.C:
				extended, err := l.Extend(fnCtx, name, token, ttl)
				if err != nil {
					l.logger.WarnContext(fnCtx, "lock heartbeat failed", "name", name, "error", err)
					continue
				}
				if !extended {
					l.logger.ErrorContext(fnCtx, "lost lock lease mid-operation, canceling", "name", name)
					lostLease.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	runErr := fn(fnCtx)

	cancel()
	<-heartbeatDone

	// Release with a fresh context: ctx may already be done, and holding the
	// lease until TTL expiry would block other instances for no reason.
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()

	if _, err := l.Release(releaseCtx, name, token); err != nil {
		l.logger.WarnContext(releaseCtx, "failed to release lock, lease will expire by TTL", "name", name, "error", err)
	}

	// A lost lease is the root cause of whatever fn returned after its
	// context was canceled; report it instead of a bare context error.
	if lostLease.Load() {
		runErr = fmt.Errorf("lease %q lost mid-operation: %w", name, fault.ErrLockNotAcquired)
	}

	return Outcome{Acquired: true, Err: runErr}
}
