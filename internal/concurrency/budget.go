// Package concurrency implements the runtime host's scheduling
// primitives: the bounded in-flight task budget that backs
// ERR_BACKPRESSURE, and the periodic tick loop.
package concurrency

import (
	"context"
	"time"

	"github.com/quietloop/runtimehost/internal/metrics"
)

// Budget gates how many logically-in-flight tasks the host runs
// concurrently. It holds no lock of its own: every method must be
// called while the caller already holds registry's lock, since the
// budget check and the metrics increment it performs must land in the
// same critical section (see metrics.Registry.Lock/Unlock).
type Budget struct {
	registry *metrics.Registry
	limit    int64
}

// New returns a Budget enforcing at most limit concurrent tasks. limit
// below 1 is clamped to 1.
func New(registry *metrics.Registry, limit int) *Budget {
	if limit < 1 {
		limit = 1
	}
	return &Budget{registry: registry, limit: int64(limit)}
}

// TryAcquireLocked implements canSchedule(): called with registry
// already locked, it checks inflight_async_tasks against the budget
// and, on success, increments inflight_async_tasks and
// async_schedule_count in the same critical section. On failure it
// increments backpressure_drop_count and rejected_command_count
// instead and reports false.
func (b *Budget) TryAcquireLocked() bool {
	if b.registry.GetLocked(metrics.InflightAsyncTasks) >= b.limit {
		b.registry.IncrementLocked("backpressure_drop_count", 1)
		b.registry.IncrementLocked("rejected_command_count", 1)
		return false
	}
	b.registry.IncrementLocked(metrics.InflightAsyncTasks, 1)
	b.registry.IncrementLocked("async_schedule_count", 1)
	return true
}

// ReleaseLocked is called with registry already locked when a task
// finishes, successfully or not. failed also increments error_count.
func (b *Budget) ReleaseLocked(failed bool) {
	b.registry.IncrementLocked(metrics.InflightAsyncTasks, -1)
	b.registry.IncrementLocked("async_complete_count", 1)
	if failed {
		b.registry.IncrementLocked("error_count", 1)
	}
}

// TickLoop increments timer_tick_count and io_poll_count every
// interval until ctx is canceled. interval below 1ms is clamped to
// 1ms, matching tick_interval_ms's configured minimum.
func TickLoop(ctx context.Context, registry *metrics.Registry, interval time.Duration) {
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.WithLock(func(inc func(name string, delta int64)) {
				inc("timer_tick_count", 1)
				inc("io_poll_count", 1)
			})
		}
	}
}
