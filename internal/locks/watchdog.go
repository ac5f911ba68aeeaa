package locks

import (
	"context"
	"time"

	"github.com/convolock/convolock/internal/observability"
)

// Snapshotter is the read-only registry view the watchdog is allowed to
// see. Giving the watchdog this interface instead of the full Registry
// makes its no-mutation contract structural: it has no way to release or
// evict anything, only to look.
type Snapshotter interface {
	Snapshot() []LockInfo
}

// Watchdog periodically reports locks that have been held longer than a
// threshold. It is a diagnostic signal for operators, nothing more: a
// stuck inference call is remediated by that call's own deadline, never
// by an outside actor seizing the lock.
type Watchdog struct {
	registry  Snapshotter
	interval  time.Duration
	threshold time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics

	nowFunc func() time.Time
}

// DefaultWatchdogInterval is how often the watchdog inspects the
// registry when no interval is configured.
const DefaultWatchdogInterval = 10 * time.Second

// DefaultWatchdogThreshold is the held-duration above which a lock is
// reported.
const DefaultWatchdogThreshold = 30 * time.Second

// NewWatchdog creates a watchdog over the given registry view.
func NewWatchdog(registry Snapshotter, interval, threshold time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if threshold <= 0 {
		threshold = DefaultWatchdogThreshold
	}
	return &Watchdog{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		metrics:   metrics,
		nowFunc:   time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (w *Watchdog) SetNowFunc(fn func() time.Time) {
	w.nowFunc = fn
}

// Run ticks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick inspects a registry snapshot once and logs every lock held past
// the threshold. Exported so tests and diagnostics can drive the
// watchdog without the ticker.
func (w *Watchdog) Tick(ctx context.Context) int {
	now := w.nowFunc()
	reported := 0
	for _, info := range w.registry.Snapshot() {
		heldFor := info.HeldFor(now)
		if heldFor < w.threshold {
			continue
		}
		reported++
		if w.metrics != nil {
			w.metrics.WatchdogLongHeld.Inc()
		}
		if w.logger != nil {
			w.logger.Warn(ctx, "lock held unusually long",
				"conversation_id", info.ConversationID.String(),
				"held_ms", heldFor.Milliseconds(),
				"waiters", info.Waiters,
			)
		}
	}
	return reported
}
