package locks

import (
	"context"
	"time"

	"github.com/convolock/convolock/internal/observability"
)

// Reaper periodically evicts registry entries for conversations that
// have been unlocked and idle beyond a retention window. Without it the
// registry grows with every distinct conversation seen over the process
// lifetime. It never touches a held lock or one with parked waiters.
type Reaper struct {
	registry *Registry
	interval time.Duration
	ttl      time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// DefaultReaperInterval is how often the reaper sweeps the registry when
// no interval is configured.
const DefaultReaperInterval = 30 * time.Second

// DefaultReaperTTL is how long an entry may sit idle before eviction.
const DefaultReaperTTL = 10 * time.Minute

// NewReaper creates a reaper over the registry.
func NewReaper(registry *Registry, interval, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if ttl <= 0 {
		ttl = DefaultReaperTTL
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick sweeps the registry once and returns the number of evicted
// entries. Exported so tests can drive the reaper without the ticker.
func (r *Reaper) Tick(ctx context.Context) int {
	evicted := 0
	for _, info := range r.registry.Snapshot() {
		if info.Held {
			continue
		}
		if !r.registry.EvictIfIdle(info.ConversationID, r.ttl) {
			continue
		}
		evicted++
		if r.metrics != nil {
			r.metrics.ReaperEvictions.Inc()
		}
		if r.logger != nil {
			r.logger.Debug(ctx, "evicted idle conversation lock",
				"conversation_id", info.ConversationID.String(),
			)
		}
	}
	if r.metrics != nil {
		r.metrics.RegistrySize.Set(float64(r.registry.Len()))
	}
	return evicted
}
