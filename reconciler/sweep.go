package reconciler

import (
	"context"
	"time"

	"github.com/yairfalse/anchor/internal/telemetry"
	"github.com/yairfalse/anchor/pkg/resource"
)

// SweepTarget receives the resources found by a sweep.
type SweepTarget interface {
	EnqueueSweep(r resource.Resource)
	EnqueueSweepDelete(r resource.Resource)
}

// Sweeper re-enqueues every stored resource on an interval so drift is
// corrected without a user event. Deletions whose delete task was never
// submitted are replayed the same way.
type Sweeper struct {
	store    Store
	target   SweepTarget
	interval time.Duration
	metrics  *Metrics
	logger   *telemetry.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(store Store, target SweepTarget, interval time.Duration, metrics *Metrics) *Sweeper {
	return &Sweeper{
		store:    store,
		target:   target,
		interval: interval,
		metrics:  metrics,
		logger:   telemetry.NewLogger("sweeper"),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info().Msg("sweeping disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep enqueues every stored resource and every unconfirmed deletion and
// returns how many it enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	resources, err := s.store.List()
	if err != nil {
		s.metrics.RecordSweep(ctx, "error")
		return 0, err
	}
	deleted, err := s.store.PendingDeletes()
	if err != nil {
		s.metrics.RecordSweep(ctx, "error")
		return 0, err
	}

	for _, r := range resources {
		s.target.EnqueueSweep(r)
	}
	for _, r := range deleted {
		s.target.EnqueueSweepDelete(r)
	}

	s.metrics.RecordSweep(ctx, "success")
	s.logger.Debug().
		Int("resources", len(resources)).
		Int("deletions", len(deleted)).
		Msg("sweep enqueued resources")
	return len(resources) + len(deleted), nil
}
