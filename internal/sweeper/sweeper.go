// Package sweeper runs the recurring background sweep that reclaims
// leases past their expiry. The teacher's engine is entirely
// request-driven (pkg/runtime/obligation/engine.go only claims on
// demand, via AtomicLease), so this package has no direct teacher
// analog; it follows the ticker-driven background-loop shape used for
// pkg/api/idempotency.go's cache cleanup, and the injected-clock
// discipline the teacher applies everywhere testability matters.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper reclaims leases whose expires_at has passed. The notion of
// "now" lives entirely in the injected sweep function (typically
// engine.Engine, which already carries its own clock) — Sweeper itself
// only owns the ticker cadence.
type Sweeper struct {
	sweep      func(ctx context.Context, limit int) (int, error)
	interval   time.Duration
	batchLimit int
	instanceID string
	log        *slog.Logger
}

// New constructs a Sweeper. sweep is typically (*engine.Engine).SweepExpired.
func New(sweep func(ctx context.Context, limit int) (int, error), interval time.Duration, batchLimit int, instanceID string, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		sweep:      sweep,
		interval:   interval,
		batchLimit: batchLimit,
		instanceID: instanceID,
		log:        log,
	}
}

// Run blocks, sweeping every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs a single sweep pass, for tests and for a manual admin trigger.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	return s.tick(ctx)
}

func (s *Sweeper) tick(ctx context.Context) (int, error) {
	n, err := s.sweep(ctx, s.batchLimit)
	if err != nil {
		s.log.Error("lease sweep failed", "instance_id", s.instanceID, "error", err)
		return 0, err
	}
	if n > 0 {
		s.log.Info("swept expired leases", "instance_id", s.instanceID, "count", n)
	}
	return n, nil
}
