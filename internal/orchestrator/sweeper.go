package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

// Sweeper finds runs that went quiet and puts them back in the loop:
// running runs are resumed automatically, queued runs are rescheduled.
type Sweeper struct {
	orchestrator *Orchestrator
	expr         *cronexpr.Expression
	staleAfter   time.Duration
	now          func() time.Time
}

func NewSweeper(o *Orchestrator, schedule string, staleAfter time.Duration) (*Sweeper, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive")
	}
	return &Sweeper{orchestrator: o, expr: expr, staleAfter: staleAfter, now: time.Now}, nil
}

// Run sweeps on every schedule tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.expr.Next(s.now())
		if next.IsZero() {
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.orchestrator.logger.Error("sweep stale runs", "error", err)
		}
	}
}

// Sweep handles every run stale at the time of the call and returns the
// ids it acted on.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	o := s.orchestrator
	cutoff := s.now().Add(-s.staleAfter).UTC()
	var handled []string

	running, err := o.store.ListStaleRuns(ctx, store.RunRunning, cutoff)
	if err != nil {
		return nil, err
	}
	for _, run := range running {
		if _, err := o.Resume(ctx, run.ID, "", true); err != nil {
			o.logger.Warn("resume stale run", "run_id", run.ID, "error", err)
			continue
		}
		handled = append(handled, run.ID)
	}

	queued, err := o.store.ListStaleRuns(ctx, store.RunQueued, cutoff)
	if err != nil {
		return handled, err
	}
	for _, run := range queued {
		o.schedule(ctx, run.ID)
		handled = append(handled, run.ID)
	}
	if len(handled) > 0 {
		o.logger.Info("stale runs rescheduled", "count", len(handled))
	}
	return handled, nil
}
