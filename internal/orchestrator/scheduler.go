package orchestrator

import (
	"context"
	"log/slog"
	"sync"
)

// Driver is the part of the Orchestrator a scheduler needs.
type Driver interface {
	Drive(ctx context.Context, runID string) error
}

// LocalScheduler drives runs on goroutines in this process. At most one
// drive per run is active; requests that arrive during a drive collapse
// into a single follow-up drive.
type LocalScheduler struct {
	driver Driver
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[string]bool
	pending map[string]bool
	wg      sync.WaitGroup
}

func NewLocalScheduler(driver Driver, logger *slog.Logger) *LocalScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{
		driver:  driver,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		active:  map[string]bool{},
		pending: map[string]bool{},
	}
}

func (s *LocalScheduler) Schedule(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if s.active[runID] {
		s.pending[runID] = true
		return nil
	}
	s.active[runID] = true
	s.wg.Add(1)
	go s.loop(runID)
	return nil
}

func (s *LocalScheduler) loop(runID string) {
	defer s.wg.Done()
	for {
		if err := s.driver.Drive(s.ctx, runID); err != nil && s.ctx.Err() == nil {
			s.logger.Error("drive run", "run_id", runID, "error", err)
		}
		s.mu.Lock()
		if !s.pending[runID] || s.ctx.Err() != nil {
			delete(s.active, runID)
			delete(s.pending, runID)
			s.mu.Unlock()
			return
		}
		delete(s.pending, runID)
		s.mu.Unlock()
	}
}

// Active reports whether a drive for runID is in flight.
func (s *LocalScheduler) Active(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[runID]
}

// Close cancels in-flight drives and waits for them to return. Interrupted
// steps are retried when the run is next driven.
func (s *LocalScheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
