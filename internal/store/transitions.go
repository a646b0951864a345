package store

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid run status transition")

var allowedRunTransitions = map[RunStatus][]RunStatus{
	RunQueued:       {RunRunning, RunStopped, RunFailed},
	RunRunning:      {RunWaitingHuman, RunCompleted, RunFailed, RunStopped},
	RunWaitingHuman: {RunRunning, RunStopped},
	RunStopped:      {RunRunning},
	RunFailed:       {RunRunning},
	RunCompleted:    nil,
}

func CanTransition(from, to RunStatus) bool {
	for _, candidate := range allowedRunTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition moves the run to the target status or returns
// ErrInvalidTransition. The caller persists the change.
func (r *Run) Transition(to RunStatus) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}
