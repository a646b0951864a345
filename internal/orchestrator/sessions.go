package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

var errNoLauncher = errors.New("no actuator launcher configured")

// sessionRegistry holds one actuator session per run. Actions on a session
// are serialized, so control commands never interleave with the loop.
type sessionRegistry struct {
	launcher actuator.Launcher

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session actuator.Session
}

func newSessionRegistry(launcher actuator.Launcher) *sessionRegistry {
	return &sessionRegistry{launcher: launcher, entries: map[string]*sessionEntry{}}
}

func (r *sessionRegistry) entry(runID string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[runID]
	if !ok {
		entry = &sessionEntry{}
		r.entries[runID] = entry
	}
	return entry
}

// do runs one action, opening the run's session on first use.
func (r *sessionRegistry) do(ctx context.Context, run store.Run, action store.Action) (actuator.Observation, error) {
	if r.launcher == nil {
		return actuator.Observation{}, errNoLauncher
	}
	entry := r.entry(run.ID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session == nil {
		session, err := r.launcher.Open(ctx, actuator.SessionOptions{RunID: run.ID, Browser: run.Browser, Headless: run.Headless})
		if err != nil {
			return actuator.Observation{}, err
		}
		entry.session = session
	}
	obs, err := entry.session.Do(ctx, action)
	if errors.Is(err, actuator.ErrSessionClosed) {
		entry.session = nil
	}
	return obs, err
}

// recording returns what the run's session captured, if it records at all.
func (r *sessionRegistry) recording(runID string) (actuator.Recording, bool) {
	r.mu.Lock()
	entry, ok := r.entries[runID]
	r.mu.Unlock()
	if !ok {
		return actuator.Recording{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	recorder, ok := entry.session.(actuator.Recorder)
	if !ok {
		return actuator.Recording{}, false
	}
	return recorder.Recording()
}

func (r *sessionRegistry) close(runID string) {
	r.mu.Lock()
	entry, ok := r.entries[runID]
	delete(r.entries, runID)
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session != nil {
		_ = entry.session.Close()
		entry.session = nil
	}
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.close(id)
	}
}

func (r *sessionRegistry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close releases every open actuator session.
func (o *Orchestrator) Close() {
	o.sessions.closeAll()
}
