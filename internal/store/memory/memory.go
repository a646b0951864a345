package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	runs      map[string]store.Run
	snapshots map[string][]store.Snapshot
	logs      map[string][]store.BrowserLog
	audit     map[string][]store.AuditEntry
}

func New() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		runs:      map[string]store.Run{},
		snapshots: map[string][]store.Snapshot{},
		logs:      map[string][]store.BrowserLog{},
		audit:     map[string][]store.AuditEntry{},
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	now := m.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	run.Version = 1
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	cloned := run.Clone()
	return &cloned, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.Run, 0, len(m.runs))
	for _, run := range m.runs {
		results = append(results, run.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) ListStaleRuns(ctx context.Context, status store.RunStatus, updatedBefore time.Time) ([]store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []store.Run
	for _, run := range m.runs {
		if run.Status == status && run.UpdatedAt.Before(updatedBefore) {
			results = append(results, run.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].UpdatedAt.Before(results[j].UpdatedAt)
	})
	return results, nil
}

// UpdateRun applies mutate to a copy of the run under the write lock, so the
// check-then-write in mutate is atomic with respect to other updates.
func (m *MemoryStore) UpdateRun(ctx context.Context, runID string, mutate store.RunMutation) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	working := current.Clone()
	if err := mutate(&working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	working.CreatedAt = current.CreatedAt
	working.Version = current.Version + 1
	working.UpdatedAt = m.now()
	m.runs[runID] = working
	result := working.Clone()
	return &result, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return store.ErrRunNotFound
	}
	delete(m.runs, runID)
	delete(m.snapshots, runID)
	delete(m.logs, runID)
	delete(m.audit, runID)
	return nil
}

func (m *MemoryStore) AppendSnapshot(ctx context.Context, snapshot store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[snapshot.RunID]; !ok {
		return store.ErrRunNotFound
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = m.now()
	}
	snapshot.ScreenshotData = append([]byte(nil), snapshot.ScreenshotData...)
	m.snapshots[snapshot.RunID] = append(m.snapshots[snapshot.RunID], snapshot)
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, runID string, snapshotID string) (*store.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, snapshot := range m.snapshots[runID] {
		if snapshot.ID == snapshotID {
			cloned := cloneSnapshot(snapshot)
			return &cloned, nil
		}
	}
	return nil, store.ErrSnapshotNotFound
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, runID string) (*store.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshots := m.snapshots[runID]
	if len(snapshots) == 0 {
		return nil, store.ErrSnapshotNotFound
	}
	cloned := cloneSnapshot(snapshots[len(snapshots)-1])
	return &cloned, nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, runID string, page store.Page) ([]store.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	window := paginate(len(m.snapshots[runID]), page)
	results := make([]store.Snapshot, 0, window.size())
	for _, snapshot := range m.snapshots[runID][window.start:window.end] {
		results = append(results, cloneSnapshot(snapshot))
	}
	return results, nil
}

func (m *MemoryStore) AppendBrowserLogs(ctx context.Context, logs []store.BrowserLog) error {
	if len(logs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range logs {
		if _, ok := m.runs[entry.RunID]; !ok {
			return store.ErrRunNotFound
		}
	}
	now := m.now()
	for _, entry := range logs {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		m.logs[entry.RunID] = append(m.logs[entry.RunID], entry)
	}
	return nil
}

func (m *MemoryStore) ListBrowserLogs(ctx context.Context, runID string, stepID string, page store.Page) ([]store.BrowserLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	filtered := m.logs[runID]
	if stepID != "" {
		filtered = make([]store.BrowserLog, 0)
		for _, entry := range m.logs[runID] {
			if entry.StepID == stepID {
				filtered = append(filtered, entry)
			}
		}
	}
	window := paginate(len(filtered), page)
	return append([]store.BrowserLog{}, filtered[window.start:window.end]...), nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[entry.RunID]; !ok {
		return store.ErrRunNotFound
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	m.audit[entry.RunID] = append(m.audit[entry.RunID], entry)
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, runID string, page store.Page) ([]store.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	window := paginate(len(m.audit[runID]), page)
	results := make([]store.AuditEntry, 0, window.size())
	for _, entry := range m.audit[runID][window.start:window.end] {
		results = append(results, cloneAudit(entry))
	}
	return results, nil
}

func (m *MemoryStore) RecentAudit(ctx context.Context, runID string, limit int) ([]store.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.audit[runID]
	start := 0
	if limit > 0 && len(entries) > limit {
		start = len(entries) - limit
	}
	results := make([]store.AuditEntry, 0, len(entries)-start)
	for _, entry := range entries[start:] {
		results = append(results, cloneAudit(entry))
	}
	return results, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

type window struct {
	start int
	end   int
}

func (w window) size() int {
	return w.end - w.start
}

func paginate(total int, page store.Page) window {
	page = page.Normalize()
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return window{start: start, end: end}
}

func cloneSnapshot(snapshot store.Snapshot) store.Snapshot {
	cloned := snapshot
	cloned.ScreenshotData = append([]byte(nil), snapshot.ScreenshotData...)
	return cloned
}

func cloneAudit(entry store.AuditEntry) store.AuditEntry {
	cloned := entry
	cloned.Payload = append([]byte(nil), entry.Payload...)
	return cloned
}
