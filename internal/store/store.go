package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

type RunStatus string

const (
	RunQueued       RunStatus = "queued"
	RunRunning      RunStatus = "running"
	RunWaitingHuman RunStatus = "waiting_human"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunStopped      RunStatus = "stopped"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunWaitingHuman, RunCompleted, RunFailed, RunStopped:
		return true
	}
	return false
}

// Settled reports whether the autonomous loop has nothing left to do for the
// run until a human acts on it.
func (s RunStatus) Settled() bool {
	switch s {
	case RunCompleted, RunFailed, RunStopped, RunWaitingHuman:
		return true
	}
	return false
}

type Run struct {
	ID                        string
	Task                      string
	Model                     string
	Browser                   string
	Headless                  bool
	Status                    RunStatus
	PlanState                 PlanState
	ActiveStepID              string
	CheckpointedAt            time.Time
	ErrorMessage              string
	RequiresHumanIntervention bool
	RecordingRef              string
	StopRequested             bool
	Version                   int64
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

func (r Run) Clone() Run {
	out := r
	out.PlanState = r.PlanState.Clone()
	return out
}

type Snapshot struct {
	ID             string
	RunID          string
	StepID         string
	URL            string
	Title          string
	DOMText        string
	ScreenshotRef  string
	ScreenshotData []byte
	CursorX        int
	CursorY        int
	ViewportWidth  int
	ViewportHeight int
	CreatedAt      time.Time
}

type BrowserLog struct {
	ID        string
	RunID     string
	StepID    string
	Level     string
	Message   string
	CreatedAt time.Time
}

type AuditEntry struct {
	ID        string
	RunID     string
	StepID    string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

type Page struct {
	Limit  int
	Offset int
}

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// RunMutation is applied to a locked copy of the run. Returning an error
// aborts the update and leaves the stored run untouched.
type RunMutation func(run *Run) error

type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
	ListStaleRuns(ctx context.Context, status RunStatus, updatedBefore time.Time) ([]Run, error)
	UpdateRun(ctx context.Context, runID string, mutate RunMutation) (*Run, error)
	DeleteRun(ctx context.Context, runID string) error
	AppendSnapshot(ctx context.Context, snapshot Snapshot) error
	GetSnapshot(ctx context.Context, runID string, snapshotID string) (*Snapshot, error)
	LatestSnapshot(ctx context.Context, runID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, runID string, page Page) ([]Snapshot, error)
	AppendBrowserLogs(ctx context.Context, logs []BrowserLog) error
	ListBrowserLogs(ctx context.Context, runID string, stepID string, page Page) ([]BrowserLog, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, runID string, page Page) ([]AuditEntry, error)
	RecentAudit(ctx context.Context, runID string, limit int) ([]AuditEntry, error)
	Ping(ctx context.Context) error
}
