// Package actuator is the browser-side capability the orchestrator drives.
// A Launcher opens one Session per run; a Session performs one action at a
// time and reports what the page looks like afterwards.
package actuator

import (
	"context"
	"errors"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

var (
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrSessionClosed     = errors.New("actuator session closed")
)

type LogLine struct {
	Level   string
	Message string
	At      time.Time
}

type Observation struct {
	URL            string
	Title          string
	DOMText        string
	HTML           string
	Screenshot     []byte
	CursorX        int
	CursorY        int
	ViewportWidth  int
	ViewportHeight int
	Logs           []LogLine
}

type SessionOptions struct {
	RunID    string
	Browser  string
	Headless bool
}

type Session interface {
	Do(ctx context.Context, action store.Action) (Observation, error)
	Close() error
}

// Recording is what a session captured of the page so far. Extension names
// the container format, without a leading dot.
type Recording struct {
	Data      []byte
	Extension string
}

// Recorder is implemented by sessions that capture the page while they run.
// Recording returns false when nothing was captured.
type Recorder interface {
	Recording() (Recording, bool)
}

type Launcher interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}
