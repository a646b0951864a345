package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

type FakePage struct {
	Title string
	Text  string
	HTML  string
}

// FakeLauncher is a scripted in-memory browser. Failures maps an action
// signature to how many times it fails before succeeding; a negative count
// fails forever. Sessions report Recording, when set, as their capture.
type FakeLauncher struct {
	mu        sync.Mutex
	Pages     map[string]FakePage
	Failures  map[string]int
	Delay     time.Duration
	Recording *Recording
	actions   []store.Action
	opened   int
	closed   int
}

func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		Pages:    map[string]FakePage{},
		Failures: map[string]int{},
	}
}

func (f *FakeLauncher) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeSession{launcher: f, url: "about:blank"}, nil
}

func (f *FakeLauncher) Actions() []store.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Action(nil), f.actions...)
}

func (f *FakeLauncher) Sessions() (opened int, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type fakeSession struct {
	launcher *FakeLauncher
	url      string
	closed   bool
	cursorX  int
	cursorY  int
}

func (s *fakeSession) Do(ctx context.Context, action store.Action) (Observation, error) {
	f := s.launcher
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return Observation{}, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return Observation{}, ErrSessionClosed
	}
	f.actions = append(f.actions, action)

	signature := action.Signature()
	if remaining, ok := f.Failures[signature]; ok && remaining != 0 {
		if remaining > 0 {
			f.Failures[signature] = remaining - 1
		}
		return Observation{Logs: []LogLine{{Level: "error", Message: "scripted failure for " + signature, At: time.Now().UTC()}}},
			errors.New("scripted failure: " + signature)
	}

	switch action.Kind {
	case store.ActionNavigate:
		s.url = action.URL
	case store.ActionClick, store.ActionType:
		s.cursorX, s.cursorY = 100, 200
	case store.ActionScroll, store.ActionWait, store.ActionBack, store.ActionReload, store.ActionSnapshot, store.ActionExtract:
	default:
		return Observation{}, fmt.Errorf("%w: %s", ErrUnsupportedAction, action.Kind)
	}

	page := f.Pages[s.url]
	return Observation{
		URL:            s.url,
		Title:          page.Title,
		DOMText:        page.Text,
		HTML:           page.HTML,
		Screenshot:     []byte("png"),
		CursorX:        s.cursorX,
		CursorY:        s.cursorY,
		ViewportWidth:  1280,
		ViewportHeight: 800,
		Logs:           []LogLine{{Level: "info", Message: string(action.Kind) + " " + s.url, At: time.Now().UTC()}},
	}, nil
}

func (s *fakeSession) Recording() (Recording, bool) {
	s.launcher.mu.Lock()
	defer s.launcher.mu.Unlock()
	if s.launcher.Recording == nil || len(s.launcher.Recording.Data) == 0 {
		return Recording{}, false
	}
	recording := *s.launcher.Recording
	recording.Data = append([]byte(nil), recording.Data...)
	return recording, true
}

func (s *fakeSession) Close() error {
	s.launcher.mu.Lock()
	defer s.launcher.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.launcher.closed++
	}
	return nil
}
