package events

import (
	"context"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const (
	TypeSnapshot = "snapshot"
	TypeStatus   = "status"
	// TypeDegraded tells a subscriber the live feed dropped an event it could
	// not decode; it should fall back to polling.
	TypeDegraded = "degraded"
)

const subscriberBuffer = 16

type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type SnapshotPayload struct {
	ID            string    `json:"id"`
	StepID        string    `json:"stepId,omitempty"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	DOMText       string    `json:"domText,omitempty"`
	ScreenshotRef string    `json:"screenshotRef,omitempty"`
	Cursor        Cursor    `json:"cursor"`
	Viewport      Viewport  `json:"viewport"`
	CreatedAt     time.Time `json:"createdAt"`
}

type LiveEvent struct {
	RunID    string           `json:"runId"`
	Seq      int64            `json:"seq"`
	Type     string           `json:"type"`
	Status   string           `json:"status,omitempty"`
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
}

func SnapshotEvent(snapshot store.Snapshot) LiveEvent {
	return LiveEvent{
		RunID: snapshot.RunID,
		Type:  TypeSnapshot,
		Snapshot: &SnapshotPayload{
			ID:            snapshot.ID,
			StepID:        snapshot.StepID,
			URL:           snapshot.URL,
			Title:         snapshot.Title,
			DOMText:       snapshot.DOMText,
			ScreenshotRef: snapshot.ScreenshotRef,
			Cursor:        Cursor{X: snapshot.CursorX, Y: snapshot.CursorY},
			Viewport:      Viewport{Width: snapshot.ViewportWidth, Height: snapshot.ViewportHeight},
			CreatedAt:     snapshot.CreatedAt,
		},
	}
}

func StatusEvent(runID string, status store.RunStatus) LiveEvent {
	return LiveEvent{RunID: runID, Type: TypeStatus, Status: string(status)}
}

// Broadcaster is the per-run live channel. Publish is lossy; Latest returns
// the last snapshot event published for the run.
type Broadcaster interface {
	Publish(ctx context.Context, event LiveEvent)
	Subscribe(ctx context.Context, runID string) <-chan LiveEvent
	Latest(ctx context.Context, runID string) (LiveEvent, bool)
	Forget(ctx context.Context, runID string)
}

// DefaultRetention is how long a Broker keeps a settled run's cached
// snapshot and sequence after its terminal status event.
const DefaultRetention = 10 * time.Minute

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan LiveEvent]struct{}
	latest      map[string]LiveEvent
	seq         map[string]int64
	expiries    map[string]*time.Timer
	retention   time.Duration
}

type BrokerOption func(*Broker)

func WithRetention(retention time.Duration) BrokerOption {
	return func(b *Broker) {
		if retention > 0 {
			b.retention = retention
		}
	}
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subscribers: map[string]map[chan LiveEvent]struct{}{},
		latest:      map[string]LiveEvent{},
		seq:         map[string]int64{},
		expiries:    map[string]*time.Timer{},
		retention:   DefaultRetention,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber and immediately queues the cached
// snapshot, if any. The channel closes when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan LiveEvent {
	ch := make(chan LiveEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan LiveEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	if latest, ok := b.latest[runID]; ok {
		ch <- latest
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *Broker) Publish(ctx context.Context, event LiveEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[event.RunID]++
	event.Seq = b.seq[event.RunID]
	if event.Type == TypeSnapshot {
		b.latest[event.RunID] = event
	}
	if timer, ok := b.expiries[event.RunID]; ok {
		timer.Stop()
		delete(b.expiries, event.RunID)
	}
	if event.Type == TypeStatus && settled(store.RunStatus(event.Status)) {
		runID, seq := event.RunID, event.Seq
		b.expiries[runID] = time.AfterFunc(b.retention, func() { b.expire(runID, seq) })
	}
	for ch := range b.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) Latest(ctx context.Context, runID string) (LiveEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	event, ok := b.latest[runID]
	return event, ok
}

func (b *Broker) Forget(ctx context.Context, runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forget(runID)
}

// expire drops a settled run's state unless it published again since.
func (b *Broker) expire(runID string, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seq[runID] != seq {
		return
	}
	b.forget(runID)
}

func (b *Broker) forget(runID string) {
	if timer, ok := b.expiries[runID]; ok {
		timer.Stop()
		delete(b.expiries, runID)
	}
	delete(b.latest, runID)
	delete(b.seq, runID)
}

func settled(status store.RunStatus) bool {
	switch status {
	case store.RunCompleted, store.RunFailed, store.RunStopped:
		return true
	}
	return false
}

func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[runID])
}
