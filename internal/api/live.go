package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

// streamLive pushes the run's live events as server-sent events. The
// subscriber gets the cached snapshot first, then every later one; the
// stream ends once the run reaches a terminal status.
func (s *Server) streamLive(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribed before the status read, so a transition landing in between
	// still reaches the channel.
	live := s.runs.Broadcaster().Subscribe(ctx, runID)
	run, err := s.runs.Status(ctx, runID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if streamEnded(run.Status) {
		if event, ok := s.runs.Broadcaster().Latest(ctx, runID); ok {
			sendLiveEvent(w, event)
		}
		sendLiveEvent(w, events.StatusEvent(runID, run.Status))
		flusher.Flush()
		return
	}

	s.metrics.SubscriberOpened()
	defer s.metrics.SubscriberClosed()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	flusher.Flush()

	for {
		select {
		case event, ok := <-live:
			if !ok {
				return
			}
			sendLiveEvent(w, event)
			flusher.Flush()
			switch event.Type {
			case events.TypeDegraded:
				return
			case events.TypeStatus:
				if streamEnded(store.RunStatus(event.Status)) {
					return
				}
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// streamEnded is true for statuses the loop will not leave on its own. A
// resumed run gets a fresh stream.
func streamEnded(status store.RunStatus) bool {
	switch status {
	case store.RunCompleted, store.RunFailed, store.RunStopped:
		return true
	}
	return false
}

func sendLiveEvent(w http.ResponseWriter, event events.LiveEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.RunID, event.Seq)
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
