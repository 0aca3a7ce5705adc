package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/go-chi/chi/v5"
)

// streamMessage is one server-sent event.
type streamMessage struct {
	Event string
	Data  string
}

// StreamManager handles active SSE connections, keyed by run ID.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- streamMessage]struct{}
	logger      *slog.Logger
}

func NewStreamManager(logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StreamManager{
		subscribers: make(map[string]map[chan<- streamMessage]struct{}),
		logger:      logger,
	}
}

func (sm *StreamManager) Subscribe(runID string) (<-chan streamMessage, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan streamMessage, 16)
	if _, ok := sm.subscribers[runID]; !ok {
		sm.subscribers[runID] = make(map[chan<- streamMessage]struct{})
	}
	sm.subscribers[runID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[runID]; ok {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, runID)
			}
		}
	}
}

// Subscribers returns the number of open streams of a run.
func (sm *StreamManager) Subscribers(runID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[runID])
}

func (sm *StreamManager) Broadcast(runID, event, data string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[runID] {
		select {
		case ch <- streamMessage{Event: event, Data: data}:
		default:
			// Drop message if channel is full (slow client)
			sm.logger.Warn("SSE: Client buffer full, dropping message", "run_id", runID, "event", event)
		}
	}
}

// Hooks returns lifecycle hooks that publish every appended ledger event
// to the streams of its run. Give them to the engine with lattice.WithLifecycleHooks.
func (sm *StreamManager) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnEventAppended: func(_ context.Context, ev *domain.ExecutionEvent) {
			if sm.Subscribers(ev.RunID) == 0 {
				return
			}
			data, err := codec.Marshal(ev)
			if err != nil {
				sm.logger.Error("SSE: event encode failed", "err", err, "run_id", ev.RunID)
				return
			}
			sm.Broadcast(ev.RunID, string(ev.Kind), string(data))
		},
	}
}

// SubscribeEvents handles GET /runs/{id}/events (SSE).
// The optional kinds query parameter is a comma separated event kind filter.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}

	runID := chi.URLParam(r, "id")
	if _, err := s.Engine.Snapshot(r.Context(), runID); err != nil {
		s.writeError(w, r, "SubscribeEvents", err)
		return
	}

	var kinds map[string]bool
	if v := r.URL.Query().Get("kinds"); v != "" {
		kinds = make(map[string]bool)
		for _, k := range strings.Split(v, ",") {
			kinds[strings.TrimSpace(k)] = true
		}
	}

	ch, cancel := s.Streams.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logger.Info("SSE: Subscribing to run events", "run_id", runID)
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE Client Disconnected", "run_id", runID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if kinds != nil && !kinds[msg.Event] {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
		}
	}
}
