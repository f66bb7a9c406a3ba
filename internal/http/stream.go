package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"genspese/internal/surface"
)

const (
	streamBuffer      = 32
	heartbeatInterval = 25 * time.Second
)

// streamEvent is one server-sent event.
type streamEvent struct {
	name string
	data []byte
}

// streamHub fans registry changes out to SSE clients. Slow clients drop
// events rather than blocking the registry's notify path.
type streamHub struct {
	registry *surface.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[chan streamEvent]struct{}
	closed  bool
	dropped int64

	unsubscribe func()
}

func newStreamHub(registry *surface.Registry, logger *slog.Logger) *streamHub {
	h := &streamHub{
		registry: registry,
		logger:   logger,
		clients:  make(map[chan streamEvent]struct{}),
	}
	h.unsubscribe = registry.Subscribe(h.broadcast)
	return h
}

func (h *streamHub) broadcast(c surface.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		h.logger.Warn("Failed to encode surface change", "error", err)
		return
	}
	ev := streamEvent{name: "change", data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

func (h *streamHub) add() (chan streamEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan streamEvent, streamBuffer)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *streamHub) remove(ch chan streamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *streamHub) stats() (clients int, dropped int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients), h.dropped
}

// Close disconnects every client and stops observing the registry.
func (h *streamHub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// handleSurfaceStream sends the current snapshot followed by every change.
func (s *Server) handleSurfaceStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "surfaces not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, ok := s.stream.add()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer s.stream.remove(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap, err := json.Marshal(s.registry.Snapshot())
	if err != nil {
		return
	}
	if err := writeEvent(w, streamEvent{name: "snapshot", data: snap}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev streamEvent) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
	return err
}
