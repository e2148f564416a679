package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"loxone-gateway/internal/eventing"
)

// StreamHandler serves envelopes as server-sent events.
type StreamHandler struct {
	broker    *eventing.Broker[eventing.Envelope]
	keepalive time.Duration
}

// NewStreamHandler constructs a stream handler. A non-positive keepalive
// disables comment pings.
func NewStreamHandler(broker *eventing.Broker[eventing.Envelope], keepalive time.Duration) *StreamHandler {
	return &StreamHandler{broker: broker, keepalive: keepalive}
}

// ServeHTTP handles GET /api/v1/events/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.broker.Subscribe()
	defer sub.Close()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	var ping <-chan time.Time
	if h.keepalive > 0 {
		ticker := time.NewTicker(h.keepalive)
		defer ticker.Stop()
		ping = ticker.C
	}

	notify := r.Context().Done()
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.EventID, env.EventType, payload)
			flusher.Flush()
		case <-ping:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}
