package apihttp

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	commandsapp "loxone-gateway/internal/commands/application"
	"loxone-gateway/internal/delivery"
	"loxone-gateway/internal/miniserver"
	"loxone-gateway/internal/resilience"
)

// QueueStatsSource exposes command queue statistics.
type QueueStatsSource interface {
	Stats() commandsapp.QueueStats
}

// ConnectionStatsSource exposes streaming connection statistics.
type ConnectionStatsSource interface {
	Stats() resilience.Statistics
}

// HealthSource exposes the Miniserver probe state.
type HealthSource interface {
	State() miniserver.HealthState
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Queue      commandsapp.QueueStats  `json:"queue"`
	Connection *resilience.Statistics  `json:"connection,omitempty"`
	Health     *miniserver.HealthState `json:"health,omitempty"`
	At         time.Time               `json:"at"`
}

// StatsHandler serves delivery statistics.
type StatsHandler struct {
	queue      QueueStatsSource
	connection ConnectionStatsSource
	health     HealthSource
}

// NewStatsHandler constructs a StatsHandler. connection and health may be nil.
func NewStatsHandler(queue QueueStatsSource, connection ConnectionStatsSource, health HealthSource) *StatsHandler {
	return &StatsHandler{queue: queue, connection: connection, health: health}
}

// ServeHTTP handles GET /api/v1/stats.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.queue == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	resp := StatsResponse{Queue: h.queue.Stats(), At: time.Now().UTC()}
	if h.connection != nil {
		stats := h.connection.Stats()
		resp.Connection = &stats
	}
	if h.health != nil {
		state := h.health.State()
		resp.Health = &state
	}
	writeJSON(w, http.StatusOK, resp)
}

// MessageSender submits and acknowledges streaming messages.
type MessageSender interface {
	Send(req resilience.SendRequest) (string, error)
	AcknowledgeMessage(id string) bool
}

type sendRequest struct {
	Payload        string `json:"payload"`
	Kind           string `json:"kind"`
	Priority       string `json:"priority"`
	TTL            string `json:"ttl"`
	RequiresAck    *bool  `json:"requires_ack"`
	CorrelationKey string `json:"correlation_key"`
}

// MessagesHandler serves /api/v1/messages and /api/v1/messages/{id}/ack.
type MessagesHandler struct {
	sender MessageSender
	logger *log.Logger
}

// NewMessagesHandler constructs a MessagesHandler.
func NewMessagesHandler(sender MessageSender, logger *log.Logger) (*MessagesHandler, error) {
	if sender == nil {
		return nil, errors.New("apihttp: message sender required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MessagesHandler{sender: sender, logger: logger}, nil
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.sender == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/messages"), "/")
	if rest == "" {
		h.handleSend(w, r)
		return
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok || action != "ack" || id == "" {
		http.NotFound(w, r)
		return
	}
	if !h.sender.AcknowledgeMessage(id) {
		http.Error(w, "message not awaiting acknowledgment", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "acknowledged": true})
}

func (h *MessagesHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Payload) == "" {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}
	kind, err := resilience.ParseKind(body.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	priority, err := delivery.ParsePriority(body.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := resilience.SendRequest{
		Payload:        []byte(body.Payload),
		Kind:           kind,
		Priority:       priority,
		RequiresAck:    body.RequiresAck,
		CorrelationKey: body.CorrelationKey,
	}
	if body.TTL != "" {
		ttl, err := time.ParseDuration(body.TTL)
		if err != nil || ttl <= 0 {
			http.Error(w, "ttl must be a positive duration", http.StatusBadRequest)
			return
		}
		req.TTL = ttl
	}

	id, err := h.sender.Send(req)
	if err != nil {
		h.logger.Printf("apihttp: send message failed kind=%s priority=%s err=%v", kind, priority, err)
		switch {
		case errors.Is(err, resilience.ErrQueueFull), errors.Is(err, resilience.ErrShutdown):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, resilience.ErrExpired):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// Reconnector forces a new connection cycle.
type Reconnector interface {
	Reconnect() error
}

// ReconnectHandler serves POST /api/v1/connection/reconnect.
type ReconnectHandler struct {
	target Reconnector
}

// NewReconnectHandler constructs a ReconnectHandler.
func NewReconnectHandler(target Reconnector) *ReconnectHandler {
	return &ReconnectHandler{target: target}
}

func (h *ReconnectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.target == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	if err := h.target.Reconnect(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
