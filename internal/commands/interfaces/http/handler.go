package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"loxone-gateway/internal/auth"
	commandsapp "loxone-gateway/internal/commands/application"
	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/delivery"
)

const maxBodyBytes = 1 << 20

// Journal lists recorded command results.
type Journal interface {
	ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]commands.CommandResult, error)
}

// Handler provides command HTTP endpoints.
type Handler struct {
	service *commandsapp.Service
	journal Journal
	logger  *log.Logger
}

// NewHandler constructs a handler. journal may be nil when no database is
// configured.
func NewHandler(service *commandsapp.Service, journal Journal, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, journal: journal, logger: logger}, nil
}

type issueRequest struct {
	DeviceID        string            `json:"device_id"`
	Command         string            `json:"command"`
	Priority        string            `json:"priority"`
	Source          string            `json:"source"`
	IdempotencyKey  string            `json:"idempotency_key"`
	TTLSeconds      int               `json:"ttl_seconds"`
	Metadata        map[string]string `json:"metadata"`
	RequiresConsent bool              `json:"requires_consent"`
}

// ServeHTTP handles POST/GET/DELETE /api/v1/commands.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var dto issueRequest
	if err := json.Unmarshal(body, &dto); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	priority, err := delivery.ParsePriority(dto.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	source := dto.Source
	if source == "" {
		source = auth.SubjectFromContext(r.Context())
	}

	resp, err := h.service.IssueCommand(r.Context(), commandsapp.IssueRequest{
		DeviceID:        dto.DeviceID,
		Command:         dto.Command,
		Priority:        priority,
		Source:          source,
		IdempotencyKey:  dto.IdempotencyKey,
		TTLSeconds:      dto.TTLSeconds,
		Metadata:        dto.Metadata,
		RequiresConsent: dto.RequiresConsent,
	})
	if err != nil {
		respondIssueError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Status == commands.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := query.Get("id"); id != "" {
		resp, ok := h.service.Status(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	deviceID := query.Get("device_id")
	fromValue := query.Get("from")
	toValue := query.Get("to")
	if deviceID == "" || fromValue == "" || toValue == "" {
		http.Error(w, "id or device_id/from/to required", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(time.RFC3339, fromValue)
	if err != nil {
		http.Error(w, "from must be RFC3339", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, toValue)
	if err != nil {
		http.Error(w, "to must be RFC3339", http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	if h.journal == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}

	list, err := h.journal.ListByDevice(r.Context(), deviceID, from, to)
	if err != nil {
		h.logger.Printf("commands handler: journal query failed device=%s err=%v", deviceID, err)
		http.Error(w, "journal query error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []commands.CommandResult{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	removed := h.service.Queue().Clear()
	h.logger.Printf("commands handler: queue cleared removed=%d by=%s", removed, auth.SubjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func respondIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commands.ErrConsentRequired):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, commands.ErrQueueFull), errors.Is(err, commands.ErrShutdown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, commands.ErrAlreadyExpired):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
