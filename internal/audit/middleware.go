package audit

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"loxone-gateway/internal/auth"
)

const maxDigestBytes = 1 << 20

// Middleware records every mutating admin API call after it completes.
type Middleware struct {
	sink    Logger
	logger  *log.Logger
	timeout time.Duration
}

// NewMiddleware constructs an audit middleware.
func NewMiddleware(sink Logger, logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return &Middleware{sink: sink, logger: logger, timeout: 3 * time.Second}
}

// Wrap applies auditing to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.sink == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action, resourceType, resourceID, ok := Classify(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		var digest string
		if r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxDigestBytes))
			if err == nil {
				digest = DigestJSON(body)
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := Entry{
			Actor:         auth.SubjectFromContext(r.Context()),
			Role:          string(auth.RoleFromContext(r.Context())),
			Action:        action,
			ResourceType:  resourceType,
			ResourceID:    resourceID,
			Status:        rec.status,
			PayloadDigest: digest,
			IP:            clientIP(r),
			UserAgent:     r.UserAgent(),
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), m.timeout)
		defer cancel()
		if err := m.sink.Log(ctx, entry); err != nil {
			m.logger.Printf("audit: write failed action=%s err=%v", action, err)
		}
	})
}

// Classify maps a mutating admin request to an audit action.
func Classify(method, path string) (action, resourceType, resourceID string, ok bool) {
	switch {
	case path == "/api/v1/commands" && method == http.MethodPost:
		return "commands.issue", "command", "", true
	case path == "/api/v1/commands" && method == http.MethodDelete:
		return "commands.clear", "queue", "", true
	case path == "/api/v1/messages" && method == http.MethodPost:
		return "messages.send", "message", "", true
	case strings.HasPrefix(path, "/api/v1/messages/") && strings.HasSuffix(path, "/ack") && method == http.MethodPost:
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/messages/"), "/ack")
		return "messages.ack", "message", id, true
	case path == "/api/v1/connection/reconnect" && method == http.MethodPost:
		return "connection.reconnect", "connection", "", true
	}
	return "", "", "", false
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
