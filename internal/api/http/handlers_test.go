package apihttp

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commandsapp "loxone-gateway/internal/commands/application"
	"loxone-gateway/internal/delivery"
	"loxone-gateway/internal/miniserver"
	"loxone-gateway/internal/resilience"
)

type stubQueue struct{ stats commandsapp.QueueStats }

func (s stubQueue) Stats() commandsapp.QueueStats { return s.stats }

type stubConnection struct{ stats resilience.Statistics }

func (s stubConnection) Stats() resilience.Statistics { return s.stats }

type stubHealth struct{ state miniserver.HealthState }

func (s stubHealth) State() miniserver.HealthState { return s.state }

type stubSender struct {
	last  resilience.SendRequest
	err   error
	acked map[string]bool
}

func (s *stubSender) Send(req resilience.SendRequest) (string, error) {
	s.last = req
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

func (s *stubSender) AcknowledgeMessage(id string) bool { return s.acked[id] }

type stubReconnector struct {
	calls int
	err   error
}

func (s *stubReconnector) Reconnect() error {
	s.calls++
	return s.err
}

func TestStatsHandler(t *testing.T) {
	h := NewStatsHandler(
		stubQueue{stats: commandsapp.QueueStats{Depth: 3, MaxSize: 10}},
		stubConnection{stats: resilience.Statistics{State: resilience.StateConnected, Sent: 7}},
		stubHealth{state: miniserver.HealthState{Healthy: true}},
	)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Queue.Depth != 3 || resp.Connection == nil || resp.Connection.Sent != 7 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
	if resp.Connection.State != resilience.StateConnected || resp.Health == nil || !resp.Health.Healthy {
		t.Fatalf("unexpected connection or health: %+v", resp)
	}

	rec = httptest.NewRecorder()
	NewStatsHandler(stubQueue{}, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if strings.Contains(rec.Body.String(), `"connection"`) {
		t.Fatalf("connection section should be omitted: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func newMessagesHandler(t *testing.T, sender *stubSender) *MessagesHandler {
	t.Helper()
	h, err := NewMessagesHandler(sender, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func TestMessagesHandler_Send(t *testing.T) {
	sender := &stubSender{}
	h := newMessagesHandler(t, sender)

	body := `{"payload":"jdev/sps/io/light/on","kind":"command","priority":"high","ttl":"30s"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if sender.last.Priority != delivery.PriorityHigh || sender.last.Kind != resilience.KindCommand {
		t.Fatalf("unexpected request: %+v", sender.last)
	}
	if sender.last.TTL != 30*time.Second || string(sender.last.Payload) != "jdev/sps/io/light/on" {
		t.Fatalf("unexpected request: %+v", sender.last)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"payload":"x"}`)))
	if rec.Code != http.StatusAccepted || sender.last.Priority != delivery.PriorityNormal {
		t.Fatalf("expected normal default priority, got %d %v", rec.Code, sender.last.Priority)
	}
}

func TestMessagesHandler_SendErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"empty payload", `{"payload":" "}`, nil, http.StatusBadRequest},
		{"bad kind", `{"payload":"x","kind":"nope"}`, nil, http.StatusBadRequest},
		{"bad priority", `{"payload":"x","priority":"urgent"}`, nil, http.StatusBadRequest},
		{"bad ttl", `{"payload":"x","ttl":"-1s"}`, nil, http.StatusBadRequest},
		{"queue full", `{"payload":"x"}`, resilience.ErrQueueFull, http.StatusServiceUnavailable},
		{"expired", `{"payload":"x"}`, resilience.ErrExpired, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		h := newMessagesHandler(t, &stubSender{err: tc.err})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestMessagesHandler_Ack(t *testing.T) {
	h := newMessagesHandler(t, &stubSender{acked: map[string]bool{"m1": true}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages/m1/ack", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages/m2/ack", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages/m1/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestReconnectHandler(t *testing.T) {
	target := &stubReconnector{}
	h := NewReconnectHandler(target)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/connection/reconnect", nil))
	if rec.Code != http.StatusAccepted || target.calls != 1 {
		t.Fatalf("expected 202 and one call, got %d calls=%d", rec.Code, target.calls)
	}

	target.err = resilience.ErrShutdown
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/connection/reconnect", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	NewReconnectHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/connection/reconnect", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without target, got %d", rec.Code)
	}
}
