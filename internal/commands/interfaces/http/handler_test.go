package http

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	commandsapp "loxone-gateway/internal/commands/application"
	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/delivery"
)

type staticConnectivity struct {
	healthy atomic.Bool
}

func (s *staticConnectivity) Healthy() bool { return s.healthy.Load() }

type stubJournal struct {
	deviceID string
	results  []commands.CommandResult
}

func (s *stubJournal) ListByDevice(_ context.Context, deviceID string, _, _ time.Time) ([]commands.CommandResult, error) {
	s.deviceID = deviceID
	return s.results, nil
}

func newTestHandler(t *testing.T, healthy bool, journal Journal) (*Handler, *commandsapp.Queue) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	queue := commandsapp.NewQueue(commandsapp.QueueConfig{}, commandsapp.WithQueueLogger(logger))
	t.Cleanup(queue.Close)
	connectivity := &staticConnectivity{}
	connectivity.healthy.Store(healthy)
	executor := commandsapp.ExecutorFunc(func(context.Context, *commands.QueuedCommand) (json.RawMessage, error) {
		return json.RawMessage(`{"Code":200}`), nil
	})
	service, err := commandsapp.NewService(queue, executor,
		commandsapp.WithConnectivity(connectivity),
		commandsapp.WithServiceLogger(logger))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler, err := NewHandler(service, journal, logger)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, queue
}

func TestHandler_PostExecutesWhenHealthy(t *testing.T) {
	handler, _ := newTestHandler(t, true, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{"device_id":"light-1","command":"On","priority":"high"}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body commandsapp.IssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != commands.StatusSucceeded || body.Priority != delivery.PriorityHigh || body.CommandID == "" {
		t.Fatalf("unexpected response: %+v", body)
	}

	get := httptest.NewRecorder()
	handler.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/api/v1/commands?id="+body.CommandID, nil))
	if get.Code != http.StatusOK {
		t.Fatalf("expected status lookup 200, got %d", get.Code)
	}
}

func TestHandler_PostQueuesWhenUnhealthy(t *testing.T) {
	handler, queue := newTestHandler(t, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{"device_id":"blind-1","command":"FullUp"}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var body commandsapp.IssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != commands.StatusQueued || body.Priority != delivery.PriorityNormal {
		t.Fatalf("unexpected response: %+v", body)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected 1 queued command, got %d", queue.Len())
	}

	del := httptest.NewRecorder()
	handler.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/api/v1/commands", nil))
	if del.Code != http.StatusOK || queue.Len() != 0 {
		t.Fatalf("expected queue cleared, code=%d len=%d", del.Code, queue.Len())
	}
}

func TestHandler_PostValidation(t *testing.T) {
	handler, _ := newTestHandler(t, true, nil)
	cases := []struct {
		body string
		want int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"device_id":"x","command":"On","priority":"urgent"}`, http.StatusBadRequest},
		{`{"command":"On"}`, http.StatusBadRequest},
		{`{"device_id":"x","command":"On","requires_consent":true}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(tc.body)))
		if resp.Code != tc.want {
			t.Fatalf("body %s: expected %d, got %d", tc.body, tc.want, resp.Code)
		}
	}
}

func TestHandler_GetJournal(t *testing.T) {
	journal := &stubJournal{results: []commands.CommandResult{{CommandID: "cmd-1", DeviceID: "light-1", Status: commands.StatusSucceeded, Success: true}}}
	handler, _ := newTestHandler(t, true, journal)

	resp := httptest.NewRecorder()
	url := "/api/v1/commands?device_id=light-1&from=2024-01-01T00:00:00Z&to=2024-01-02T00:00:00Z"
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, url, nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var list []commands.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || journal.deviceID != "light-1" {
		t.Fatalf("unexpected journal response: %+v", list)
	}

	bad := httptest.NewRecorder()
	handler.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/api/v1/commands?device_id=light-1&from=2024-01-02T00:00:00Z&to=2024-01-01T00:00:00Z", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", bad.Code)
	}
}

func TestHandler_JournalNotConfigured(t *testing.T) {
	handler, _ := newTestHandler(t, true, nil)
	resp := httptest.NewRecorder()
	url := "/api/v1/commands?device_id=light-1&from=2024-01-01T00:00:00Z&to=2024-01-02T00:00:00Z"
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, url, nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
