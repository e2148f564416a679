package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"loxone-gateway/internal/delivery"
)

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(testConfig(), nil); err == nil {
		t.Fatalf("expected nil transport error")
	}
	cfg := testConfig()
	cfg.URL = ""
	if _, err := NewManager(cfg, &fakeTransport{}); err == nil {
		t.Fatalf("expected url error")
	}
	cfg = testConfig()
	cfg.Reconnect.Jitter = 1.5
	if _, err := NewManager(cfg, &fakeTransport{}); err == nil {
		t.Fatalf("expected jitter error")
	}
}

func TestManager_DeliversByPriorityThenArrival(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, testConfig(), transport)

	low, _ := m.SendMessage([]byte("low"), KindCustom, delivery.PriorityLow)
	critical, _ := m.SendMessage([]byte("critical"), KindCustom, delivery.PriorityCritical)
	normal1, _ := m.SendMessage([]byte("normal-1"), KindCustom, delivery.PriorityNormal)
	normal2, _ := m.SendMessage([]byte("normal-2"), KindCustom, delivery.PriorityNormal)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "four frames", func() bool {
		conn := transport.latest()
		return conn != nil && len(conn.frames(t)) == 4
	})

	frames := transport.latest().frames(t)
	expected := []string{critical, normal1, normal2, low}
	for i, id := range expected {
		if frames[i].ID != id {
			t.Fatalf("frame %d: expected %s, got %s", i, id, frames[i].ID)
		}
	}
	if stats := m.Stats(); stats.Sent != 4 || stats.AwaitingAck != 0 || stats.State != StateConnected {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestManager_DeduplicatesWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	m := newTestManager(t, cfg, &fakeTransport{}, WithClock(clock))

	first, err := m.SendMessage([]byte("jdev/sps/io/light/On"), KindCommand, delivery.PriorityNormal)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := m.SendMessage([]byte("jdev/sps/io/light/On"), KindCommand, delivery.PriorityNormal)
	if err != nil {
		t.Fatalf("send duplicate: %v", err)
	}
	if first != second {
		t.Fatalf("expected duplicate to return %s, got %s", first, second)
	}
	if stats := m.Stats(); stats.DuplicatesDetected != 1 || stats.QueueDepth != 1 {
		t.Fatalf("unexpected stats after duplicate: %+v", stats)
	}

	clock.Advance(2 * time.Minute)
	third, err := m.SendMessage([]byte("jdev/sps/io/light/On"), KindCommand, delivery.PriorityNormal)
	if err != nil {
		t.Fatalf("send after window: %v", err)
	}
	if third == first {
		t.Fatalf("expected new id after window")
	}
	if stats := m.Stats(); stats.DuplicatesDetected != 1 || stats.QueueDepth != 2 {
		t.Fatalf("unexpected stats after window: %+v", stats)
	}
}

func TestManager_OverflowEvictsOldestLow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	m := newTestManager(t, cfg, &fakeTransport{})
	events := m.Subscribe()
	defer events.Close()

	oldLow, _ := m.SendMessage([]byte("a"), KindCustom, delivery.PriorityLow)
	if _, err := m.SendMessage([]byte("b"), KindCustom, delivery.PriorityNormal); err != nil {
		t.Fatalf("send b: %v", err)
	}
	if _, err := m.SendMessage([]byte("c"), KindCustom, delivery.PriorityNormal); err != nil {
		t.Fatalf("send c: %v", err)
	}
	ev := waitForEvent(t, events, EventQueueOverflow)
	if ev.MessageID != oldLow {
		t.Fatalf("expected eviction of %s, got %+v", oldLow, ev)
	}

	_, err := m.SendMessage([]byte("d"), KindCustom, delivery.PriorityHigh)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	stats := m.Stats()
	if stats.Evicted != 1 || stats.Rejected != 1 || stats.QueueDepth != 2 || stats.Utilization != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestManager_AcknowledgeIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, testConfig(), transport)
	events := m.Subscribe()
	defer events.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := m.SendMessage([]byte("jdev/sps/io/blind/FullUp"), KindCommand, delivery.PriorityHigh)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "awaiting ack", func() bool { return m.Stats().AwaitingAck == 1 })

	if !m.AcknowledgeMessage(id) {
		t.Fatalf("expected first ack to complete message")
	}
	if m.AcknowledgeMessage(id) {
		t.Fatalf("expected second ack to be a no-op")
	}
	ev := waitForEvent(t, events, EventMessageAcknowledged)
	if ev.MessageID != id {
		t.Fatalf("unexpected ack event: %+v", ev)
	}
	if stats := m.Stats(); stats.Acknowledged != 1 || stats.AwaitingAck != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestManager_InboundAckFrame(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, testConfig(), transport)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	id, _ := m.SendMessage([]byte(`{"query":"state"}`), KindQuery, delivery.PriorityNormal)
	eventually(t, "awaiting ack", func() bool { return m.Stats().AwaitingAck == 1 })

	transport.latest().deliver(fmt.Sprintf(`{"type":"ack","id":%q}`, id))
	eventually(t, "ack applied", func() bool { return m.Stats().Acknowledged == 1 })
}

func TestManager_AckTimeoutEmitsEvent(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	transport := &fakeTransport{}
	m := newTestManager(t, cfg, transport)
	events := m.Subscribe()
	defer events.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, _ := m.SendMessage([]byte("jdev/sps/io/door/Open"), KindCommand, delivery.PriorityCritical)
	ev := waitForEvent(t, events, EventMessageTimeout)
	if ev.MessageID != id || ev.RetryCount != 0 {
		t.Fatalf("unexpected timeout event: %+v", ev)
	}
	if stats := m.Stats(); stats.Timeouts != 1 || stats.AwaitingAck != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if m.AcknowledgeMessage(id) {
		t.Fatalf("ack after timeout must be a no-op")
	}
}

func TestManager_ExpiredMessageIsNeverSent(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	transport := &fakeTransport{}
	m := newTestManager(t, testConfig(), transport, WithClock(clock))
	events := m.Subscribe()
	defer events.Close()

	id, err := m.Send(SendRequest{Payload: []byte("stale"), Kind: KindCustom, Priority: delivery.PriorityNormal, TTL: time.Second})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	clock.Advance(2 * time.Second)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := waitForEvent(t, events, EventMessageFailed)
	if ev.MessageID != id || ev.Error != ErrExpired.Error() {
		t.Fatalf("unexpected failure event: %+v", ev)
	}
	if conn := transport.latest(); conn != nil && len(conn.frames(t)) != 0 {
		t.Fatalf("expired message was sent")
	}
	if _, err := m.Send(SendRequest{Payload: []byte("late"), ExpiresAt: clock.Now().Add(-time.Second)}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired for past expiry, got %v", err)
	}
}

func TestManager_ReconnectsWithBackoff(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	m := newTestManager(t, testConfig(), transport)
	events := m.Subscribe()
	defer events.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := waitForEvent(t, events, EventReconnectionStarted)
	if first.Attempt != 2 || first.Delay != 5*time.Millisecond {
		t.Fatalf("unexpected first reconnect: %+v", first)
	}
	second := waitForEvent(t, events, EventReconnectionStarted)
	if second.Attempt != 3 || second.Delay != 10*time.Millisecond {
		t.Fatalf("unexpected second reconnect: %+v", second)
	}
	connected := waitForEvent(t, events, EventConnected)
	if connected.Attempt != 3 {
		t.Fatalf("expected connection on attempt 3, got %+v", connected)
	}
	stats := m.Stats()
	if stats.ConnectionAttempts != 3 || stats.SuccessfulConnections != 1 || stats.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestManager_MaxAttemptsEntersFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.MaxAttempts = 2
	transport := &fakeTransport{failAll: true}
	m := newTestManager(t, cfg, transport)
	events := m.Subscribe()
	defer events.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForEvent(t, events, EventConnectionFailed)
	if state := m.State(); state != StateFailed {
		t.Fatalf("expected failed state, got %s", state)
	}
	time.Sleep(30 * time.Millisecond)
	if attempts := m.Stats().ConnectionAttempts; attempts != 2 {
		t.Fatalf("expected retries to stop after 2 attempts, got %d", attempts)
	}

	transport.setFailAll(false)
	if err := m.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	eventually(t, "connected after manual reconnect", func() bool { return m.State() == StateConnected })
}

func TestManager_FlappingConnectionCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.MaxAttempts = 2
	transport := &fakeTransport{dropOnConnect: true}
	m := newTestManager(t, cfg, transport)
	events := m.Subscribe()
	defer events.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForEvent(t, events, EventConnected)
	retry := waitForEvent(t, events, EventReconnectionStarted)
	if retry.Attempt != 2 || retry.Delay != 5*time.Millisecond {
		t.Fatalf("unexpected reconnect after first drop: %+v", retry)
	}
	waitForEvent(t, events, EventConnectionFailed)
	if state := m.State(); state != StateFailed {
		t.Fatalf("expected failed state, got %s", state)
	}
	time.Sleep(30 * time.Millisecond)
	if count := transport.connCount(); count != 2 {
		t.Fatalf("expected 2 short-lived connections, got %d", count)
	}
}

func TestManager_HeartbeatMissesForceReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.Interval = 10 * time.Millisecond
	cfg.Heartbeat.Timeout = 5 * time.Millisecond
	cfg.Heartbeat.MaxMissed = 1
	transport := &fakeTransport{}
	m := newTestManager(t, cfg, transport)
	events := m.Subscribe()
	defer events.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	missed := waitForEvent(t, events, EventHeartbeatMissed)
	if missed.Missed != 1 {
		t.Fatalf("unexpected first miss: %+v", missed)
	}
	waitForEvent(t, events, EventDisconnected)
	eventually(t, "second connection", func() bool { return transport.connCount() >= 2 })
	if m.Stats().HeartbeatsMissed < 2 {
		t.Fatalf("expected at least 2 missed heartbeats")
	}
}

func TestManager_PongResetsMisses(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.Interval = 10 * time.Millisecond
	cfg.Heartbeat.Timeout = 50 * time.Millisecond
	cfg.Heartbeat.MaxMissed = 1
	transport := &fakeTransport{}
	m := newTestManager(t, cfg, transport)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "connected", func() bool { return m.State() == StateConnected })

	stop := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-stop:
			done = true
		case <-ticker.C:
			transport.latest().deliver(`{"type":"pong"}`)
		}
	}
	if transport.connCount() != 1 || m.Stats().HeartbeatsMissed != 0 {
		t.Fatalf("expected a single healthy connection, conns=%d stats=%+v", transport.connCount(), m.Stats())
	}
}

func TestManager_SendFailureRetriesOnNextConnection(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, testConfig(), transport)
	events := m.Subscribe()
	defer events.Close()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "connected", func() bool { return m.State() == StateConnected })
	first := transport.latest()
	first.setFailSend(true)

	id, _ := m.SendMessage([]byte("retry-me"), KindCustom, delivery.PriorityHigh)
	waitForEvent(t, events, EventDisconnected)
	sent := waitForEvent(t, events, EventMessageSent)
	if sent.MessageID != id || sent.RetryCount != 1 {
		t.Fatalf("unexpected sent event: %+v", sent)
	}
	if transport.latest() == first {
		t.Fatalf("expected delivery on a new connection")
	}
	if stats := m.Stats(); stats.Retried != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestManager_RetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	transport := &fakeTransport{failSends: true}
	m := newTestManager(t, cfg, transport)
	events := m.Subscribe()
	defer events.Close()

	id, _ := m.SendMessage([]byte("doomed"), KindCustom, delivery.PriorityNormal)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := waitForEvent(t, events, EventMessageFailed)
	if ev.MessageID != id || ev.RetryCount != 2 {
		t.Fatalf("unexpected failure event: %+v", ev)
	}
	if !strings.HasPrefix(ev.Error, ErrRetriesExhausted.Error()) {
		t.Fatalf("expected retries exhausted, got %s", ev.Error)
	}
	if stats := m.Stats(); stats.Failed != 1 || stats.Retried != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestManager_ShutdownFailsOutstandingMessages(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.Enabled = false
	cfg.RetryBaseDelay = time.Hour
	cfg.RetryMaxDelay = time.Hour
	transport := &fakeTransport{}
	m := newTestManager(t, cfg, transport)
	events := m.Subscribe()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "connected", func() bool { return m.State() == StateConnected })

	awaiting, _ := m.SendMessage([]byte("awaiting"), KindCommand, delivery.PriorityNormal)
	eventually(t, "awaiting ack", func() bool { return m.Stats().AwaitingAck == 1 })

	transport.latest().setFailSend(true)
	retrying, _ := m.SendMessage([]byte("retrying"), KindCommand, delivery.PriorityNormal)
	eventually(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	queued, _ := m.SendMessage([]byte("queued"), KindCommand, delivery.PriorityNormal)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	failed := map[string]bool{}
	for ev := range events.C() {
		if ev.Type == EventMessageFailed {
			if failed[ev.MessageID] {
				t.Fatalf("duplicate failure for %s", ev.MessageID)
			}
			failed[ev.MessageID] = true
		}
	}
	for _, id := range []string{awaiting, retrying, queued} {
		if !failed[id] {
			t.Fatalf("expected failure event for %s, got %v", id, failed)
		}
	}
	if _, err := m.SendMessage([]byte("after"), KindCommand, delivery.PriorityNormal); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}
