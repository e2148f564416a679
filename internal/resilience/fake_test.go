package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"loxone-gateway/internal/eventing"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	in       chan []byte
	closed   bool
	failSend bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (c *fakeConn) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake: closed")
	}
	if c.failSend {
		return errors.New("fake: broken pipe")
	}
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Receive() <-chan []byte {
	return c.in
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakeConn) deliver(frame string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.in <- []byte(frame)
	}
}

func (c *fakeConn) setFailSend(fail bool) {
	c.mu.Lock()
	c.failSend = fail
	c.mu.Unlock()
}

// frames returns sent frames decoded, skipping heartbeats.
func (c *fakeConn) frames(t *testing.T) []jsonFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []jsonFrame
	for _, raw := range c.sent {
		var frame jsonFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		if frame.Type == "ping" {
			continue
		}
		out = append(out, frame)
	}
	return out
}

type fakeTransport struct {
	mu       sync.Mutex
	conns    []*fakeConn
	attempts int
	failures int
	failAll  bool

	// failSends makes every new connection refuse to send.
	failSends bool
	// dropOnConnect closes every new connection right after accepting it.
	dropOnConnect bool
}

func (f *fakeTransport) Connect(_ context.Context, _ string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failAll || f.attempts <= f.failures {
		return nil, errors.New("fake: connection refused")
	}
	conn := newFakeConn()
	conn.failSend = f.failSends
	f.conns = append(f.conns, conn)
	if f.dropOnConnect {
		_ = conn.Close()
	}
	return conn, nil
}

func (f *fakeTransport) setFailAll(fail bool) {
	f.mu.Lock()
	f.failAll = fail
	f.mu.Unlock()
}

func (f *fakeTransport) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTransport) latest() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://miniserver.test/ws/rfc6455"
	cfg.DrainInterval = 5 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.Reconnect.InitialDelay = 5 * time.Millisecond
	cfg.Reconnect.MaxDelay = 20 * time.Millisecond
	cfg.Reconnect.Jitter = 0
	cfg.Heartbeat.Interval = time.Hour
	return cfg
}

func newTestManager(t *testing.T, cfg Config, transport Transport, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	m, err := NewManager(cfg, transport, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent(t *testing.T, sub *eventing.Subscription[Event], typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("event stream closed before %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}
