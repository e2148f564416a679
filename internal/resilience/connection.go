package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loxone-gateway/internal/delivery"
	"loxone-gateway/internal/observability/metrics"
)

func (m *Manager) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-m.shutdown:
		return true
	default:
		return false
	}
}

func (m *Manager) connectionLoop(ctx context.Context) {
	defer m.tasks.Done()
	for !m.stopping(ctx) {
		m.mu.Lock()
		state := m.state
		connect := state == StateDisconnected && (m.cfg.Reconnect.Enabled || m.connectRequested)
		m.mu.Unlock()

		switch {
		case connect:
			m.connect(ctx)
		case state == StateReconnecting:
			m.awaitReconnect(ctx)
		default:
			select {
			case <-ctx.Done():
			case <-m.shutdown:
			case <-m.signal:
			}
		}
	}
}

func (m *Manager) connect(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.connectRequested = false
	m.stats.connectionAttempts++
	attempt := m.failures + 1
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	metrics.IncConnectionAttempt()

	started := m.clock.Now()
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Reconnect.ConnectTimeout)
	conn, err := m.transport.Connect(dialCtx, m.cfg.URL)
	cancel()
	now := m.clock.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.failures++
		m.logger.Printf("resilience: connect failed url=%s attempt=%d err=%v", m.cfg.URL, attempt, err)
		m.setStateLocked(m.afterDropLocked())
		m.mu.Unlock()
		return
	}
	m.carried = m.failures
	m.failures = 0
	m.stable = false
	m.connGen++
	gen := m.connGen
	m.conn = conn
	m.hb.reset()
	m.store.RemoveFunc(func(msg *Message) bool { return msg.Kind == KindHeartbeat })
	m.stats.successfulConnections++
	m.stats.lastConnectedAt = now
	m.setStateLocked(StateConnected)
	m.emitLocked(Event{Type: EventConnected, Attempt: attempt, Elapsed: now.Sub(started)})
	m.tasks.Add(1)
	m.mu.Unlock()

	m.logger.Printf("resilience: connected url=%s attempt=%d", m.cfg.URL, attempt)
	go m.readLoop(conn, gen)
	m.kick()
}

// afterDropLocked is the state entered when a connection attempt fails or
// an established connection is lost.
func (m *Manager) afterDropLocked() ConnectionState {
	if m.cfg.Reconnect.Enabled {
		return StateReconnecting
	}
	return StateDisconnected
}

func (m *Manager) awaitReconnect(ctx context.Context) {
	m.mu.Lock()
	if limit := m.cfg.Reconnect.MaxAttempts; limit > 0 && m.failures >= limit {
		m.setStateLocked(StateFailed)
		m.emitLocked(Event{Type: EventConnectionFailed, Attempt: m.failures, Error: ErrConnectionUnhealthy.Error()})
		m.logger.Printf("resilience: giving up after %d attempts url=%s", m.failures, m.cfg.URL)
		m.mu.Unlock()
		return
	}
	attempt := m.failures
	if attempt < 1 {
		attempt = 1
	}
	delay := m.backoff.Delay(attempt)
	m.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-m.shutdown:
		return
	case <-m.signal:
	case <-timer.C:
	}

	m.mu.Lock()
	if m.state == StateReconnecting {
		m.emitLocked(Event{Type: EventReconnectionStarted, Attempt: m.failures + 1, Delay: delay})
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
}

// connectionLost tears down the connection of generation gen. Stale
// generations are ignored.
func (m *Manager) connectionLost(gen uint64, reason error) {
	m.mu.Lock()
	if m.closed || gen != m.connGen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	// A connection lost within one heartbeat interval counts as a failed attempt.
	if !m.stable && m.clock.Now().Sub(m.stats.lastConnectedAt) < m.cfg.Heartbeat.Interval {
		m.failures = m.carried + 1
		m.logger.Printf("resilience: connection dropped before stable url=%s failures=%d", m.cfg.URL, m.failures)
	}
	m.carried = 0
	m.setStateLocked(m.afterDropLocked())
	m.emitLocked(Event{Type: EventDisconnected, Error: reason.Error()})
	m.mu.Unlock()

	m.logger.Printf("resilience: connection lost url=%s err=%v", m.cfg.URL, reason)
	if conn != nil {
		_ = conn.Close()
	}
	m.notify()
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	defer m.tasks.Done()
	frames := conn.Receive()
	for {
		select {
		case <-m.shutdown:
			return
		case frame, ok := <-frames:
			if !ok {
				m.connectionLost(gen, errors.New("connection closed"))
				return
			}
			m.handleFrame(frame)
		}
	}
}

func (m *Manager) handleFrame(frame []byte) {
	in, err := m.codec.Decode(frame)
	if err != nil {
		m.logger.Printf("resilience: decode failed: %v", err)
		return
	}
	switch in.Kind {
	case InboundAck:
		m.mu.Lock()
		entry, ok := m.tracker.removeByKey(in.Key)
		if !ok {
			entry, ok = m.tracker.remove(in.Key)
		}
		if ok {
			m.ackLocked(entry, m.clock.Now())
		}
		m.mu.Unlock()
	case InboundPong:
		m.mu.Lock()
		m.hb.pong(m.clock.Now())
		m.mu.Unlock()
	case InboundData:
		if m.onData != nil {
			m.onData(in)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.tasks.Done()
	ticker := time.NewTicker(m.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.heartbeatTick()
		}
	}
}

func (m *Manager) heartbeatTick() {
	now := m.clock.Now()
	m.mu.Lock()
	if m.closed || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if missed, counted := m.hb.check(now, m.cfg.Heartbeat.Timeout); counted {
		m.stats.heartbeatsMissed++
		metrics.IncHeartbeatMissed()
		m.emitLocked(Event{Type: EventHeartbeatMissed, Missed: missed})
		if missed > m.cfg.Heartbeat.MaxMissed {
			gen := m.connGen
			m.mu.Unlock()
			m.connectionLost(gen, fmt.Errorf("%w: %d heartbeats missed", ErrConnectionUnhealthy, missed))
			return
		}
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Kind:      KindHeartbeat,
		Priority:  delivery.PriorityCritical,
		CreatedAt: now,
	}
	if err := m.admitLocked(msg, true); err != nil {
		m.logger.Printf("resilience: heartbeat not queued: %v", err)
	}
	m.mu.Unlock()
	m.kick()
}
