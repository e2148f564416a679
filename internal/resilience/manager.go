package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"loxone-gateway/internal/delivery"
	"loxone-gateway/internal/eventing"
	"loxone-gateway/internal/observability/metrics"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SendRequest describes a message submission.
type SendRequest struct {
	Payload  []byte
	Kind     Kind
	Priority delivery.Priority

	// RequiresAck overrides the kind default when set.
	RequiresAck    *bool
	TTL            time.Duration
	ExpiresAt      time.Time
	CorrelationKey string
}

// Manager keeps a streaming connection alive and delivers messages over it
// with priority ordering, acknowledgment tracking and deduplication.
type Manager struct {
	cfg       Config
	transport Transport
	codec     Codec
	clock     Clock
	logger    *log.Logger
	backoff   delivery.Backoff
	events    *eventing.Broker[Event]
	ledger    *delivery.Ledger
	onData    func(Inbound)

	mu               sync.Mutex
	state            ConnectionState
	store            delivery.Tiers[*Message]
	tracker          *ackTracker
	hb               heartbeat
	conn             Conn
	connGen          uint64
	failures         int
	carried          int
	stable           bool
	connectRequested bool
	closed           bool
	stats            counters

	wake         chan struct{}
	signal       chan struct{}
	shutdown     chan struct{}
	startOnce    sync.Once
	shutdownOnce sync.Once
	tasks        sync.WaitGroup
	retries      sync.WaitGroup
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithCodec overrides the default JSON codec.
func WithCodec(codec Codec) Option {
	return func(m *Manager) {
		if codec != nil {
			m.codec = codec
		}
	}
}

// WithRand replaces the jitter source. rnd must return values in [0,1).
func WithRand(rnd func() float64) Option {
	return func(m *Manager) {
		m.backoff.Rand = rnd
	}
}

// WithInboundHandler receives decoded data frames that are neither acks nor
// pongs.
func WithInboundHandler(fn func(Inbound)) Option {
	return func(m *Manager) {
		m.onData = fn
	}
}

// NewManager constructs a manager. Call Start to begin connecting.
func NewManager(cfg Config, transport Transport, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("resilience: nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		transport: transport,
		codec:     JSONCodec{},
		clock:     systemClock{},
		logger:    log.Default(),
		backoff: delivery.Backoff{
			Initial:    cfg.Reconnect.InitialDelay,
			Max:        cfg.Reconnect.MaxDelay,
			Multiplier: cfg.Reconnect.Multiplier,
			Jitter:     cfg.Reconnect.Jitter,
		},
		events:   eventing.NewBroker[Event](),
		ledger:   delivery.NewLedger(cfg.DedupWindow, cfg.DedupHistory),
		tracker:  newAckTracker(),
		wake:     make(chan struct{}, 1),
		signal:   make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Subscribe returns a subscription to manager events.
func (m *Manager) Subscribe() *eventing.Subscription[Event] {
	return m.events.Subscribe()
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Healthy reports whether the connection is established.
func (m *Manager) Healthy() bool {
	return m.State() == StateConnected
}

// Start launches the connection, drain, cleanup and heartbeat tasks. They
// run until ctx is done or Shutdown is called.
func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("resilience: nil manager")
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.connectRequested = true
		m.mu.Unlock()
		m.tasks.Add(4)
		go m.connectionLoop(ctx)
		go m.drainLoop(ctx)
		go m.cleanupLoop(ctx)
		go m.heartbeatLoop(ctx)
	})
	return nil
}

// SendMessage submits payload with the default options for kind.
func (m *Manager) SendMessage(payload []byte, kind Kind, priority delivery.Priority) (string, error) {
	return m.Send(SendRequest{Payload: payload, Kind: kind, Priority: priority})
}

// Send submits a message. An identical payload of the same kind submitted
// inside the dedup window returns the original id without queueing again.
// ErrQueueFull is returned when the store is full and holds no Low message
// to evict.
func (m *Manager) Send(req SendRequest) (string, error) {
	if m == nil {
		return "", errors.New("resilience: nil manager")
	}
	if !req.Priority.Valid() {
		req.Priority = delivery.PriorityNormal
	}
	now := m.clock.Now()
	msg := &Message{
		ID:             uuid.NewString(),
		Payload:        append([]byte(nil), req.Payload...),
		Kind:           req.Kind,
		Priority:       req.Priority,
		CreatedAt:      now,
		RequiresAck:    req.Kind.DefaultRequiresAck(),
		CorrelationKey: req.CorrelationKey,
	}
	if req.RequiresAck != nil {
		msg.RequiresAck = *req.RequiresAck
	}
	if req.Kind == KindHeartbeat {
		msg.RequiresAck = false
	}
	switch {
	case !req.ExpiresAt.IsZero():
		msg.ExpiresAt = req.ExpiresAt
	case req.TTL > 0:
		msg.ExpiresAt = now.Add(req.TTL)
	}
	if msg.Expired(now) {
		return "", ErrExpired
	}
	if msg.CorrelationKey == "" {
		if correlator, ok := m.codec.(Correlator); ok {
			msg.CorrelationKey = correlator.CorrelationKey(msg.Payload)
		}
	}
	if req.Kind != KindHeartbeat {
		msg.fingerprint = delivery.Fingerprint([]byte(req.Kind.String()), msg.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShutdown
	}
	if msg.fingerprint != "" {
		if existing, dup := m.ledger.Remember(msg.fingerprint, msg.ID, now); dup {
			m.stats.duplicates++
			return existing, nil
		}
	}
	if err := m.admitLocked(msg, false); err != nil {
		m.ledger.Forget(msg.fingerprint, msg.ID)
		return "", err
	}
	m.kick()
	return msg.ID, nil
}

// AcknowledgeMessage completes a message awaiting acknowledgment. It
// reports false for unknown or already completed ids.
func (m *Manager) AcknowledgeMessage(id string) bool {
	if m == nil || id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tracker.remove(id)
	if !ok {
		return false
	}
	m.ackLocked(entry, m.clock.Now())
	return true
}

// Reconnect clears the failure count and forces a new connection cycle. It
// is the way out of the Failed state.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.failures = 0
	m.carried = 0
	m.stable = true
	m.connectRequested = true
	state := m.state
	gen := m.connGen
	if state == StateFailed {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if state == StateConnected {
		m.connectionLost(gen, errors.New("reconnect requested"))
		return nil
	}
	m.notify()
	return nil
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPriority := make(map[string]int, len(delivery.Descending))
	for p, count := range m.store.Counts() {
		byPriority[p.String()] = count
	}
	stats := Statistics{
		State:                 m.state,
		QueueDepth:            m.store.Len(),
		ByPriority:            byPriority,
		MaxQueueSize:          m.cfg.MaxQueueSize,
		AwaitingAck:           m.tracker.len(),
		Sent:                  m.stats.sent,
		Acknowledged:          m.stats.acknowledged,
		Failed:                m.stats.failed,
		Expired:               m.stats.expired,
		Timeouts:              m.stats.timeouts,
		Retried:               m.stats.retried,
		Rejected:              m.stats.rejected,
		Evicted:               m.stats.evicted,
		DuplicatesDetected:    m.stats.duplicates,
		ConnectionAttempts:    m.stats.connectionAttempts,
		SuccessfulConnections: m.stats.successfulConnections,
		ConsecutiveFailures:   m.failures,
		HeartbeatsMissed:      m.stats.heartbeatsMissed,
		LastConnectedAt:       m.stats.lastConnectedAt,
	}
	if m.cfg.MaxQueueSize > 0 {
		stats.Utilization = float64(stats.QueueDepth) / float64(m.cfg.MaxQueueSize) * 100
	}
	if m.stats.acknowledged > 0 {
		stats.AverageAckTime = m.stats.ackTotal / time.Duration(m.stats.acknowledged)
	}
	return stats
}

// Shutdown stops every task, closes the connection and reports each queued
// or unacknowledged message as failed. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var err error
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()

		close(m.shutdown)
		if conn != nil {
			_ = conn.Close()
		}

		done := make(chan struct{})
		go func() {
			m.tasks.Wait()
			m.retries.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		m.mu.Lock()
		for _, entry := range m.tracker.drain() {
			m.failLocked(entry.msg, ErrShutdown)
		}
		for _, msg := range m.store.Clear() {
			m.failLocked(msg, ErrShutdown)
		}
		if m.state == StateConnected {
			m.emitLocked(Event{Type: EventDisconnected, Error: ErrShutdown.Error()})
		}
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()

		m.logger.Printf("resilience: shut down")
		m.events.Close()
	})
	return err
}

func (m *Manager) drainLoop(ctx context.Context) {
	defer m.tasks.Done()
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
		case <-m.wake:
		}
		for m.sendNext(ctx) {
		}
	}
}

// sendNext delivers the highest-priority pending message. It reports
// whether the caller should continue draining.
func (m *Manager) sendNext(ctx context.Context) bool {
	m.mu.Lock()
	if m.closed || m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	var msg *Message
	for msg == nil {
		candidate, _, ok := m.store.Pop()
		if !ok {
			m.mu.Unlock()
			return false
		}
		if candidate.Expired(now) {
			m.expireLocked(candidate)
			continue
		}
		msg = candidate
	}
	conn, gen := m.conn, m.connGen
	m.mu.Unlock()

	frame, err := m.codec.Encode(*msg)
	if err != nil {
		m.mu.Lock()
		m.failLocked(msg, fmt.Errorf("%w: encode: %v", ErrDeliveryFailed, err))
		m.mu.Unlock()
		return true
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	err = conn.Send(sendCtx, frame)
	cancel()
	sentAt := m.clock.Now()

	m.mu.Lock()
	msg.LastAttemptAt = sentAt
	if err != nil {
		m.retryLocked(msg, err)
		m.mu.Unlock()
		m.connectionLost(gen, fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
		return false
	}
	m.stats.sent++
	switch {
	case msg.Kind == KindHeartbeat:
		m.hb.ping(sentAt)
	case msg.RequiresAck:
		expiresAt := sentAt.Add(m.cfg.AckTimeout)
		if !msg.ExpiresAt.IsZero() {
			expiresAt = msg.ExpiresAt
		}
		m.tracker.track(msg, msg.CorrelationKey, sentAt, expiresAt)
	}
	m.emitLocked(Event{Type: EventMessageSent, MessageID: msg.ID, Kind: msg.Kind, RetryCount: msg.RetryCount})
	m.mu.Unlock()
	return true
}

func (m *Manager) retryLocked(msg *Message, cause error) {
	if msg.Kind == KindHeartbeat {
		return
	}
	if m.closed {
		m.failLocked(msg, ErrShutdown)
		return
	}
	msg.RetryCount++
	if msg.RetryCount > m.cfg.MaxRetries {
		m.failLocked(msg, fmt.Errorf("%w: %v", ErrRetriesExhausted, cause))
		return
	}
	m.stats.retried++
	delay := delivery.ExponentialDelay(m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay, msg.RetryCount)
	m.logger.Printf("resilience: retry scheduled id=%s retry=%d delay=%s err=%v", msg.ID, msg.RetryCount, delay, cause)
	m.retries.Add(1)
	go m.requeueAfter(msg, delay)
}

func (m *Manager) requeueAfter(msg *Message, delay time.Duration) {
	defer m.retries.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.shutdown:
		m.mu.Lock()
		m.failLocked(msg, ErrShutdown)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		m.failLocked(msg, ErrShutdown)
	case msg.Expired(m.clock.Now()):
		m.expireLocked(msg)
	default:
		// Retried messages keep their tier and go to its front.
		if err := m.admitLocked(msg, true); err != nil {
			m.failLocked(msg, err)
			return
		}
		m.kick()
	}
}

// admitLocked is the single capacity check for new, retried and heartbeat
// messages.
func (m *Manager) admitLocked(msg *Message, front bool) error {
	if m.closed {
		return ErrShutdown
	}
	if m.store.Len() >= m.cfg.MaxQueueSize {
		evicted, ok := m.store.PopOldest(delivery.PriorityLow)
		if !ok {
			m.stats.rejected++
			m.emitLocked(Event{Type: EventQueueOverflow, MessageID: msg.ID, Kind: msg.Kind, Error: ErrQueueFull.Error()})
			return ErrQueueFull
		}
		m.stats.evicted++
		m.stats.failed++
		m.ledger.Forget(evicted.fingerprint, evicted.ID)
		m.emitLocked(Event{Type: EventQueueOverflow, MessageID: evicted.ID, Kind: evicted.Kind, RetryCount: evicted.RetryCount, Error: ErrEvicted.Error()})
	}
	if front {
		m.store.PushFront(msg.Priority, msg)
	} else {
		m.store.Push(msg.Priority, msg)
	}
	return nil
}

func (m *Manager) ackLocked(entry *pendingAck, now time.Time) {
	rtt := now.Sub(entry.sentAt)
	if rtt < 0 {
		rtt = 0
	}
	m.stats.acknowledged++
	m.stats.ackTotal += rtt
	metrics.ObserveAcknowledge(rtt)
	m.emitLocked(Event{Type: EventMessageAcknowledged, MessageID: entry.msg.ID, Kind: entry.msg.Kind, RetryCount: entry.msg.RetryCount, Elapsed: rtt})
}

func (m *Manager) failLocked(msg *Message, cause error) {
	if msg.Kind == KindHeartbeat {
		return
	}
	m.stats.failed++
	m.ledger.Forget(msg.fingerprint, msg.ID)
	m.emitLocked(Event{Type: EventMessageFailed, MessageID: msg.ID, Kind: msg.Kind, RetryCount: msg.RetryCount, Error: cause.Error()})
}

func (m *Manager) expireLocked(msg *Message) {
	if msg.Kind == KindHeartbeat {
		return
	}
	m.stats.expired++
	m.ledger.Forget(msg.fingerprint, msg.ID)
	m.emitLocked(Event{Type: EventMessageFailed, MessageID: msg.ID, Kind: msg.Kind, RetryCount: msg.RetryCount, Error: ErrExpired.Error()})
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.tasks.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	now := m.clock.Now()
	m.mu.Lock()
	for _, entry := range m.tracker.expired(now) {
		m.stats.timeouts++
		m.ledger.Forget(entry.msg.fingerprint, entry.msg.ID)
		m.emitLocked(Event{
			Type:       EventMessageTimeout,
			MessageID:  entry.msg.ID,
			Kind:       entry.msg.Kind,
			RetryCount: entry.msg.RetryCount,
			Elapsed:    now.Sub(entry.sentAt),
		})
	}
	for _, msg := range m.store.RemoveFunc(func(msg *Message) bool { return msg.Expired(now) }) {
		m.expireLocked(msg)
	}
	m.mu.Unlock()
	m.ledger.Prune(now)
}

func (m *Manager) setStateLocked(state ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	metrics.SetConnectionState(int(state))
}

func (m *Manager) emitLocked(ev Event) {
	ev.Timestamp = m.clock.Now()
	ev.State = m.state
	metrics.IncResilienceEvent(ev.Type.String())
	m.events.Publish(ev)
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
