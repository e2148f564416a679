package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/delivery"
	"loxone-gateway/internal/eventing"
	"loxone-gateway/internal/observability/metrics"
)

// Executor delivers a single command and returns the controller response.
type Executor interface {
	Execute(ctx context.Context, cmd *commands.QueuedCommand) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd *commands.QueuedCommand) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, cmd *commands.QueuedCommand) (json.RawMessage, error) {
	return f(ctx, cmd)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// QueueConfig configures the command queue.
type QueueConfig struct {
	MaxSize        int           `yaml:"max_size"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	BatchSize      int           `yaml:"batch_size"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// DefaultQueueConfig returns the defaults used when a field is unset.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:        1000,
		DefaultTTL:     5 * time.Minute,
		BatchSize:      10,
		MaxConcurrent:  5,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	def := DefaultQueueConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.DefaultTTL < 0 {
		c.DefaultTTL = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	return c
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Depth               int            `json:"depth"`
	ByPriority          map[string]int `json:"by_priority"`
	MaxSize             int            `json:"max_size"`
	Utilization         float64        `json:"utilization_percent"`
	InFlight            int            `json:"in_flight"`
	PendingRetries      int            `json:"pending_retries"`
	Enqueued            uint64         `json:"enqueued"`
	Rejected            uint64         `json:"rejected"`
	Succeeded           uint64         `json:"succeeded"`
	Failed              uint64         `json:"failed"`
	Expired             uint64         `json:"expired"`
	Retried             uint64         `json:"retried"`
	Cleared             uint64         `json:"cleared"`
	AverageResponseTime time.Duration  `json:"average_response_time"`
}

// Queue buffers commands by priority and executes them with bounded
// concurrency, retrying transient failures with exponential backoff.
type Queue struct {
	cfg     QueueConfig
	clock   Clock
	logger  *log.Logger
	sem     *semaphore.Weighted
	results *eventing.Broker[commands.CommandResult]

	mu             sync.Mutex
	tiers          delivery.Tiers[*commands.QueuedCommand]
	closed         bool
	inFlight       int
	pendingRetries int
	enqueued       uint64
	rejected       uint64
	succeeded      uint64
	failed         uint64
	expired        uint64
	retried        uint64
	cleared        uint64
	responseTotal  time.Duration
	responseCount  uint64

	closing   chan struct{}
	closeOnce sync.Once
	retries   sync.WaitGroup
}

// QueueOption configures the queue.
type QueueOption func(*Queue)

// WithQueueLogger overrides the default logger.
func WithQueueLogger(logger *log.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithQueueClock overrides the default clock.
func WithQueueClock(clock Clock) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// NewQueue constructs a command queue.
func NewQueue(cfg QueueConfig, opts ...QueueOption) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  log.Default(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		results: eventing.NewBroker[commands.CommandResult](),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() QueueConfig {
	return q.cfg
}

// Subscribe returns a subscription to terminal command results.
func (q *Queue) Subscribe() *eventing.Subscription[commands.CommandResult] {
	return q.results.Subscribe()
}

// Enqueue admits a command. It returns ErrQueueFull when the queue is at
// capacity.
func (q *Queue) Enqueue(cmd *commands.QueuedCommand) (string, error) {
	if cmd == nil {
		return "", errors.New("commands: nil command")
	}
	now := q.clock.Now()
	if cmd.ID == "" {
		cmd.ID = "cmd-" + uuid.NewString()
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = now
	}
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = q.cfg.MaxRetries
	}
	if !cmd.Priority.Valid() {
		cmd.Priority = delivery.PriorityNormal
	}
	if cmd.ExpiresAt.IsZero() {
		if q.cfg.DefaultTTL > 0 {
			cmd.ExpiresAt = now.Add(q.cfg.DefaultTTL)
		}
	} else if !cmd.ExpiresAt.After(now) {
		return "", commands.ErrAlreadyExpired
	}
	if err := q.admit(cmd, false); err != nil {
		return "", err
	}
	return cmd.ID, nil
}

// admit is the single capacity check for fresh and retried commands.
func (q *Queue) admit(cmd *commands.QueuedCommand, retry bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return commands.ErrShutdown
	}
	if q.tiers.Len() >= q.cfg.MaxSize {
		q.rejected++
		q.mu.Unlock()
		metrics.IncCommandRejected()
		return commands.ErrQueueFull
	}
	q.tiers.Push(cmd.Priority, cmd)
	if !retry {
		q.enqueued++
	}
	depth := q.tiers.Len()
	q.mu.Unlock()
	metrics.SetCommandQueueDepth(depth)
	return nil
}

// Dequeue pops the highest-priority command. Expired commands are reported
// and skipped.
func (q *Queue) Dequeue() (*commands.QueuedCommand, bool) {
	for {
		q.mu.Lock()
		cmd, _, ok := q.tiers.Pop()
		if !ok {
			q.mu.Unlock()
			metrics.SetCommandQueueDepth(0)
			return nil, false
		}
		depth := q.tiers.Len()
		if cmd.Expired(q.clock.Now()) {
			q.expired++
			q.mu.Unlock()
			q.publish(commands.NewResult(cmd, commands.StatusExpired, commands.ErrExpired, 0, nil))
			continue
		}
		q.mu.Unlock()
		metrics.SetCommandQueueDepth(depth)
		return cmd, true
	}
}

// ExecuteBatch runs up to BatchSize commands concurrently, bounded by
// MaxConcurrent, and waits for them to finish. Retries are scheduled in the
// background. It returns the number of commands executed.
func (q *Queue) ExecuteBatch(ctx context.Context, executor Executor) (int, error) {
	if executor == nil {
		return 0, errors.New("commands: nil executor")
	}
	var wg sync.WaitGroup
	executed := 0
	for executed < q.cfg.BatchSize {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			break
		}
		cmd, ok := q.Dequeue()
		if !ok {
			q.sem.Release(1)
			break
		}
		executed++
		wg.Add(1)
		go func(cmd *commands.QueuedCommand) {
			defer wg.Done()
			defer q.sem.Release(1)
			q.execute(ctx, executor, cmd)
		}(cmd)
	}
	wg.Wait()
	return executed, ctx.Err()
}

func (q *Queue) execute(ctx context.Context, executor Executor, cmd *commands.QueuedCommand) {
	if cmd.Expired(q.clock.Now()) {
		q.logger.Printf("command queue: expired before execution id=%s device=%s", cmd.ID, cmd.DeviceID)
		q.mu.Lock()
		q.expired++
		q.mu.Unlock()
		q.publish(commands.NewResult(cmd, commands.StatusExpired, commands.ErrExpired, 0, nil))
		return
	}
	cmd.Attempts++
	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()

	start := time.Now()
	response, err := executor.Execute(ctx, cmd)
	duration := time.Since(start)

	q.mu.Lock()
	q.inFlight--
	q.responseTotal += duration
	q.responseCount++
	if err == nil {
		q.succeeded++
	}
	q.mu.Unlock()

	if err == nil {
		q.publish(commands.NewResult(cmd, commands.StatusSucceeded, nil, duration, response))
		return
	}

	now := q.clock.Now()
	switch {
	case errors.Is(err, commands.ErrNotRetryable):
		q.fail(cmd, err, duration)
	case cmd.Expired(now):
		q.logger.Printf("command queue: expired after failure id=%s device=%s err=%v", cmd.ID, cmd.DeviceID, err)
		q.mu.Lock()
		q.expired++
		q.mu.Unlock()
		q.publish(commands.NewResult(cmd, commands.StatusExpired, fmt.Errorf("%w: %v", commands.ErrExpired, err), duration, nil))
	case !cmd.CanRetry(now):
		q.fail(cmd, fmt.Errorf("%w: %v", commands.ErrRetriesExhausted, err), duration)
	default:
		delay := delivery.ExponentialDelay(q.cfg.RetryBaseDelay, q.cfg.RetryMaxDelay, cmd.Attempts)
		q.logger.Printf("command queue: retry scheduled id=%s device=%s attempt=%d delay=%s err=%v", cmd.ID, cmd.DeviceID, cmd.Attempts, delay, err)
		q.scheduleRetry(cmd, delay)
	}
}

func (q *Queue) fail(cmd *commands.QueuedCommand, err error, duration time.Duration) {
	q.logger.Printf("command queue: permanent failure id=%s device=%s attempts=%d err=%v", cmd.ID, cmd.DeviceID, cmd.Attempts, err)
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	q.publish(commands.NewResult(cmd, commands.StatusFailed, err, duration, nil))
}

func (q *Queue) scheduleRetry(cmd *commands.QueuedCommand, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.fail(cmd, commands.ErrShutdown, 0)
		return
	}
	q.retried++
	q.pendingRetries++
	q.retries.Add(1)
	q.mu.Unlock()
	metrics.IncCommandRetry()

	go func() {
		defer q.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-q.closing:
			q.mu.Lock()
			q.pendingRetries--
			q.mu.Unlock()
			q.fail(cmd, commands.ErrShutdown, 0)
			return
		}
		q.mu.Lock()
		q.pendingRetries--
		q.mu.Unlock()

		if cmd.Expired(q.clock.Now()) {
			q.mu.Lock()
			q.expired++
			q.mu.Unlock()
			q.publish(commands.NewResult(cmd, commands.StatusExpired, commands.ErrExpired, 0, nil))
			return
		}
		if err := q.admit(cmd, true); err != nil {
			q.fail(cmd, err, 0)
		}
	}()
}

// CleanupExpired drops every expired command and returns how many were
// removed.
func (q *Queue) CleanupExpired() int {
	now := q.clock.Now()
	q.mu.Lock()
	removed := q.tiers.RemoveFunc(func(cmd *commands.QueuedCommand) bool {
		return cmd.Expired(now)
	})
	q.expired += uint64(len(removed))
	depth := q.tiers.Len()
	q.mu.Unlock()
	metrics.SetCommandQueueDepth(depth)

	for _, cmd := range removed {
		q.publish(commands.NewResult(cmd, commands.StatusExpired, commands.ErrExpired, 0, nil))
	}
	return len(removed)
}

// Clear empties the queue and returns how many commands were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	removed := q.tiers.Clear()
	q.cleared += uint64(len(removed))
	q.mu.Unlock()
	metrics.SetCommandQueueDepth(0)

	for _, cmd := range removed {
		q.publish(commands.NewResult(cmd, commands.StatusFailed, commands.ErrCleared, 0, nil))
	}
	return len(removed)
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tiers.Len()
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byPriority := make(map[string]int, len(delivery.Descending))
	for p, count := range q.tiers.Counts() {
		byPriority[p.String()] = count
	}
	stats := QueueStats{
		Depth:          q.tiers.Len(),
		ByPriority:     byPriority,
		MaxSize:        q.cfg.MaxSize,
		InFlight:       q.inFlight,
		PendingRetries: q.pendingRetries,
		Enqueued:       q.enqueued,
		Rejected:       q.rejected,
		Succeeded:      q.succeeded,
		Failed:         q.failed,
		Expired:        q.expired,
		Retried:        q.retried,
		Cleared:        q.cleared,
	}
	if q.cfg.MaxSize > 0 {
		stats.Utilization = float64(stats.Depth) / float64(q.cfg.MaxSize) * 100
	}
	if q.responseCount > 0 {
		stats.AverageResponseTime = q.responseTotal / time.Duration(q.responseCount)
	}
	return stats
}

// Close stops admission, abandons pending retries and queued commands with
// a shutdown result, and closes result subscriptions. It is safe to call
// more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.closing)
		q.retries.Wait()

		q.mu.Lock()
		remaining := q.tiers.Clear()
		q.failed += uint64(len(remaining))
		q.mu.Unlock()
		for _, cmd := range remaining {
			q.publish(commands.NewResult(cmd, commands.StatusFailed, commands.ErrShutdown, 0, nil))
		}
		q.results.Close()
	})
}

func (q *Queue) publish(result commands.CommandResult) {
	metrics.ObserveCommandResult(result.Status, result.Duration)
	q.results.Publish(result)
}
