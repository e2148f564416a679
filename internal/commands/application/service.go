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

	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/delivery"
	"loxone-gateway/internal/observability/metrics"
)

// StatusAccepted is reported for a command that is being executed.
const StatusAccepted = "accepted"

// Connectivity reports whether the Miniserver is currently reachable.
type Connectivity interface {
	Healthy() bool
}

// ConsentChecker approves commands flagged as requiring consent.
type ConsentChecker interface {
	Approve(ctx context.Context, cmd *commands.QueuedCommand) (bool, error)
}

// ConsentFunc adapts a function to ConsentChecker.
type ConsentFunc func(ctx context.Context, cmd *commands.QueuedCommand) (bool, error)

// Approve implements ConsentChecker.
func (f ConsentFunc) Approve(ctx context.Context, cmd *commands.QueuedCommand) (bool, error) {
	return f(ctx, cmd)
}

// ResultRecorder persists terminal command results.
type ResultRecorder interface {
	Record(ctx context.Context, result commands.CommandResult) error
}

// IssueRequest represents a command issue request.
type IssueRequest struct {
	DeviceID        string            `json:"device_id"`
	Command         string            `json:"command"`
	Priority        delivery.Priority `json:"priority"`
	Source          string            `json:"source"`
	IdempotencyKey  string            `json:"idempotency_key"`
	TTLSeconds      int               `json:"ttl_seconds"`
	Metadata        map[string]string `json:"metadata"`
	RequiresConsent bool              `json:"requires_consent"`
}

// IssueResponse is returned after issuing a command.
type IssueResponse struct {
	CommandID      string            `json:"command_id"`
	DeviceID       string            `json:"device_id"`
	Command        string            `json:"command"`
	Priority       delivery.Priority `json:"priority"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         string            `json:"status"`
	Duplicate      bool              `json:"duplicate,omitempty"`
	Error          string            `json:"error,omitempty"`
	Response       json.RawMessage   `json:"response,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Service issues commands directly while the Miniserver is healthy and
// falls back to the queue otherwise.
type Service struct {
	queue        *Queue
	executor     Executor
	connectivity Connectivity
	consent      ConsentChecker
	recorder     ResultRecorder
	ledger       *delivery.Ledger
	window       time.Duration
	clock        Clock
	logger       *log.Logger

	mu     sync.Mutex
	issued map[string]*IssueResponse
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithConnectivity sets the health source. Without one the Miniserver is
// assumed reachable.
func WithConnectivity(c Connectivity) ServiceOption {
	return func(s *Service) {
		s.connectivity = c
	}
}

// WithConsentChecker sets the approver for consent-gated commands.
func WithConsentChecker(c ConsentChecker) ServiceOption {
	return func(s *Service) {
		s.consent = c
	}
}

// WithResultRecorder journals results of direct executions.
func WithResultRecorder(r ResultRecorder) ServiceOption {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithIdempotencyWindow overrides the default 10 minute window.
func WithIdempotencyWindow(window time.Duration, maxEntries int) ServiceOption {
	return func(s *Service) {
		s.window = window
		s.ledger = delivery.NewLedger(window, maxEntries)
	}
}

// WithServiceLogger overrides the default logger.
func WithServiceLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServiceClock overrides the default clock.
func WithServiceClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs a command service.
func NewService(queue *Queue, executor Executor, opts ...ServiceOption) (*Service, error) {
	if queue == nil {
		return nil, errors.New("commands: nil queue")
	}
	if executor == nil {
		return nil, errors.New("commands: nil executor")
	}
	s := &Service{
		queue:    queue,
		executor: executor,
		ledger:   delivery.NewLedger(10*time.Minute, 10000),
		window:   10 * time.Minute,
		clock:    systemClock{},
		logger:   log.Default(),
		issued:   make(map[string]*IssueResponse),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueCommand executes or queues a command. A request carrying the
// idempotency key of a pending or succeeded command inside the window
// returns that command. Requests without a key always execute.
func (s *Service) IssueCommand(ctx context.Context, req IssueRequest) (*IssueResponse, error) {
	if err := validateIssue(req); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey

	now := s.clock.Now()
	commandID := "cmd-" + uuid.NewString()
	if key != "" {
		if existing, dup := s.ledger.Remember(key, commandID, now); dup {
			return s.duplicate(existing, key, req), nil
		}
	}
	metrics.IncCommandIssued()

	cmd := &commands.QueuedCommand{
		ID:              commandID,
		DeviceID:        req.DeviceID,
		Command:         req.Command,
		Priority:        req.Priority,
		SubmittedAt:     now,
		Source:          req.Source,
		Metadata:        req.Metadata,
		RequiresConsent: req.RequiresConsent,
	}
	if req.TTLSeconds > 0 {
		cmd.ExpiresAt = now.Add(time.Duration(req.TTLSeconds) * time.Second)
	}
	resp := &IssueResponse{
		CommandID:      commandID,
		DeviceID:       req.DeviceID,
		Command:        req.Command,
		Priority:       req.Priority,
		IdempotencyKey: key,
		Status:         StatusAccepted,
		CreatedAt:      now,
	}
	s.track(resp)

	if cmd.RequiresConsent {
		if err := s.checkConsent(ctx, cmd); err != nil {
			s.ledger.Forget(key, commandID)
			s.untrack(commandID)
			return nil, err
		}
	}

	if s.connectivity == nil || s.connectivity.Healthy() {
		cmd.Attempts++
		start := time.Now()
		response, err := s.executor.Execute(ctx, cmd)
		duration := time.Since(start)
		switch {
		case err == nil:
			return s.finish(ctx, resp, commands.NewResult(cmd, commands.StatusSucceeded, nil, duration, response)), nil
		case errors.Is(err, commands.ErrNotRetryable):
			return s.finish(ctx, resp, commands.NewResult(cmd, commands.StatusFailed, err, duration, nil)), nil
		default:
			s.logger.Printf("commands: direct execution failed, queueing id=%s device=%s err=%v", cmd.ID, cmd.DeviceID, err)
		}
	}

	// Set before Enqueue so a fast drain cannot be overwritten.
	s.apply(resp, func(r *IssueResponse) {
		r.Status = commands.StatusQueued
	})
	if _, err := s.queue.Enqueue(cmd); err != nil {
		s.ledger.Forget(key, commandID)
		s.untrack(commandID)
		return nil, err
	}
	return s.apply(resp, func(*IssueResponse) {}), nil
}

// Observe applies a terminal result produced by the queue to the tracked
// command status and journals it.
func (s *Service) Observe(ctx context.Context, result commands.CommandResult) {
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, result); err != nil {
			s.logger.Printf("commands: journal failed id=%s err=%v", result.CommandID, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp, ok := s.issued[result.CommandID]; ok {
		applyResult(resp, result)
		s.releaseFailed(resp)
	}
}

// Status returns the last known state of a command issued inside the
// idempotency window.
func (s *Service) Status(commandID string) (*IssueResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.issued[commandID]
	if !ok {
		return nil, false
	}
	copied := *resp
	return &copied, true
}

// Prune drops idempotency records older than the window.
func (s *Service) Prune() int {
	now := s.clock.Now()
	removed := s.ledger.Prune(now)
	s.mu.Lock()
	for id, resp := range s.issued {
		if now.Sub(resp.CreatedAt) >= s.window {
			delete(s.issued, id)
		}
	}
	s.mu.Unlock()
	return removed
}

// Queue returns the backing queue.
func (s *Service) Queue() *Queue {
	return s.queue
}

func (s *Service) checkConsent(ctx context.Context, cmd *commands.QueuedCommand) error {
	if s.consent == nil {
		return fmt.Errorf("%w: %w", commands.ErrNotRetryable, commands.ErrConsentRequired)
	}
	approved, err := s.consent.Approve(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", commands.ErrNotRetryable, commands.ErrConsentRequired, err)
	}
	if !approved {
		return fmt.Errorf("%w: %w", commands.ErrNotRetryable, commands.ErrConsentRequired)
	}
	return nil
}

func (s *Service) finish(ctx context.Context, resp *IssueResponse, result commands.CommandResult) *IssueResponse {
	metrics.ObserveCommandResult(result.Status, result.Duration)
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, result); err != nil {
			s.logger.Printf("commands: journal failed id=%s err=%v", result.CommandID, err)
		}
	}
	return s.apply(resp, func(r *IssueResponse) {
		applyResult(r, result)
		s.releaseFailed(r)
	})
}

// releaseFailed lets a failed or expired command be issued again under the
// same idempotency key. Callers hold s.mu.
func (s *Service) releaseFailed(resp *IssueResponse) {
	if resp.IdempotencyKey == "" {
		return
	}
	if resp.Status == commands.StatusFailed || resp.Status == commands.StatusExpired {
		s.ledger.Forget(resp.IdempotencyKey, resp.CommandID)
	}
}

func applyResult(resp *IssueResponse, result commands.CommandResult) {
	resp.Status = result.Status
	resp.Error = result.Error
	resp.Response = result.Response
}

func (s *Service) duplicate(commandID, key string, req IssueRequest) *IssueResponse {
	if resp, ok := s.Status(commandID); ok {
		resp.Duplicate = true
		return resp
	}
	return &IssueResponse{
		CommandID:      commandID,
		DeviceID:       req.DeviceID,
		Command:        req.Command,
		Priority:       req.Priority,
		IdempotencyKey: key,
		Status:         StatusAccepted,
		Duplicate:      true,
	}
}

func (s *Service) track(resp *IssueResponse) {
	s.mu.Lock()
	s.issued[resp.CommandID] = resp
	s.mu.Unlock()
}

func (s *Service) untrack(commandID string) {
	s.mu.Lock()
	delete(s.issued, commandID)
	s.mu.Unlock()
}

func (s *Service) apply(resp *IssueResponse, fn func(*IssueResponse)) *IssueResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(resp)
	copied := *resp
	return &copied
}

func validateIssue(req IssueRequest) error {
	if req.DeviceID == "" {
		return errors.New("commands: device_id required")
	}
	if req.Command == "" {
		return errors.New("commands: command required")
	}
	if !req.Priority.Valid() {
		return errors.New("commands: invalid priority")
	}
	if req.TTLSeconds < 0 {
		return errors.New("commands: invalid ttl_seconds")
	}
	return nil
}
