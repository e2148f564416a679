package commands

import "errors"

var (
	// ErrQueueFull is returned when the queue reached its size limit.
	ErrQueueFull = errors.New("commands: queue full")
	// ErrAlreadyExpired is returned when a command is enqueued past its expiry.
	ErrAlreadyExpired = errors.New("commands: expiry in the past")
	// ErrExpired marks a command dropped because its expiry passed.
	ErrExpired = errors.New("commands: expired")
	// ErrRetriesExhausted marks a command that failed on every attempt.
	ErrRetriesExhausted = errors.New("commands: retries exhausted")
	// ErrNotRetryable wraps failures that must not be retried.
	ErrNotRetryable = errors.New("commands: not retryable")
	// ErrConsentRequired is returned for commands that were not approved.
	ErrConsentRequired = errors.New("commands: consent required")
	// ErrCleared marks commands removed by Clear.
	ErrCleared = errors.New("commands: cleared")
	// ErrShutdown marks commands abandoned on shutdown.
	ErrShutdown = errors.New("commands: shutdown")
)
