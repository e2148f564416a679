package commands

import (
	"encoding/json"
	"time"

	"loxone-gateway/internal/delivery"
)

const (
	StatusQueued    = "queued"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// QueuedCommand is a device command waiting for delivery to the Miniserver.
type QueuedCommand struct {
	ID              string            `json:"id"`
	DeviceID        string            `json:"device_id"`
	Command         string            `json:"command"`
	Priority        delivery.Priority `json:"priority"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	ExpiresAt       time.Time         `json:"expires_at,omitempty"`
	Attempts        int               `json:"attempts"`
	MaxAttempts     int               `json:"max_attempts"`
	Source          string            `json:"source,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RequiresConsent bool              `json:"requires_consent,omitempty"`
}

// Expired reports whether the command has an expiry at or before now.
func (c *QueuedCommand) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// CanRetry reports whether another attempt is allowed at now.
func (c *QueuedCommand) CanRetry(now time.Time) bool {
	if c == nil {
		return false
	}
	return c.Attempts < c.MaxAttempts && !c.Expired(now)
}

// CommandResult records the terminal outcome of a command.
type CommandResult struct {
	CommandID string            `json:"command_id"`
	DeviceID  string            `json:"device_id"`
	Command   string            `json:"command"`
	Priority  delivery.Priority `json:"priority"`
	Source    string            `json:"source,omitempty"`
	Status    string            `json:"status"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Attempts  int               `json:"attempts"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Response  json.RawMessage   `json:"response,omitempty"`
}

// NewResult builds a result for cmd. A nil err yields a success.
func NewResult(cmd *QueuedCommand, status string, err error, duration time.Duration, response json.RawMessage) CommandResult {
	result := CommandResult{
		Status:    status,
		Success:   err == nil,
		Timestamp: time.Now().UTC(),
		Duration:  duration,
		Response:  response,
	}
	if cmd != nil {
		result.CommandID = cmd.ID
		result.DeviceID = cmd.DeviceID
		result.Command = cmd.Command
		result.Priority = cmd.Priority
		result.Source = cmd.Source
		result.Attempts = cmd.Attempts
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
