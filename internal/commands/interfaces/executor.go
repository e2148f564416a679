package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/miniserver"
)

// CommandSender delivers a single control command.
type CommandSender interface {
	SendCommand(ctx context.Context, uuid, command string) (miniserver.ControlResponse, error)
}

// MiniserverExecutor runs queued commands against the Miniserver HTTP API.
type MiniserverExecutor struct {
	sender CommandSender
	logger *log.Logger
}

// NewMiniserverExecutor constructs an executor.
func NewMiniserverExecutor(sender CommandSender, logger *log.Logger) (*MiniserverExecutor, error) {
	if sender == nil {
		return nil, errors.New("miniserver executor: nil sender")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MiniserverExecutor{sender: sender, logger: logger}, nil
}

// Execute sends cmd and returns the LL envelope as JSON. Requests the
// Miniserver rejects are marked not retryable.
func (e *MiniserverExecutor) Execute(ctx context.Context, cmd *commands.QueuedCommand) (json.RawMessage, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", commands.ErrNotRetryable)
	}
	resp, err := e.sender.SendCommand(ctx, cmd.DeviceID, cmd.Command)
	if err != nil {
		if errors.Is(err, miniserver.ErrRejected) {
			e.logger.Printf("miniserver executor: rejected id=%s device=%s command=%s err=%v", cmd.ID, cmd.DeviceID, cmd.Command, err)
			return nil, fmt.Errorf("%w: %v", commands.ErrNotRetryable, err)
		}
		return nil, err
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return payload, nil
}
