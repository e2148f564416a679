package resilience

import (
	"fmt"
	"time"
)

// EventType enumerates manager events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventReconnectionStarted
	EventMessageSent
	EventMessageAcknowledged
	EventMessageTimeout
	EventMessageFailed
	EventHeartbeatMissed
	EventQueueOverflow
	EventConnectionFailed
)

var eventNames = map[EventType]string{
	EventConnected:           "connected",
	EventDisconnected:        "disconnected",
	EventReconnectionStarted: "reconnection_started",
	EventMessageSent:         "message_sent",
	EventMessageAcknowledged: "message_acknowledged",
	EventMessageTimeout:      "message_timeout",
	EventMessageFailed:       "message_failed",
	EventHeartbeatMissed:     "heartbeat_missed",
	EventQueueOverflow:       "queue_overflow",
	EventConnectionFailed:    "connection_failed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is broadcast to every subscriber of the manager.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	MessageID  string          `json:"message_id,omitempty"`
	Kind       Kind            `json:"kind"`
	Attempt    int             `json:"attempt,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
	Missed     int             `json:"missed,omitempty"`
	Delay      time.Duration   `json:"delay,omitempty"`
	Elapsed    time.Duration   `json:"elapsed,omitempty"`
	State      ConnectionState `json:"state"`
	Error      string          `json:"error,omitempty"`
}
