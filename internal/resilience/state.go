package resilience

import (
	"fmt"
	"strings"
)

// ConnectionState is the lifecycle state of the streaming connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for _, candidate := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed} {
		if strings.EqualFold(string(text), candidate.String()) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("resilience: unknown state %q", string(text))
}
