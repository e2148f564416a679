package resilience

import (
	"fmt"
	"strings"
	"time"

	"loxone-gateway/internal/delivery"
)

// Kind classifies a message.
type Kind int

const (
	KindCommand Kind = iota
	KindHeartbeat
	KindAcknowledgment
	KindQuery
	KindSubscription
	KindCustom
)

var kindNames = map[Kind]string{
	KindCommand:        "command",
	KindHeartbeat:      "heartbeat",
	KindAcknowledgment: "acknowledgment",
	KindQuery:          "query",
	KindSubscription:   "subscription",
	KindCustom:         "custom",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses a kind name. Empty input yields KindCommand.
func ParseKind(value string) (Kind, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return KindCommand, nil
	}
	for kind, name := range kindNames {
		if name == value {
			return kind, nil
		}
	}
	return KindCustom, fmt.Errorf("resilience: unknown message kind %q", value)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DefaultRequiresAck reports whether kind is acknowledged by the remote side
// unless the sender says otherwise.
func (k Kind) DefaultRequiresAck() bool {
	switch k {
	case KindCommand, KindQuery, KindSubscription:
		return true
	default:
		return false
	}
}

// Message is a unit of work for the streaming connection.
type Message struct {
	ID             string            `json:"id"`
	Payload        []byte            `json:"payload"`
	Kind           Kind              `json:"kind"`
	Priority       delivery.Priority `json:"priority"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAttemptAt  time.Time         `json:"last_attempt_at,omitempty"`
	RetryCount     int               `json:"retry_count"`
	RequiresAck    bool              `json:"requires_ack"`
	ExpiresAt      time.Time         `json:"expires_at,omitempty"`
	CorrelationKey string            `json:"correlation_key,omitempty"`

	fingerprint string
}

// Expired reports whether the message has an expiry at or before now.
func (m *Message) Expired(now time.Time) bool {
	return m != nil && !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}
