package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Conn is an established streaming connection.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	// Receive yields inbound frames and is closed when the connection ends.
	Receive() <-chan []byte
	Close() error
}

// Transport opens streaming connections.
type Transport interface {
	Connect(ctx context.Context, url string) (Conn, error)
}

// InboundKind classifies a decoded inbound frame.
type InboundKind int

const (
	InboundIgnore InboundKind = iota
	InboundAck
	InboundPong
	InboundData
)

// Inbound is a decoded frame.
type Inbound struct {
	Kind    InboundKind
	Key     string
	Payload []byte
}

// Codec maps messages to frames and frames to inbound signals.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(frame []byte) (Inbound, error)
}

// Correlator derives the key under which the remote side acknowledges a
// payload. Codecs implement it when acks do not echo the message id.
type Correlator interface {
	CorrelationKey(payload []byte) string
}

// JSONCodec frames messages as JSON objects and acknowledges by id.
type JSONCodec struct{}

type jsonFrame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Kind      Kind            `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Encode implements Codec.
func (JSONCodec) Encode(msg Message) ([]byte, error) {
	frame := jsonFrame{Type: "message", ID: msg.ID, Kind: msg.Kind, Timestamp: msg.CreatedAt}
	if msg.Kind == KindHeartbeat {
		frame.Type = "ping"
	}
	if len(msg.Payload) > 0 {
		if json.Valid(msg.Payload) {
			frame.Payload = msg.Payload
		} else {
			quoted, err := json.Marshal(string(msg.Payload))
			if err != nil {
				return nil, err
			}
			frame.Payload = quoted
		}
	}
	return json.Marshal(frame)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Inbound, error) {
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Inbound{}, fmt.Errorf("resilience: decode frame: %w", err)
	}
	switch frame.Type {
	case "ack":
		return Inbound{Kind: InboundAck, Key: frame.ID}, nil
	case "pong":
		return Inbound{Kind: InboundPong}, nil
	case "message":
		return Inbound{Kind: InboundData, Key: frame.ID, Payload: frame.Payload}, nil
	default:
		return Inbound{Kind: InboundIgnore}, nil
	}
}
