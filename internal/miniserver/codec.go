package miniserver

import (
	"encoding/json"
	"errors"
	"strings"

	"loxone-gateway/internal/resilience"
)

// Message header identifiers sent ahead of binary frames.
const (
	headerLength    = 8
	headerStart     = 0x03
	headerKeepalive = 6
)

const keepalive = "keepalive"

// LoxoneCodec frames gateway messages as Miniserver text commands. Command
// responses carry the control path rather than a message id, so acks are
// correlated by path.
type LoxoneCodec struct{}

var _ resilience.Codec = LoxoneCodec{}
var _ resilience.Correlator = LoxoneCodec{}

// Encode implements resilience.Codec.
func (LoxoneCodec) Encode(msg resilience.Message) ([]byte, error) {
	if msg.Kind == resilience.KindHeartbeat {
		return []byte(keepalive), nil
	}
	if len(msg.Payload) == 0 {
		return nil, errors.New("miniserver: empty command")
	}
	return msg.Payload, nil
}

// Decode implements resilience.Codec.
func (LoxoneCodec) Decode(frame []byte) (resilience.Inbound, error) {
	if len(frame) == headerLength && frame[0] == headerStart {
		if frame[1] == headerKeepalive {
			return resilience.Inbound{Kind: resilience.InboundPong}, nil
		}
		return resilience.Inbound{Kind: resilience.InboundIgnore}, nil
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.LL.Control == "" {
		return resilience.Inbound{Kind: resilience.InboundData, Payload: frame}, nil
	}
	key := normalizeControl(env.LL.Control)
	if env.LL.Code >= 200 && env.LL.Code < 300 {
		return resilience.Inbound{Kind: resilience.InboundAck, Key: key, Payload: frame}, nil
	}
	return resilience.Inbound{Kind: resilience.InboundData, Key: key, Payload: frame}, nil
}

// CorrelationKey implements resilience.Correlator.
func (LoxoneCodec) CorrelationKey(payload []byte) string {
	return normalizeControl(string(payload))
}

// normalizeControl maps "jdev/sps/io/x/On", "/jdev/sps/io/x/On" and
// "dev/sps/io/x/On" to the same key.
func normalizeControl(control string) string {
	control = strings.TrimSpace(control)
	control = strings.TrimPrefix(control, "/")
	return strings.TrimPrefix(control, "j")
}
