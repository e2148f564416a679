package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"loxone-gateway/internal/eventing"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Publisher forwards envelopes to a Kafka topic.
type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewPublisher constructs a publisher for a comma separated broker list.
func NewPublisher(brokersCSV, topic string, timeout time.Duration) (*Publisher, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: empty topic")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return NewPublisherWithWriter(w, timeout), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(writer MessageWriter, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Publisher{writer: writer, timeout: timeout}
}

// Name implements eventing.Sink.
func (p *Publisher) Name() string { return "kafka" }

// Publish implements eventing.Sink. Envelopes sharing a key land on the
// same partition.
func (p *Publisher) Publish(ctx context.Context, env eventing.Envelope) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka publisher: nil writer")
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := env.Key
	if key == "" {
		key = env.EventID
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kgo.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
		},
	})
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
