package eventing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"loxone-gateway/internal/observability/metrics"
)

// Sink receives envelopes.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
}

// DLQStore records envelopes a sink failed to accept.
type DLQStore interface {
	RecordFailure(ctx context.Context, sink string, env Envelope, err error) error
}

// Dispatcher delivers envelopes to every sink and dead-letters failures.
type Dispatcher struct {
	sinks  []Sink
	dlq    DLQStore
	logger *log.Logger
}

// NewDispatcher constructs a dispatcher. dlq may be nil.
func NewDispatcher(sinks []Sink, dlq DLQStore, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Dispatcher{sinks: filtered, dlq: dlq, logger: logger}
}

// Dispatch publishes env to every sink. A failing sink does not stop the
// others; the joined error lists every failure.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, sink := range d.sinks {
		err := sink.Publish(ctx, env)
		if err == nil {
			metrics.IncSinkPublish(sink.Name(), metrics.ResultSuccess)
			continue
		}
		metrics.IncSinkPublish(sink.Name(), metrics.ResultError)
		d.logger.Printf("eventing: sink %s failed event=%s type=%s err=%v", sink.Name(), env.EventID, env.EventType, err)
		if d.dlq != nil {
			if dlqErr := d.dlq.RecordFailure(ctx, sink.Name(), env, err); dlqErr != nil {
				d.logger.Printf("eventing: dead-letter failed event=%s err=%v", env.EventID, dlqErr)
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
	}
	return errors.Join(errs...)
}

// Forward dispatches every value received on sub until the subscription
// closes or ctx is done. Values build returns an error for are skipped.
func Forward[T any](ctx context.Context, sub *Subscription[T], build func(T) (Envelope, error), d *Dispatcher) {
	if sub == nil || build == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case value, ok := <-sub.C():
			if !ok {
				return
			}
			env, err := build(value)
			if err != nil {
				if d != nil {
					d.logger.Printf("eventing: envelope build failed: %v", err)
				}
				continue
			}
			_ = d.Dispatch(ctx, env)
		}
	}
}

// BrokerSink republishes envelopes on an in-process broker, feeding the
// event stream.
type BrokerSink struct {
	broker *Broker[Envelope]
}

// NewBrokerSink constructs a sink over broker.
func NewBrokerSink(broker *Broker[Envelope]) *BrokerSink {
	return &BrokerSink{broker: broker}
}

// Name implements Sink.
func (s *BrokerSink) Name() string { return "stream" }

// Publish implements Sink.
func (s *BrokerSink) Publish(_ context.Context, env Envelope) error {
	if s == nil || s.broker == nil {
		return errors.New("eventing: nil broker")
	}
	s.broker.Publish(env)
	return nil
}
