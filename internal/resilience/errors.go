package resilience

import "errors"

var (
	ErrQueueFull           = errors.New("resilience: queue full")
	ErrDeliveryFailed      = errors.New("resilience: delivery failed")
	ErrRetriesExhausted    = errors.New("resilience: retries exhausted")
	ErrExpired             = errors.New("resilience: message expired")
	ErrConnectionUnhealthy = errors.New("resilience: connection unhealthy")
	ErrShutdown            = errors.New("resilience: shut down")
	ErrEvicted             = errors.New("resilience: evicted by overflow")
)
