package application

import (
	"context"
	"errors"
	"log"
	"time"
)

// Drainer replays queued commands once the Miniserver is reachable.
type Drainer struct {
	queue           *Queue
	executor        Executor
	connectivity    Connectivity
	service         *Service
	interval        time.Duration
	cleanupInterval time.Duration
	logger          *log.Logger
	wake            chan struct{}
}

// NewDrainer constructs a Drainer. service is optional and, when set, has
// its idempotency records pruned on every cleanup pass.
func NewDrainer(queue *Queue, executor Executor, connectivity Connectivity, service *Service, interval, cleanupInterval time.Duration, logger *log.Logger) (*Drainer, error) {
	if queue == nil || executor == nil {
		return nil, errors.New("drainer: nil dependency")
	}
	if interval <= 0 {
		interval = time.Second
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Drainer{
		queue:           queue,
		executor:        executor,
		connectivity:    connectivity,
		service:         service,
		interval:        interval,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		wake:            make(chan struct{}, 1),
	}, nil
}

// Notify requests an immediate drain, typically after connectivity returns.
func (d *Drainer) Notify() {
	if d == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start runs the drain loop until ctx is done.
func (d *Drainer) Start(ctx context.Context) {
	if d == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(d.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		case <-d.wake:
			d.drain(ctx)
		case <-cleanup.C:
			if removed := d.queue.CleanupExpired(); removed > 0 {
				d.logger.Printf("drainer: expired commands removed count=%d", removed)
			}
			if d.service != nil {
				d.service.Prune()
			}
		}
	}
}

func (d *Drainer) drain(ctx context.Context) {
	for d.healthy() && d.queue.Len() > 0 {
		executed, err := d.queue.ExecuteBatch(ctx, d.executor)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Printf("drainer: batch error: %v", err)
			}
			return
		}
		if executed == 0 {
			return
		}
	}
}

func (d *Drainer) healthy() bool {
	return d.connectivity == nil || d.connectivity.Healthy()
}
