package eventing

import "sync"

// Broker fans out published values to every subscription. Subscriptions
// buffer without bound so a slow listener never blocks publishers or
// loses values.
type Broker[T any] struct {
	mu      sync.Mutex
	clients map[*Subscription[T]]struct{}
	closed  bool
}

// NewBroker constructs a broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{clients: make(map[*Subscription[T]]struct{})}
}

// Publish queues value on every current subscription.
func (b *Broker[T]) Publish(value T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	clients := make([]*Subscription[T], 0, len(b.clients))
	for sub := range b.clients {
		clients = append(clients, sub)
	}
	b.mu.Unlock()
	for _, sub := range clients {
		sub.push(value)
	}
}

// Subscribe registers a new subscription. On a closed broker the returned
// subscription is already closed.
func (b *Broker[T]) Subscribe() *Subscription[T] {
	sub := newSubscription[T](b)
	if b == nil {
		sub.finish()
		return sub
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.finish()
		return sub
	}
	b.clients[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Broker[T]) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close stops accepting values. Subscriptions deliver what they already
// buffered and then close their channel.
func (b *Broker[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := b.clients
	b.clients = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()
	for sub := range clients {
		sub.finish()
	}
}

func (b *Broker[T]) remove(sub *Subscription[T]) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.clients, sub)
	b.mu.Unlock()
}

// Subscription is one listener's view of a broker.
type Subscription[T any] struct {
	broker *Broker[T]

	mu       sync.Mutex
	buf      []T
	draining bool
	signal   chan struct{}
	out      chan T
	done     chan struct{}
	once     sync.Once
}

func newSubscription[T any](b *Broker[T]) *Subscription[T] {
	sub := &Subscription[T]{
		broker: b,
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub
}

// C returns the channel values are delivered on. It is closed after
// Close, or after the broker closes and the buffer is drained.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Pending returns the number of buffered values not yet received.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close detaches the subscription and discards anything still buffered.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
}

func (s *Subscription[T]) push(value T) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, value)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.signal:
			case <-s.done:
				return
			}
			continue
		}
		value := s.buf[0]
		var zero T
		s.buf[0] = zero
		s.buf = s.buf[1:]
		s.mu.Unlock()

		select {
		case s.out <- value:
		case <-s.done:
			return
		}
	}
}
