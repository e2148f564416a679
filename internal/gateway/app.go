package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	commandsapp "loxone-gateway/internal/commands/application"
	commands "loxone-gateway/internal/commands/domain"
	cmdpostgres "loxone-gateway/internal/commands/infrastructure/postgres"
	cmdinterfaces "loxone-gateway/internal/commands/interfaces"
	"loxone-gateway/internal/config"
	"loxone-gateway/internal/discovery"
	"loxone-gateway/internal/eventing"
	eventingrepo "loxone-gateway/internal/eventing/infrastructure/postgres"
	"loxone-gateway/internal/eventing/kafka"
	"loxone-gateway/internal/eventing/notify"
	"loxone-gateway/internal/miniserver"
	"loxone-gateway/internal/observability/metrics"
	"loxone-gateway/internal/resilience"
)

const eventSource = "loxone-gateway"

// Discoverer locates a Miniserver on the local network.
type Discoverer interface {
	Find(ctx context.Context) (discovery.Candidate, error)
}

// Option configures the App.
type Option func(*App)

// WithDB enables the command journal and the dead-letter store.
func WithDB(db *sql.DB) Option {
	return func(a *App) {
		a.db = db
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *log.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithTransport replaces the WebSocket transport of the resilience manager.
func WithTransport(transport resilience.Transport) Option {
	return func(a *App) {
		a.transport = transport
	}
}

// WithDiscoverer replaces the mDNS browser used when no host is configured.
func WithDiscoverer(d Discoverer) Option {
	return func(a *App) {
		a.discoverer = d
	}
}

// App owns the gateway components and their background tasks.
type App struct {
	Config     config.Config
	Client     *miniserver.Client
	Monitor    *miniserver.Monitor
	Queue      *commandsapp.Queue
	Service    *commandsapp.Service
	Drainer    *commandsapp.Drainer
	Manager    *resilience.Manager
	Journal    *cmdpostgres.ResultRepository
	Events     *eventing.Broker[eventing.Envelope]
	Dispatcher *eventing.Dispatcher

	db         *sql.DB
	logger     *log.Logger
	transport  resilience.Transport
	discoverer Discoverer
	kafka      *kafka.Publisher
	frames     *eventing.Broker[resilience.Inbound]

	mu           sync.Mutex
	started      bool
	cancelLoops  context.CancelFunc
	cancelPumps  context.CancelFunc
	loops        sync.WaitGroup
	pumps        sync.WaitGroup
	shutdownOnce sync.Once
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config: cfg,
		logger: log.Default(),
		Events: eventing.NewBroker[eventing.Envelope](),
		frames: eventing.NewBroker[resilience.Inbound](),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.resolveHost(ctx); err != nil {
		return nil, err
	}

	client, err := miniserver.NewClient(a.Config.Miniserver.Host, a.Config.Miniserver.Username, a.Config.Miniserver.Password, a.Config.Miniserver.Timeout)
	if err != nil {
		return nil, err
	}
	a.Client = client

	monitor, err := miniserver.NewMonitor(client, a.Config.Health, a.logger)
	if err != nil {
		return nil, err
	}
	a.Monitor = monitor

	var dlq eventing.DLQStore
	if a.db != nil {
		journal := cmdpostgres.NewResultRepository(a.db)
		if err := journal.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("gateway: migrate journal: %w", err)
		}
		a.Journal = journal
		store := eventingrepo.NewDLQStore(a.db)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("gateway: migrate dead letters: %w", err)
		}
		dlq = store
	}

	sinks := []eventing.Sink{eventing.NewBrokerSink(a.Events)}
	if a.Config.Kafka.Brokers != "" {
		publisher, err := kafka.NewPublisher(a.Config.Kafka.Brokers, a.Config.Kafka.Topic, a.Config.Kafka.Timeout)
		if err != nil {
			return nil, err
		}
		a.kafka = publisher
		sinks = append(sinks, publisher)
	}
	if a.Config.Webhook.URL != "" {
		notifier, err := newNotifier(a.Config.Webhook)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notifier)
	}
	a.Dispatcher = eventing.NewDispatcher(sinks, dlq, a.logger)

	a.Queue = commandsapp.NewQueue(a.Config.Queue, commandsapp.WithQueueLogger(a.logger))
	executor, err := cmdinterfaces.NewMiniserverExecutor(client, a.logger)
	if err != nil {
		return nil, err
	}
	serviceOpts := []commandsapp.ServiceOption{
		commandsapp.WithConnectivity(monitor),
		commandsapp.WithIdempotencyWindow(a.Config.Idempotency.Window, a.Config.Idempotency.MaxEntries),
		commandsapp.WithServiceLogger(a.logger),
	}
	if a.Journal != nil {
		serviceOpts = append(serviceOpts, commandsapp.WithResultRecorder(a.Journal))
	}
	a.Service, err = commandsapp.NewService(a.Queue, executor, serviceOpts...)
	if err != nil {
		return nil, err
	}
	a.Drainer, err = commandsapp.NewDrainer(a.Queue, executor, monitor, a.Service, a.Config.Drain.Interval, a.Config.Drain.CleanupInterval, a.logger)
	if err != nil {
		return nil, err
	}
	monitor.OnChange(func(healthy bool) {
		if healthy {
			a.Drainer.Notify()
		}
	})

	if a.Config.Miniserver.WebSocket {
		transport := a.transport
		if transport == nil {
			transport = miniserver.NewWebSocketTransport(a.Config.Miniserver.Username, a.Config.Miniserver.Password, a.Config.Resilience.Reconnect.ConnectTimeout, a.logger)
		}
		a.Manager, err = resilience.NewManager(a.Config.Resilience, transport,
			resilience.WithLogger(a.logger),
			resilience.WithCodec(miniserver.LoxoneCodec{}),
			resilience.WithInboundHandler(func(in resilience.Inbound) {
				a.frames.Publish(in)
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	a.registerGauges()
	return a, nil
}

func newNotifier(cfg config.WebhookConfig) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.URL)
	if err != nil {
		return nil, err
	}
	tpl, err := notify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("gateway: alert template: %w", err)
	}
	return notify.NewNotifier(channel, tpl,
		notify.WithEvents(cfg.Events...),
		notify.WithCooldown(cfg.Cooldown),
		notify.WithDedupeWindow(cfg.DedupeWindow),
	)
}

func (a *App) resolveHost(ctx context.Context) error {
	if a.Config.Miniserver.Host != "" {
		return nil
	}
	if !a.Config.Discovery.Enabled {
		return errors.New("gateway: miniserver host required")
	}
	d := a.discoverer
	if d == nil {
		d = discovery.NewBrowser(a.Config.Discovery.Service, a.Config.Discovery.Domain, a.Config.Discovery.Timeout, a.logger)
	}
	candidate, err := d.Find(ctx)
	if err != nil {
		return fmt.Errorf("gateway: discover miniserver: %w", err)
	}
	a.Config.Miniserver.Host = candidate.Address()
	a.Config.Resilience.URL = a.Config.WebSocketURL()
	a.logger.Printf("gateway: using discovered miniserver host=%s", a.Config.Miniserver.Host)
	return nil
}

func (a *App) registerGauges() {
	queue := a.Queue
	metrics.RegisterGaugeFunc("command_queue_utilization_percent", "Command queue utilization", func() float64 {
		return queue.Stats().Utilization
	}, a.logger)
	metrics.RegisterGaugeFunc("command_queue_in_flight", "Commands currently executing", func() float64 {
		return float64(queue.Stats().InFlight)
	}, a.logger)
	if a.Manager == nil {
		return
	}
	manager := a.Manager
	metrics.RegisterGaugeFunc("resilience_queue_depth", "Messages waiting for the streaming connection", func() float64 {
		return float64(manager.Stats().QueueDepth)
	}, a.logger)
	metrics.RegisterGaugeFunc("resilience_awaiting_ack", "Messages sent and awaiting acknowledgment", func() float64 {
		return float64(manager.Stats().AwaitingAck)
	}, a.logger)
}

// Start launches the health monitor, drainer, resilience manager and event
// pumps.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("gateway: already started")
	}
	a.started = true

	loopCtx, cancelLoops := context.WithCancel(ctx)
	pumpCtx, cancelPumps := context.WithCancel(context.Background())
	a.cancelLoops = cancelLoops
	a.cancelPumps = cancelPumps

	results := a.Queue.Subscribe()
	a.pumps.Add(1)
	go func() {
		defer a.pumps.Done()
		a.pumpResults(pumpCtx, results)
	}()

	frames := a.frames.Subscribe()
	a.pumps.Add(1)
	go func() {
		defer a.pumps.Done()
		eventing.Forward(pumpCtx, frames, frameEnvelope, a.Dispatcher)
	}()

	if a.Manager != nil {
		events := a.Manager.Subscribe()
		a.pumps.Add(1)
		go func() {
			defer a.pumps.Done()
			eventing.Forward(pumpCtx, events, connectionEnvelope, a.Dispatcher)
		}()
		if err := a.Manager.Start(loopCtx); err != nil {
			return err
		}
	}

	a.loops.Add(2)
	go func() {
		defer a.loops.Done()
		a.Monitor.Start(loopCtx)
	}()
	go func() {
		defer a.loops.Done()
		a.Drainer.Start(loopCtx)
	}()
	a.logger.Printf("gateway: started miniserver=%s websocket=%t", a.Client.BaseURL(), a.Manager != nil)
	return nil
}

func (a *App) pumpResults(ctx context.Context, sub *eventing.Subscription[commands.CommandResult]) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-sub.C():
			if !ok {
				return
			}
			a.Service.Observe(ctx, result)
			env, err := resultEnvelope(result)
			if err != nil {
				a.logger.Printf("gateway: result envelope failed id=%s err=%v", result.CommandID, err)
				continue
			}
			_ = a.Dispatcher.Dispatch(ctx, env)
		}
	}
}

// Shutdown stops the background loops, fails outstanding work and waits
// for the event pumps to flush the resulting events.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		cancelLoops, cancelPumps := a.cancelLoops, a.cancelPumps
		a.mu.Unlock()
		if cancelLoops != nil {
			cancelLoops()
		}
		a.loops.Wait()

		if a.Manager != nil {
			if err := a.Manager.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.Queue.Close()
		a.frames.Close()

		done := make(chan struct{})
		go func() {
			a.pumps.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if cancelPumps != nil {
			cancelPumps()
		}

		a.Events.Close()
		if a.kafka != nil {
			if err := a.kafka.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.logger.Printf("gateway: shut down")
	})
	return errors.Join(errs...)
}

func resultEnvelope(result commands.CommandResult) (eventing.Envelope, error) {
	return eventing.BuildEnvelope("command."+result.Status, result, eventing.Meta{
		Source:     eventSource,
		Key:        result.DeviceID,
		OccurredAt: result.Timestamp,
	})
}

func connectionEnvelope(ev resilience.Event) (eventing.Envelope, error) {
	return eventing.BuildEnvelope("connection."+ev.Type.String(), ev, eventing.Meta{
		Source:     eventSource,
		Key:        ev.MessageID,
		OccurredAt: ev.Timestamp,
	})
}

type framePayload struct {
	Key     string `json:"key,omitempty"`
	Payload string `json:"payload"`
}

func frameEnvelope(in resilience.Inbound) (eventing.Envelope, error) {
	if in.Kind != resilience.InboundData {
		return eventing.Envelope{}, fmt.Errorf("gateway: unexpected frame kind %d", in.Kind)
	}
	return eventing.BuildEnvelope("miniserver.frame", framePayload{Key: in.Key, Payload: string(in.Payload)}, eventing.Meta{
		Source: eventSource,
		Key:    in.Key,
	})
}
