package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"loxone-gateway/internal/eventing"
)

// DefaultEvents are the event types alerted on when none are configured.
var DefaultEvents = []string{
	"connection.connection_failed",
	"connection.message_failed",
	"connection.disconnected",
	"command.failed",
	"command.expired",
}

// Clock provides time for cooldown tracking.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier is an eventing.Sink that renders selected events and sends
// them through a channel.
type Notifier struct {
	channel      Channel
	template     *Template
	events       map[string]struct{}
	clock        Clock
	cooldown     time.Duration
	dedupeWindow time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEvents limits notifications to the given event types.
func WithEvents(types ...string) Option {
	return func(n *Notifier) {
		if len(types) == 0 {
			return
		}
		n.events = make(map[string]struct{}, len(types))
		for _, t := range types {
			n.events[strings.TrimSpace(t)] = struct{}{}
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same
// subject and event type.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:  channel,
		template: template,
		clock:    systemClock{},
		sent:     make(map[string]sendRecord),
	}
	WithEvents(DefaultEvents...)(n)
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Name implements eventing.Sink.
func (n *Notifier) Name() string { return "webhook" }

// Publish implements eventing.Sink. Events outside the configured set and
// suppressed repeats are dropped without error.
func (n *Notifier) Publish(ctx context.Context, env eventing.Envelope) error {
	if n == nil || n.channel == nil {
		return nil
	}
	if _, ok := n.events[env.EventType]; !ok {
		return nil
	}
	data := buildTemplateData(env)
	content, err := n.template.Render(data)
	if err != nil {
		return err
	}
	// The timestamp is left out so repeats of the same failure compare equal.
	digest := hashContent(data.EventType + "|" + data.Key + "|" + data.Error)
	if !n.shouldSend(env.Key, env.EventType, digest) {
		return nil
	}
	if err := n.channel.Send(ctx, content); err != nil {
		return err
	}
	n.markSent(env.Key, env.EventType, digest)
	return nil
}

func buildTemplateData(env eventing.Envelope) TemplateData {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(env.Payload, &payload)
	return TemplateData{
		EventType:  env.EventType,
		EventLabel: eventLabel(env.EventType),
		Source:     env.Source,
		Key:        env.Key,
		OccurredAt: env.OccurredAt.UTC().Format(time.RFC3339),
		Error:      payload.Error,
		Suggestion: suggestionFor(env.EventType),
	}
}

func eventLabel(eventType string) string {
	switch eventType {
	case "connection.connection_failed":
		return "Connection Failed"
	case "connection.disconnected":
		return "Disconnected"
	case "connection.message_failed":
		return "Message Failed"
	case "command.failed":
		return "Command Failed"
	case "command.expired":
		return "Command Expired"
	default:
		return eventType
	}
}

func suggestionFor(eventType string) string {
	switch {
	case eventType == "connection.connection_failed":
		return "Check the Miniserver network link, then trigger a reconnect."
	case strings.HasPrefix(eventType, "connection."):
		return "Watch the connection state; the gateway retries automatically."
	case eventType == "command.expired":
		return "The Miniserver was unreachable for longer than the command TTL."
	default:
		return "Verify the device and command, then retry if needed."
	}
}

func (n *Notifier) shouldSend(key, eventType, hash string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()

	n.mu.Lock()
	record, ok := n.sent[notificationKey(key, eventType)]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(key, eventType, hash string) {
	n.mu.Lock()
	n.sent[notificationKey(key, eventType)] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hash,
	}
	n.mu.Unlock()
}

func notificationKey(key, eventType string) string {
	return key + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
