package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commandsapp "loxone-gateway/internal/commands/application"
	"loxone-gateway/internal/miniserver"
	"loxone-gateway/internal/resilience"
)

// EnvConfigPath names the variable holding the optional YAML file path.
const EnvConfigPath = "GATEWAY_CONFIG"

// MiniserverConfig locates and authenticates against the Miniserver.
type MiniserverConfig struct {
	Host      string        `yaml:"host"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
	WebSocket bool          `yaml:"websocket"`
}

// DrainConfig controls the command drainer.
type DrainConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// IdempotencyConfig controls duplicate command absorption.
type IdempotencyConfig struct {
	Window     time.Duration `yaml:"window"`
	MaxEntries int           `yaml:"max_entries"`
}

// KafkaConfig enables the Kafka event sink when Brokers is set.
type KafkaConfig struct {
	Brokers string        `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig enables alert notifications when URL is set.
type WebhookConfig struct {
	URL          string        `yaml:"url"`
	Template     string        `yaml:"template"`
	Events       []string      `yaml:"events"`
	Cooldown     time.Duration `yaml:"cooldown"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// DiscoveryConfig controls mDNS lookup of the Miniserver.
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the gateway configuration.
type Config struct {
	HTTPAddr        string                  `yaml:"http_addr"`
	DatabaseURL     string                  `yaml:"database_url"`
	JWTSecret       string                  `yaml:"jwt_secret"`
	CORSOrigins     []string                `yaml:"cors_origins"`
	StreamKeepalive time.Duration           `yaml:"stream_keepalive"`
	ShutdownTimeout time.Duration           `yaml:"shutdown_timeout"`
	Miniserver      MiniserverConfig        `yaml:"miniserver"`
	Health          miniserver.HealthConfig `yaml:"health"`
	Queue           commandsapp.QueueConfig `yaml:"queue"`
	Drain           DrainConfig             `yaml:"drain"`
	Idempotency     IdempotencyConfig       `yaml:"idempotency"`
	Resilience      resilience.Config       `yaml:"resilience"`
	Kafka           KafkaConfig             `yaml:"kafka"`
	Webhook         WebhookConfig           `yaml:"webhook"`
	Discovery       DiscoveryConfig         `yaml:"discovery"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		CORSOrigins:     []string{"*"},
		StreamKeepalive: 15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Miniserver: MiniserverConfig{
			Timeout:   10 * time.Second,
			WebSocket: true,
		},
		Health: miniserver.HealthConfig{
			Interval:          10 * time.Second,
			Timeout:           5 * time.Second,
			FailureThreshold:  3,
			RecoveryThreshold: 1,
		},
		Queue: commandsapp.DefaultQueueConfig(),
		Drain: DrainConfig{
			Interval:        time.Second,
			CleanupInterval: 30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Window:     10 * time.Minute,
			MaxEntries: 10000,
		},
		Resilience: resilience.DefaultConfig(),
		Kafka: KafkaConfig{
			Topic:   "loxone-gateway.events",
			Timeout: 3 * time.Second,
		},
		Webhook: WebhookConfig{
			Cooldown:     time.Minute,
			DedupeWindow: 10 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			Service: "_http._tcp",
			Domain:  "local.",
			Timeout: 5 * time.Second,
		},
	}
}

// Load applies defaults, then the YAML file named by GATEWAY_CONFIG, then
// environment overrides, and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.Resilience.URL = cfg.WebSocketURL()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))
	if origins := splitCSV(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}

	cfg.Miniserver.Host = getenvDefault("MINISERVER_HOST", cfg.Miniserver.Host)
	cfg.Miniserver.Username = getenvDefault("MINISERVER_USERNAME", cfg.Miniserver.Username)
	cfg.Miniserver.Password = getenvDefault("MINISERVER_PASSWORD", cfg.Miniserver.Password)
	cfg.Miniserver.Timeout = getenvDuration("MINISERVER_TIMEOUT", cfg.Miniserver.Timeout)
	cfg.Miniserver.WebSocket = getenvBool("MINISERVER_WEBSOCKET", cfg.Miniserver.WebSocket)

	cfg.Health.Interval = getenvDuration("HEALTH_INTERVAL", cfg.Health.Interval)
	cfg.Health.FailureThreshold = getenvIntDefault("HEALTH_FAILURE_THRESHOLD", cfg.Health.FailureThreshold)

	cfg.Queue.MaxSize = getenvIntDefault("QUEUE_MAX_SIZE", cfg.Queue.MaxSize)
	cfg.Queue.DefaultTTL = getenvDuration("QUEUE_DEFAULT_TTL", cfg.Queue.DefaultTTL)
	cfg.Queue.MaxConcurrent = getenvIntDefault("QUEUE_MAX_CONCURRENT", cfg.Queue.MaxConcurrent)
	cfg.Queue.MaxRetries = getenvIntDefault("QUEUE_MAX_RETRIES", cfg.Queue.MaxRetries)
	cfg.Drain.Interval = getenvDuration("DRAIN_INTERVAL", cfg.Drain.Interval)

	cfg.Resilience.URL = getenvDefault("RESILIENCE_URL", cfg.Resilience.URL)
	cfg.Resilience.MaxQueueSize = getenvIntDefault("RESILIENCE_MAX_QUEUE_SIZE", cfg.Resilience.MaxQueueSize)
	cfg.Resilience.AckTimeout = getenvDuration("RESILIENCE_ACK_TIMEOUT", cfg.Resilience.AckTimeout)
	cfg.Resilience.Reconnect.Jitter = getenvFloatDefault("RESILIENCE_RECONNECT_JITTER", cfg.Resilience.Reconnect.Jitter)
	cfg.Resilience.Reconnect.MaxAttempts = getenvIntDefault("RESILIENCE_RECONNECT_MAX_ATTEMPTS", cfg.Resilience.Reconnect.MaxAttempts)
	cfg.Resilience.Heartbeat.Interval = getenvDuration("RESILIENCE_HEARTBEAT_INTERVAL", cfg.Resilience.Heartbeat.Interval)

	cfg.Kafka.Brokers = getenvDefault("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getenvDefault("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Webhook.URL = getenvDefault("ALERT_WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.Template = getenvDefault("ALERT_NOTIFY_TEMPLATE", cfg.Webhook.Template)
	if events := splitCSV(os.Getenv("ALERT_EVENTS")); len(events) > 0 {
		cfg.Webhook.Events = events
	}
	cfg.Webhook.Cooldown = getenvDuration("ALERT_NOTIFY_COOLDOWN", cfg.Webhook.Cooldown)
	cfg.Webhook.DedupeWindow = getenvDuration("ALERT_NOTIFY_DEDUPE_WINDOW", cfg.Webhook.DedupeWindow)

	cfg.Discovery.Enabled = getenvBool("DISCOVERY_ENABLED", cfg.Discovery.Enabled)
	cfg.Discovery.Service = getenvDefault("DISCOVERY_SERVICE", cfg.Discovery.Service)
}

// WebSocketURL returns the streaming endpoint, derived from the Miniserver
// host unless set explicitly.
func (c Config) WebSocketURL() string {
	if c.Resilience.URL != "" || c.Miniserver.Host == "" {
		return c.Resilience.URL
	}
	host := c.Miniserver.Host
	switch {
	case strings.HasPrefix(host, "https://"):
		host = "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = "ws://" + strings.TrimPrefix(host, "http://")
	case !strings.Contains(host, "://"):
		host = "ws://" + host
	}
	return strings.TrimRight(host, "/") + miniserver.WebSocketPath
}

// Validate reports settings the gateway cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("config: http_addr required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: AUTH_JWT_SECRET required"))
	}
	if c.Miniserver.Host == "" && !c.Discovery.Enabled {
		errs = append(errs, errors.New("config: MINISERVER_HOST required unless discovery is enabled"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("config: queue max_retries must not be negative"))
	}
	if c.Idempotency.Window < 0 {
		errs = append(errs, errors.New("config: idempotency window must not be negative"))
	}
	if c.Miniserver.WebSocket && c.Miniserver.Host != "" {
		if err := c.Resilience.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("config: kafka topic required when brokers are set"))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
