package resilience

import (
	"errors"
	"time"
)

// ReconnectConfig controls reconnection backoff.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`

	// MaxAttempts stops reconnecting after that many consecutive failed
	// attempts. Zero retries forever.
	MaxAttempts    int           `yaml:"max_attempts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// HeartbeatConfig controls liveness probing of a connected stream.
type HeartbeatConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxMissed int           `yaml:"max_missed"`
}

// Config configures the Manager.
type Config struct {
	URL             string          `yaml:"url"`
	MaxQueueSize    int             `yaml:"max_queue_size"`
	AckTimeout      time.Duration   `yaml:"ack_timeout"`
	SendTimeout     time.Duration   `yaml:"send_timeout"`
	MaxRetries      int             `yaml:"max_retries"`
	RetryBaseDelay  time.Duration   `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration   `yaml:"retry_max_delay"`
	DrainInterval   time.Duration   `yaml:"drain_interval"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	DedupWindow     time.Duration   `yaml:"dedup_window"`
	DedupHistory    int             `yaml:"dedup_history"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:    1000,
		AckTimeout:      30 * time.Second,
		SendTimeout:     10 * time.Second,
		MaxRetries:      3,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   30 * time.Second,
		DrainInterval:   100 * time.Millisecond,
		CleanupInterval: 5 * time.Second,
		DedupWindow:     5 * time.Minute,
		DedupHistory:    10000,
		Reconnect: ReconnectConfig{
			Enabled:        true,
			InitialDelay:   time.Second,
			MaxDelay:       60 * time.Second,
			Multiplier:     2,
			Jitter:         0.1,
			ConnectTimeout: 10 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:  30 * time.Second,
			Timeout:   10 * time.Second,
			MaxMissed: 3,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.DedupHistory <= 0 {
		c.DedupHistory = def.DedupHistory
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = def.Reconnect.InitialDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if c.Reconnect.ConnectTimeout <= 0 {
		c.Reconnect.ConnectTimeout = def.Reconnect.ConnectTimeout
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if c.Heartbeat.MaxMissed <= 0 {
		c.Heartbeat.MaxMissed = def.Heartbeat.MaxMissed
	}
	return c
}

// Validate reports configuration values that cannot be defaulted.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("resilience: url required")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return errors.New("resilience: reconnect jitter must be within [0,1]")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("resilience: reconnect max_attempts must not be negative")
	}
	return nil
}
