package miniserver

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"loxone-gateway/internal/observability/metrics"
)

// Pinger probes the Miniserver.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Timeout           time.Duration `yaml:"timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 1
	}
	return c
}

// HealthState tracks consecutive probe outcomes.
type HealthState struct {
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheckAt          time.Time `json:"last_check_at"`
	LastTransitionAt     time.Time `json:"last_transition_at"`
	LastError            string    `json:"last_error,omitempty"`
}

// NextHealth applies one probe outcome. The first probe decides the state
// directly; afterwards the thresholds apply.
func NextHealth(cfg HealthConfig, state HealthState, success bool, now time.Time) HealthState {
	cfg = cfg.withDefaults()
	first := state.LastCheckAt.IsZero()
	state.LastCheckAt = now

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if !state.Healthy && (first || state.ConsecutiveSuccesses >= cfg.RecoveryThreshold) {
			state.Healthy = true
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	if first {
		state.Healthy = false
		state.LastTransitionAt = now
		return state
	}
	if state.Healthy && state.ConsecutiveFailures >= cfg.FailureThreshold {
		state.Healthy = false
		state.LastTransitionAt = now
	}
	return state
}

// Monitor periodically probes the Miniserver and reports transitions.
type Monitor struct {
	pinger Pinger
	cfg    HealthConfig
	logger *log.Logger

	mu        sync.RWMutex
	state     HealthState
	listeners []func(healthy bool)
}

// NewMonitor constructs a Monitor.
func NewMonitor(pinger Pinger, cfg HealthConfig, logger *log.Logger) (*Monitor, error) {
	if pinger == nil {
		return nil, errors.New("miniserver: nil pinger")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{pinger: pinger, cfg: cfg.withDefaults(), logger: logger}, nil
}

// OnChange registers fn to run on every healthy/unhealthy transition.
func (m *Monitor) OnChange(fn func(healthy bool)) {
	if m == nil || fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Healthy reports the current health.
func (m *Monitor) Healthy() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Healthy
}

// State returns a copy of the current state.
func (m *Monitor) State() HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Check runs one probe and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) HealthState {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.pinger.Ping(probeCtx)
	cancel()

	m.mu.Lock()
	before := m.state.Healthy
	m.state = NextHealth(m.cfg, m.state, err == nil, time.Now().UTC())
	if err != nil {
		m.state.LastError = err.Error()
	} else {
		m.state.LastError = ""
	}
	state := m.state
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	metrics.SetMiniserverHealthy(state.Healthy)
	if state.Healthy != before {
		m.logger.Printf("miniserver: health changed healthy=%t failures=%d err=%s", state.Healthy, state.ConsecutiveFailures, state.LastError)
		for _, fn := range listeners {
			fn(state.Healthy)
		}
	}
	return state
}

// Start probes immediately and then every Interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.Check(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
