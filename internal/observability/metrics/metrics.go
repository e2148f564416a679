package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "gateway_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	commandRequests prometheus.Counter
	commandResults  *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	commandRejected prometheus.Counter
	commandRetries  prometheus.Counter
	commandDepth    prometheus.Gauge

	miniserverRequests *prometheus.CounterVec
	miniserverLatency  *prometheus.HistogramVec
	miniserverHealthy  prometheus.Gauge

	resilienceEvents   *prometheus.CounterVec
	connectionState    prometheus.Gauge
	reconnectAttempts  prometheus.Counter
	heartbeatMissed    prometheus.Counter
	acknowledgeLatency prometheus.Histogram
	sinkPublishTotal   *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
)

// Init registers gateway metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		commandRequests = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total issued commands",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total terminal command results by status",
			},
			[]string{"status"},
		)
		commandLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_latency_seconds",
				Help:    "Command execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		)
		commandRejected = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_queue_rejected_total",
				Help: "Commands rejected because the queue was full",
			},
		)
		commandRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_retries_total",
				Help: "Command retries scheduled",
			},
		)
		commandDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "command_queue_depth",
				Help: "Commands waiting in the queue",
			},
		)

		miniserverRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "miniserver_requests_total",
				Help: "Miniserver HTTP requests by result",
			},
			[]string{"result"},
		)
		miniserverLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "miniserver_request_latency_seconds",
				Help:    "Miniserver HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		miniserverHealthy = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "miniserver_healthy",
				Help: "1 when the Miniserver answers health probes",
			},
		)

		resilienceEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "resilience_events_total",
				Help: "Resilience manager events by type",
			},
			[]string{"event"},
		)
		connectionState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "connection_state",
				Help: "Streaming connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed)",
			},
		)
		reconnectAttempts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "connection_attempts_total",
				Help: "Streaming connection attempts",
			},
		)
		heartbeatMissed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeat_missed_total",
				Help: "Heartbeats that were not answered in time",
			},
		)
		acknowledgeLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "message_ack_latency_seconds",
				Help:    "Time from send to acknowledgment in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		sinkPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_sink_publish_total",
				Help: "Events forwarded to external sinks by sink and result",
			},
			[]string{"sink", "result"},
		)
		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Admin API requests by route and status class",
			},
			[]string{"method", "status"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_latency_seconds",
				Help:    "Admin API latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)

		prometheus.MustRegister(
			commandRequests,
			commandResults,
			commandLatency,
			commandRejected,
			commandRetries,
			commandDepth,
			miniserverRequests,
			miniserverLatency,
			miniserverHealthy,
			resilienceEvents,
			connectionState,
			reconnectAttempts,
			heartbeatMissed,
			acknowledgeLatency,
			sinkPublishTotal,
			httpRequests,
			httpLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// RegisterGaugeFunc exposes a polled value, typically read from a stats
// snapshot. Registration errors are logged and ignored.
func RegisterGaugeFunc(name, help string, fn func() float64, logger *log.Logger) {
	if fn == nil {
		return
	}
	err := prometheus.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: metricPrefix + name, Help: help},
		fn,
	))
	if err != nil && logger != nil {
		logger.Printf("metrics register %s failed: %v", name, err)
	}
}

// IncCommandIssued increments issued command counter.
func IncCommandIssued() {
	if commandRequests != nil {
		commandRequests.Inc()
	}
}

// ObserveCommandResult records a terminal command result.
func ObserveCommandResult(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
	if commandLatency != nil && duration > 0 {
		commandLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// IncCommandRejected counts a command refused by a full queue.
func IncCommandRejected() {
	if commandRejected != nil {
		commandRejected.Inc()
	}
}

// IncCommandRetry counts a scheduled retry.
func IncCommandRetry() {
	if commandRetries != nil {
		commandRetries.Inc()
	}
}

// SetCommandQueueDepth sets the queue depth gauge.
func SetCommandQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	if commandDepth != nil {
		commandDepth.Set(float64(depth))
	}
}

// ObserveMiniserverRequest records a Miniserver HTTP call.
func ObserveMiniserverRequest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if miniserverRequests != nil {
		miniserverRequests.WithLabelValues(result).Inc()
	}
	if miniserverLatency != nil {
		miniserverLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetMiniserverHealthy sets the health gauge.
func SetMiniserverHealthy(healthy bool) {
	if miniserverHealthy == nil {
		return
	}
	if healthy {
		miniserverHealthy.Set(1)
		return
	}
	miniserverHealthy.Set(0)
}

// IncResilienceEvent increments resilience event counters.
func IncResilienceEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if resilienceEvents != nil {
		resilienceEvents.WithLabelValues(event).Inc()
	}
}

// SetConnectionState records the ordinal of the connection state.
func SetConnectionState(state int) {
	if connectionState != nil {
		connectionState.Set(float64(state))
	}
}

// IncConnectionAttempt counts a streaming connection attempt.
func IncConnectionAttempt() {
	if reconnectAttempts != nil {
		reconnectAttempts.Inc()
	}
}

// IncHeartbeatMissed counts a missed heartbeat.
func IncHeartbeatMissed() {
	if heartbeatMissed != nil {
		heartbeatMissed.Inc()
	}
}

// ObserveAcknowledge records send-to-ack latency.
func ObserveAcknowledge(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	if acknowledgeLatency != nil {
		acknowledgeLatency.Observe(latency.Seconds())
	}
}

// IncSinkPublish counts events forwarded to an external sink.
func IncSinkPublish(sink, result string) {
	if sink == "" {
		sink = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if sinkPublishTotal != nil {
		sinkPublishTotal.WithLabelValues(sink, result).Inc()
	}
}

// ObserveHTTP records an admin API request.
func ObserveHTTP(method, status string, duration time.Duration) {
	if httpRequests != nil {
		httpRequests.WithLabelValues(method, status).Inc()
	}
	if httpLatency != nil {
		httpLatency.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
