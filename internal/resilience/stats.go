package resilience

import "time"

// Statistics is a point-in-time view of the manager.
type Statistics struct {
	State                 ConnectionState `json:"state"`
	QueueDepth            int             `json:"queue_depth"`
	ByPriority            map[string]int  `json:"by_priority"`
	MaxQueueSize          int             `json:"max_queue_size"`
	Utilization           float64         `json:"utilization_percent"`
	AwaitingAck           int             `json:"awaiting_ack"`
	Sent                  uint64          `json:"sent"`
	Acknowledged          uint64          `json:"acknowledged"`
	Failed                uint64          `json:"failed"`
	Expired               uint64          `json:"expired"`
	Timeouts              uint64          `json:"timeouts"`
	Retried               uint64          `json:"retried"`
	Rejected              uint64          `json:"rejected"`
	Evicted               uint64          `json:"evicted"`
	DuplicatesDetected    uint64          `json:"duplicates_detected"`
	ConnectionAttempts    uint64          `json:"connection_attempts"`
	SuccessfulConnections uint64          `json:"successful_connections"`
	ConsecutiveFailures   int             `json:"consecutive_failures"`
	HeartbeatsMissed      uint64          `json:"heartbeats_missed"`
	AverageAckTime        time.Duration   `json:"average_ack_time"`
	LastConnectedAt       time.Time       `json:"last_connected_at,omitempty"`
}

type counters struct {
	sent                  uint64
	acknowledged          uint64
	failed                uint64
	expired               uint64
	timeouts              uint64
	retried               uint64
	rejected              uint64
	evicted               uint64
	duplicates            uint64
	connectionAttempts    uint64
	successfulConnections uint64
	heartbeatsMissed      uint64
	ackTotal              time.Duration
	lastConnectedAt       time.Time
}
