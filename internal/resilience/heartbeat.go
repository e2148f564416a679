package resilience

import "time"

// heartbeat tracks ping/pong timing for the current connection.
type heartbeat struct {
	lastPing time.Time
	lastPong time.Time
	counted  time.Time
	missed   int
}

func (h *heartbeat) reset() {
	*h = heartbeat{}
}

func (h *heartbeat) ping(now time.Time) {
	h.lastPing = now
}

func (h *heartbeat) pong(now time.Time) {
	h.lastPong = now
	h.missed = 0
}

// check records a miss when the last ping has gone unanswered for longer
// than timeout. Each ping counts at most once.
func (h *heartbeat) check(now time.Time, timeout time.Duration) (int, bool) {
	if h.lastPing.IsZero() || h.lastPing.Equal(h.counted) {
		return h.missed, false
	}
	if !h.lastPong.Before(h.lastPing) || now.Sub(h.lastPing) <= timeout {
		return h.missed, false
	}
	h.counted = h.lastPing
	h.missed++
	return h.missed, true
}
