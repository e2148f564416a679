package resilience

import (
	"sort"
	"time"
)

type pendingAck struct {
	msg       *Message
	key       string
	sentAt    time.Time
	expiresAt time.Time
}

// ackTracker holds sent messages until the remote side acknowledges them.
// Callers serialize access.
type ackTracker struct {
	byID  map[string]*pendingAck
	byKey map[string][]string
}

func newAckTracker() *ackTracker {
	return &ackTracker{
		byID:  make(map[string]*pendingAck),
		byKey: make(map[string][]string),
	}
}

func (t *ackTracker) track(msg *Message, key string, sentAt, expiresAt time.Time) {
	if key == "" {
		key = msg.ID
	}
	t.byID[msg.ID] = &pendingAck{msg: msg, key: key, sentAt: sentAt, expiresAt: expiresAt}
	t.byKey[key] = append(t.byKey[key], msg.ID)
}

func (t *ackTracker) len() int {
	return len(t.byID)
}

// remove returns the pending entry for id, if any.
func (t *ackTracker) remove(id string) (*pendingAck, bool) {
	entry, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	ids := t.byKey[entry.key]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(t.byKey, entry.key)
	} else {
		t.byKey[entry.key] = ids
	}
	return entry, true
}

// removeByKey acknowledges the oldest message sent under key.
func (t *ackTracker) removeByKey(key string) (*pendingAck, bool) {
	ids := t.byKey[key]
	if len(ids) == 0 {
		return nil, false
	}
	return t.remove(ids[0])
}

// expired removes and returns every entry whose expiry is at or before now.
func (t *ackTracker) expired(now time.Time) []*pendingAck {
	var out []*pendingAck
	for id, entry := range t.byID {
		if !now.Before(entry.expiresAt) {
			if removed, ok := t.remove(id); ok {
				out = append(out, removed)
			}
		}
	}
	sortBySentAt(out)
	return out
}

// drain removes and returns every entry.
func (t *ackTracker) drain() []*pendingAck {
	out := make([]*pendingAck, 0, len(t.byID))
	for _, entry := range t.byID {
		out = append(out, entry)
	}
	t.byID = make(map[string]*pendingAck)
	t.byKey = make(map[string][]string)
	sortBySentAt(out)
	return out
}

func sortBySentAt(entries []*pendingAck) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sentAt.Before(entries[j].sentAt)
	})
}
