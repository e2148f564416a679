package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Fingerprint hashes the given parts into a stable content key.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		_, _ = h.Write(part)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type ledgerEntry struct {
	id  string
	at  time.Time
	seq uint64
}

type ledgerSlot struct {
	fingerprint string
	seq         uint64
}

// Ledger remembers recently submitted fingerprints for a sliding window.
type Ledger struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	entries    map[string]ledgerEntry
	order      []ledgerSlot
	seq        uint64
}

// NewLedger constructs a ledger. A non-positive maxEntries means unbounded.
func NewLedger(window time.Duration, maxEntries int) *Ledger {
	return &Ledger{
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]ledgerEntry),
	}
}

// Remember returns the id previously recorded for fingerprint when it is
// still inside the window. Otherwise it records id and returns false.
func (l *Ledger) Remember(fingerprint, id string, now time.Time) (string, bool) {
	if l == nil || l.window <= 0 || fingerprint == "" {
		return id, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[fingerprint]; ok {
		if now.Sub(entry.at) < l.window {
			return entry.id, true
		}
		delete(l.entries, fingerprint)
	}
	l.seq++
	l.entries[fingerprint] = ledgerEntry{id: id, at: now, seq: l.seq}
	l.order = append(l.order, ledgerSlot{fingerprint: fingerprint, seq: l.seq})
	l.trimLocked()
	return id, false
}

// Lookup returns the id for fingerprint when it is inside the window.
func (l *Ledger) Lookup(fingerprint string, now time.Time) (string, bool) {
	if l == nil || fingerprint == "" {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[fingerprint]
	if !ok || now.Sub(entry.at) >= l.window {
		return "", false
	}
	return entry.id, true
}

// Forget removes fingerprint when it is still recorded for id. An empty id
// removes it unconditionally.
func (l *Ledger) Forget(fingerprint, id string) {
	if l == nil || fingerprint == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[fingerprint]; ok && (id == "" || entry.id == id) {
		delete(l.entries, fingerprint)
	}
}

// Prune drops fingerprints older than the window and returns how many were
// removed.
func (l *Ledger) Prune(now time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for fingerprint, entry := range l.entries {
		if now.Sub(entry.at) >= l.window {
			delete(l.entries, fingerprint)
			removed++
		}
	}
	l.compactLocked()
	return removed
}

// Len returns the number of remembered fingerprints.
func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) trimLocked() {
	if l.maxEntries <= 0 {
		return
	}
	for len(l.entries) > l.maxEntries && len(l.order) > 0 {
		oldest := l.order[0]
		l.order = l.order[1:]
		if entry, ok := l.entries[oldest.fingerprint]; ok && entry.seq == oldest.seq {
			delete(l.entries, oldest.fingerprint)
		}
	}
	if len(l.order) > 2*l.maxEntries {
		l.compactLocked()
	}
}

// compactLocked drops order slots whose entry is gone or was re-recorded.
func (l *Ledger) compactLocked() {
	kept := l.order[:0]
	for _, slot := range l.order {
		if entry, ok := l.entries[slot.fingerprint]; ok && entry.seq == slot.seq {
			kept = append(kept, slot)
		}
	}
	l.order = kept
}
