package bus

import (
	"sync"
	"time"
)

// quarantine counts malformed messages per sender and blocks senders
// that cross the threshold within the window.
type quarantine struct {
	threshold int
	window    time.Duration
	period    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	strikes map[string][]time.Time
	blocked map[string]time.Time
}

func newQuarantine(threshold int, window, period time.Duration) *quarantine {
	return &quarantine{
		threshold: threshold,
		window:    window,
		period:    period,
		now:       time.Now,
		strikes:   make(map[string][]time.Time),
		blocked:   make(map[string]time.Time),
	}
}

// Strike records one malformed message and reports whether the sender
// has just been quarantined.
func (q *quarantine) Strike(sender string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.blocked[sender]; ok {
		return false
	}

	now := q.now()
	cutoff := now.Add(-q.window)
	recent := q.strikes[sender][:0]
	for _, t := range q.strikes[sender] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)

	if len(recent) >= q.threshold {
		delete(q.strikes, sender)
		q.blocked[sender] = now
		return true
	}
	q.strikes[sender] = recent
	return false
}

// Blocked reports whether traffic from sender is dropped.
func (q *quarantine) Blocked(sender string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.blocked[sender]
	return ok
}

// Release unblocks sender if its quarantine period has passed. It
// reports whether the sender was released.
func (q *quarantine) Release(sender string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	since, ok := q.blocked[sender]
	if !ok || q.now().Sub(since) < q.period {
		return false
	}
	delete(q.blocked, sender)
	return true
}

// Reset forgets all strikes and blocks.
func (q *quarantine) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.strikes)
	clear(q.blocked)
}
