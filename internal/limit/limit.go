// Package limit enforces a maximum inbound message rate per connection
// using a sliding window of recent message times
package limit

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Limit represents a sliding-window rate limit store
type Limit struct {
	*sync.Mutex

	// windows maps connection id to the times of recently accepted messages
	windows map[string][]time.Time

	// maximum number of messages accepted per window
	max int

	window time.Duration

	Now func() time.Time
}

// New creates a new Limit allowing 100 messages per second
func New() *Limit {
	return &Limit{
		&sync.Mutex{},
		make(map[string][]time.Time),
		100,
		time.Second,
		time.Now,
	}
}

// WithMax sets the number of messages accepted per window
func (l *Limit) WithMax(max int) *Limit {
	l.Lock()
	defer l.Unlock()
	l.max = max
	return l
}

// WithWindow sets the length of the sliding window
func (l *Limit) WithWindow(window time.Duration) *Limit {
	l.Lock()
	defer l.Unlock()
	l.window = window
	return l
}

// WithNow sets the function used to get the current time
func (l *Limit) WithNow(now func() time.Time) *Limit {
	l.Lock()
	defer l.Unlock()
	l.Now = now
	return l
}

// Allow reports whether a message from id may be processed now, recording
// it if so. A rejected message leaves the window unchanged.
func (l *Limit) Allow(id string) bool {
	l.Lock()
	defer l.Unlock()

	now := l.Now()

	fresh := l.prune(l.windows[id], now)

	if len(fresh) >= l.max {
		l.windows[id] = fresh
		log.WithFields(log.Fields{"id": id, "count": len(fresh), "max": l.max}).Trace("limit.Allow(): rejected")
		return false
	}

	l.windows[id] = append(fresh, now)

	return true
}

// Count returns the number of messages from id in the current window
func (l *Limit) Count(id string) int {
	l.Lock()
	defer l.Unlock()

	stale, ok := l.windows[id]
	if !ok {
		return 0
	}

	fresh := l.prune(stale, l.Now())
	l.windows[id] = fresh

	return len(fresh)
}

// Forget removes all state for id, e.g. when it disconnects
func (l *Limit) Forget(id string) {
	l.Lock()
	defer l.Unlock()
	delete(l.windows, id)
}

// Size returns the number of connections being tracked
func (l *Limit) Size() int {
	l.Lock()
	defer l.Unlock()
	return len(l.windows)
}

// prune drops times that have left the window; only call with the lock held.
// Times are appended in order so the first fresh entry marks the cut.
func (l *Limit) prune(stale []time.Time, now time.Time) []time.Time {

	cutoff := now.Add(-l.window)

	i := 0
	for i < len(stale) && !stale[i].After(cutoff) {
		i++
	}

	if i == 0 {
		return stale
	}

	// copy down so the backing array does not grow without bound
	fresh := stale[:copy(stale, stale[i:])]

	return fresh
}
