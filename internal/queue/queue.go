// Package queue buffers outbound channel messages by priority until the
// frame loop drains them
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Priority orders delivery; lower values are delivered first
type Priority int

// High, Normal and Low are the supported priorities
const (
	High Priority = iota
	Normal
	Low
)

const tiers = 3

// ErrBadPriority is returned for priorities other than high, normal or low
var ErrBadPriority = errors.New("priority must be high, normal or low")

// ErrEmptyChannel is returned when enqueueing without a channel name
var ErrEmptyChannel = errors.New("channel must not be empty")

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// MarshalJSON writes the priority by name
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// ParsePriority converts "high", "normal" or "low" (any case) into a
// Priority. An empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "normal", "":
		return Normal, nil
	case "low":
		return Low, nil
	}
	return Normal, fmt.Errorf("%q: %w", s, ErrBadPriority)
}

// Entry represents a message waiting to be delivered on a channel
type Entry struct {
	Channel string

	// Payload is the producer's message, already encoded as JSON
	Payload json.RawMessage

	// Fields is the decoded payload when it is a JSON object, used for
	// subscription filtering; nil otherwise
	Fields map[string]any

	Priority Priority

	EnqueuedAt time.Time

	// Seq increases with every enqueue, across all priorities
	Seq uint64
}

// fifo is a slice-backed first-in first-out list
type fifo struct {
	items []Entry
	head  int
}

func (f *fifo) len() int {
	return len(f.items) - f.head
}

func (f *fifo) push(e Entry) {
	f.items = append(f.items, e)
}

func (f *fifo) pop() Entry {
	e := f.items[f.head]
	f.items[f.head] = Entry{} // release payload for gc
	f.head++
	if f.head == len(f.items) {
		f.items = f.items[:0]
		f.head = 0
	} else if f.head > 64 && f.head*2 > len(f.items) {
		n := copy(f.items, f.items[f.head:])
		f.items = f.items[:n]
		f.head = 0
	}
	return e
}

// Queue holds entries in three FIFO tiers, polled high to low
type Queue struct {
	*sync.Mutex

	tiers [tiers]fifo

	// maximum total entries, zero for unbounded
	maxDepth int

	seq uint64

	dropped uint64

	clock clockwork.Clock
}

// New returns a Queue holding at most 10,000 entries
func New() *Queue {
	return &Queue{
		Mutex:    &sync.Mutex{},
		maxDepth: 10000,
		clock:    clockwork.NewRealClock(),
	}
}

// WithMaxDepth sets the maximum number of queued entries
func (q *Queue) WithMaxDepth(max int) *Queue {
	q.Lock()
	defer q.Unlock()
	q.maxDepth = max
	return q
}

// WithClock sets the clock used for timestamps and deadlines
func (q *Queue) WithClock(clock clockwork.Clock) *Queue {
	q.Lock()
	defer q.Unlock()
	q.clock = clock
	return q
}

// Enqueue encodes message as JSON and adds it to the queue. It never
// blocks; when the queue is full an older, less important entry is dropped
// to make room, or the new entry itself if everything queued outranks it.
func (q *Queue) Enqueue(channel string, message any, priority Priority) error {

	if channel == "" {
		return ErrEmptyChannel
	}

	if priority < High || priority > Low {
		return ErrBadPriority
	}

	// encoding happens outside the lock so producers do not contend on it
	payload, fields, err := encode(message)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", channel, err)
	}

	q.Lock()
	defer q.Unlock()

	if q.maxDepth > 0 && q.len() >= q.maxDepth {
		if !q.evict(priority) {
			q.dropped++
			log.WithFields(log.Fields{"channel": channel, "priority": priority}).Debug("queue full, dropped new entry")
			return nil
		}
	}

	q.seq++

	q.tiers[priority].push(Entry{
		Channel:    channel,
		Payload:    payload,
		Fields:     fields,
		Priority:   priority,
		EnqueuedAt: q.clock.Now(),
		Seq:        q.seq,
	})

	return nil
}

// evict drops the oldest entry from the lowest non-empty tier that does not
// outrank priority; only call with the lock held
func (q *Queue) evict(priority Priority) bool {
	for p := Low; p >= priority; p-- {
		if q.tiers[p].len() > 0 {
			e := q.tiers[p].pop()
			q.dropped++
			log.WithFields(log.Fields{"channel": e.Channel, "priority": e.Priority, "seq": e.Seq}).Debug("queue full, dropped oldest entry")
			return true
		}
	}
	return false
}

// pop removes the next entry in priority order; only call with the lock held
func (q *Queue) pop() (Entry, bool) {
	for p := range q.tiers {
		if q.tiers[p].len() > 0 {
			return q.tiers[p].pop(), true
		}
	}
	return Entry{}, false
}

// Pop removes and returns the next entry in priority order
func (q *Queue) Pop() (Entry, bool) {
	q.Lock()
	defer q.Unlock()
	return q.pop()
}

// DrainUpTo yields entries in priority order until the queue is empty or
// the deadline has been reached. Each entry is removed from the queue as it
// is yielded, so concurrent enqueues are safe and nothing is yielded twice.
// A zero deadline drains everything.
func (q *Queue) DrainUpTo(deadline time.Time) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for {
			if !deadline.IsZero() && !q.clock.Now().Before(deadline) {
				return
			}

			e, ok := q.Pop()
			if !ok {
				return
			}

			if !yield(e) {
				return
			}
		}
	}
}

// len is for internal use only by functions holding the lock already
func (q *Queue) len() int {
	n := 0
	for p := range q.tiers {
		n += q.tiers[p].len()
	}
	return n
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.len()
}

// Dropped returns the number of entries dropped because the queue was full
func (q *Queue) Dropped() uint64 {
	q.Lock()
	defer q.Unlock()
	return q.dropped
}

// Clear empties the queue, returning the number of entries discarded
func (q *Queue) Clear() int {
	q.Lock()
	defer q.Unlock()
	n := q.len()
	for p := range q.tiers {
		q.tiers[p] = fifo{}
	}
	return n
}

func encode(message any) (json.RawMessage, map[string]any, error) {

	var payload []byte

	switch m := message.(type) {
	case json.RawMessage:
		payload = m
	case []byte:
		payload = m
	default:
		b, err := json.Marshal(message)
		if err != nil {
			return nil, nil, err
		}
		payload = b
	}

	if !json.Valid(payload) {
		return nil, nil, errors.New("payload is not valid JSON")
	}

	var fields map[string]any

	// non-objects simply have no fields to filter on
	if err := json.Unmarshal(payload, &fields); err != nil {
		fields = nil
	}

	return payload, fields, nil
}
