// Package frame delivers queued channel messages to subscribers in
// fixed-length frames. Each frame drains the queue until eighty percent of
// its budget has been used; whatever is left waits for the next frame.
package frame

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/chanstats"
	"github.com/practable/dispatch/internal/queue"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// alpha weights the latest frame in the moving average of frame time
const alpha = 0.1

// Source is the queue the loop drains
type Source interface {
	DrainUpTo(deadline time.Time) iter.Seq[queue.Entry]
	Len() int
}

// Resolver finds the subscribers whose filters accept a message
type Resolver interface {
	SubscribersFor(channel string, fields map[string]any) []string
	Prune() int
}

// Sender delivers bytes to connections, returning how many accepted them
type Sender interface {
	Broadcast(ids []string, data []byte) int
}

// Encoder turns an entry into the bytes sent to subscribers
type Encoder func(e queue.Entry) ([]byte, error)

// Observer is told about every completed frame
type Observer interface {
	ObserveFrame(r Result)
}

// Overrun describes a frame that took longer than its budget
type Overrun struct {
	Start     time.Time
	Duration  time.Duration
	Budget    time.Duration
	Remaining int
}

// Result describes one frame
type Result struct {
	Start     time.Time
	Duration  time.Duration
	Entries   int
	Delivered int
	Failed    int
	Overrun   bool
	Remaining int
}

// Stats is a copy of the loop's running statistics
type Stats struct {
	Frames         uint64                 `json:"frames"`
	Delivered      uint64                 `json:"delivered"`
	DeliveryErrors uint64                 `json:"deliveryErrors"`
	Overruns       uint64                 `json:"overruns"`
	AverageMs      float64                `json:"averageFrameMs"`
	LastMs         float64                `json:"lastFrameMs"`
	BudgetMs       float64                `json:"budgetMs"`
	FrameMs        chanstats.WelfordStats `json:"frameMs"`
}

// Loop runs frames. Tick and Flush may be called from different goroutines,
// but never overlap, so entries leave in priority order. Stats may be called
// from anywhere.
type Loop struct {
	source Source

	resolver Resolver

	sender Sender

	encode Encoder

	clock clockwork.Clock

	budget time.Duration

	onOverrun func(Overrun)

	observer Observer

	overrunLog rate.Sometimes

	// run is held for the whole of each Tick and Flush
	run sync.Mutex

	// mu guards the statistics below
	mu sync.Mutex

	frames, delivered, errors, overruns uint64

	average, last time.Duration

	frameTime *welford.Stats
}

// New returns a loop with a 60Hz frame budget
func New(source Source, resolver Resolver, sender Sender, encode Encoder) *Loop {
	return &Loop{
		source:     source,
		resolver:   resolver,
		sender:     sender,
		encode:     encode,
		clock:      clockwork.NewRealClock(),
		budget:     time.Second / 60,
		overrunLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		frameTime:  welford.New(),
	}
}

// WithBudget sets how long each frame may take
func (l *Loop) WithBudget(budget time.Duration) *Loop {
	l.budget = budget
	return l
}

// WithClock sets the clock used for deadlines and frame timing
func (l *Loop) WithClock(clock clockwork.Clock) *Loop {
	l.clock = clock
	return l
}

// WithOnOverrun sets a hook called synchronously for each overrun
func (l *Loop) WithOnOverrun(fn func(Overrun)) *Loop {
	l.onOverrun = fn
	return l
}

// WithObserver sets an observer told about every frame
func (l *Loop) WithObserver(o Observer) *Loop {
	l.observer = o
	return l
}

// Budget returns the frame budget
func (l *Loop) Budget() time.Duration {
	return l.budget
}

// Tick runs one frame that started at start
func (l *Loop) Tick(start time.Time) Result {

	l.run.Lock()
	defer l.run.Unlock()

	soft := start.Add(l.budget * 8 / 10)

	r := l.drain(l.source.DrainUpTo(soft))
	r.Start = start

	l.resolver.Prune()

	r.Duration = l.clock.Now().Sub(start)
	r.Remaining = l.source.Len()
	r.Overrun = r.Duration > l.budget

	l.record(r)

	if r.Overrun {
		o := Overrun{
			Start:     start,
			Duration:  r.Duration,
			Budget:    l.budget,
			Remaining: r.Remaining,
		}
		l.overrunLog.Do(func() {
			log.WithFields(log.Fields{"duration": o.Duration.String(), "budget": o.Budget.String(), "remaining": o.Remaining}).Warn("frame overran its budget")
		})
		if l.onOverrun != nil {
			l.onOverrun(o)
		}
	}

	if l.observer != nil {
		l.observer.ObserveFrame(r)
	}

	return r
}

// Flush delivers everything queued, ignoring the budget. It is for use at
// shutdown, and is not counted as a frame.
func (l *Loop) Flush() Result {

	l.run.Lock()
	defer l.run.Unlock()

	start := l.clock.Now()

	r := l.drain(l.source.DrainUpTo(time.Time{}))
	r.Start = start
	r.Duration = l.clock.Now().Sub(start)

	l.mu.Lock()
	l.delivered += uint64(r.Delivered)
	l.errors += uint64(r.Failed)
	l.mu.Unlock()

	log.WithFields(log.Fields{"entries": r.Entries, "delivered": r.Delivered, "failed": r.Failed}).Info("flushed queue")

	return r
}

func (l *Loop) drain(entries iter.Seq[queue.Entry]) Result {

	var r Result

	for e := range entries {

		r.Entries++

		delivered, failed, err := l.deliver(e)

		if err != nil {
			log.WithFields(log.Fields{"channel": e.Channel, "seq": e.Seq, "error": err}).Error("delivery error")
		}

		r.Delivered += delivered
		r.Failed += failed
	}

	return r
}

// deliver sends one entry to its subscribers. A panic is reported as an
// error affecting one delivery, so the frame carries on.
func (l *Loop) deliver(e queue.Entry) (delivered, failed int, err error) {

	defer func() {
		if p := recover(); p != nil {
			delivered, failed = 0, 1
			err = fmt.Errorf("recovered from panic: %v", p)
		}
	}()

	ids := l.resolver.SubscribersFor(e.Channel, e.Fields)

	if len(ids) == 0 {
		return 0, 0, nil
	}

	data, err := l.encode(e)
	if err != nil {
		return 0, len(ids), err
	}

	n := l.sender.Broadcast(ids, data)

	if n < len(ids) {
		log.WithFields(log.Fields{"channel": e.Channel, "subscribers": len(ids), "delivered": n}).Debug("some deliveries failed")
	}

	return n, len(ids) - n, nil
}

func (l *Loop) record(r Result) {

	l.mu.Lock()
	defer l.mu.Unlock()

	l.frames++
	l.delivered += uint64(r.Delivered)
	l.errors += uint64(r.Failed)

	if r.Overrun {
		l.overruns++
	}

	l.last = r.Duration
	l.average = time.Duration((1-alpha)*float64(l.average) + alpha*float64(r.Duration))

	l.frameTime.Add(ms(r.Duration))
}

// Stats returns a copy of the running statistics
func (l *Loop) Stats() Stats {

	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Frames:         l.frames,
		Delivered:      l.delivered,
		DeliveryErrors: l.errors,
		Overruns:       l.overruns,
		AverageMs:      ms(l.average),
		LastMs:         ms(l.last),
		BudgetMs:       ms(l.budget),
		FrameMs:        *chanstats.NewWelford(l.frameTime),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
