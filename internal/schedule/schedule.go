// Package schedule runs periodic tasks, each on its own goroutine and timer.
// Every tick is scheduled from the start of the previous one, so time spent
// running a task does not accumulate as drift.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// ErrStarted is returned when adding a task to a running scheduler
var ErrStarted = errors.New("scheduler already started")

// ErrPeriod is returned for tasks with a period that is not positive
var ErrPeriod = errors.New("period must be positive")

// Task is run once per period, with the time its tick started
type Task func(now time.Time)

type entry struct {
	name   string
	period time.Duration
	task   Task
}

// Scheduler owns the timers for a set of periodic tasks
type Scheduler struct {
	*sync.Mutex

	clock clockwork.Clock

	entries []entry

	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New returns a scheduler using the real clock
func New() *Scheduler {
	return &Scheduler{
		Mutex: &sync.Mutex{},
		clock: clockwork.NewRealClock(),
	}
}

// WithClock sets the clock that drives the timers
func (s *Scheduler) WithClock(clock clockwork.Clock) *Scheduler {
	s.Lock()
	defer s.Unlock()
	s.clock = clock
	return s
}

// Every adds a task to run once per period after Start
func (s *Scheduler) Every(name string, period time.Duration, task Task) error {

	if period <= 0 {
		return ErrPeriod
	}

	s.Lock()
	defer s.Unlock()

	if s.cancel != nil {
		return ErrStarted
	}

	s.entries = append(s.entries, entry{name: name, period: period, task: task})

	return nil
}

// Start runs every task until ctx is cancelled or Stop is called
func (s *Scheduler) Start(ctx context.Context) {

	s.Lock()
	defer s.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.run(ctx, e)
	}

	log.WithField("tasks", len(s.entries)).Debug("scheduler started")
}

// Stop cancels every task and waits for any that are running to return
func (s *Scheduler) Stop() {

	s.Lock()
	cancel := s.cancel
	s.Unlock()

	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, e entry) {

	defer s.wg.Done()

	timer := s.clock.NewTimer(e.period)
	defer timer.Stop()

	for {
		select {

		case <-ctx.Done():
			log.WithField("task", e.name).Trace("task stopped")
			return

		case <-timer.Chan():

			start := s.clock.Now()

			e.task(start)

			// fires at once when the task overran its period
			timer.Reset(start.Add(e.period).Sub(s.clock.Now()))
		}
	}
}
