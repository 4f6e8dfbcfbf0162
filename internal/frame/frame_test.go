package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/queue"
	"github.com/practable/dispatch/internal/registry"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Setup logging
	debug := false

	if debug {
		log.SetLevel(log.TraceLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		defer log.SetOutput(os.Stdout)

	} else {
		var ignore bytes.Buffer
		logignore := bufio.NewWriter(&ignore)
		log.SetOutput(logignore)
	}

	exitVal := m.Run()

	os.Exit(exitVal)
}

// fakeSender records what it is sent, and takes cost of fake time per call
type fakeSender struct {
	sync.Mutex
	clock *clockwork.FakeClock
	cost  time.Duration
	// ids listed here refuse every message
	refuse map[string]bool
	sent   []string
}

func (f *fakeSender) Broadcast(ids []string, data []byte) int {
	f.Lock()
	defer f.Unlock()
	f.clock.Advance(f.cost)
	n := 0
	for _, id := range ids {
		if f.refuse[id] {
			continue
		}
		n++
	}
	f.sent = append(f.sent, string(data))
	return n
}

func rawEncoder(e queue.Entry) ([]byte, error) {
	return e.Payload, nil
}

type setup struct {
	clock  *clockwork.FakeClock
	q      *queue.Queue
	r      *registry.Store
	sender *fakeSender
	loop   *Loop
}

func newSetup(cost time.Duration) *setup {
	clock := clockwork.NewFakeClock()
	s := &setup{
		clock:  clock,
		q:      queue.New().WithClock(clock),
		r:      registry.New(),
		sender: &fakeSender{clock: clock, cost: cost, refuse: map[string]bool{}},
	}
	s.loop = New(s.q, s.r, s.sender, rawEncoder).WithClock(clock).WithBudget(10 * time.Millisecond)
	return s
}

func TestFrameStopsAtSoftDeadline(t *testing.T) {

	s := newSetup(time.Millisecond)

	require.NoError(t, s.r.Subscribe("a", "metrics", nil))

	for i := 0; i < 20; i++ {
		require.NoError(t, s.q.Enqueue("metrics", i, queue.Normal))
	}

	r := s.loop.Tick(s.clock.Now())

	// 8ms of a 10ms budget at 1ms per entry
	assert.Equal(t, 8, r.Entries)
	assert.Equal(t, 8, r.Delivered)
	assert.Equal(t, 12, r.Remaining)
	assert.False(t, r.Overrun)
	assert.LessOrEqual(t, r.Duration, s.loop.Budget())

	stats := s.loop.Stats()
	assert.Equal(t, uint64(1), stats.Frames)
	assert.Equal(t, uint64(8), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Overruns)
	assert.Equal(t, 8.0, stats.LastMs)
	assert.InDelta(t, 0.8, stats.AverageMs, 1e-9)
	assert.Equal(t, 10.0, stats.BudgetMs)

	// leftovers carry over in order
	r = s.loop.Tick(s.clock.Now())
	assert.Equal(t, 8, r.Entries)
	assert.Equal(t, `8`, s.sender.sent[8])
}

func TestOverrunCountedAndReported(t *testing.T) {

	s := newSetup(15 * time.Millisecond)

	var overruns []Overrun
	s.loop.WithOnOverrun(func(o Overrun) { overruns = append(overruns, o) })

	require.NoError(t, s.r.Subscribe("a", "alerts", nil))
	require.NoError(t, s.q.Enqueue("alerts", "slow", queue.High))
	require.NoError(t, s.q.Enqueue("alerts", "next", queue.High))

	start := s.clock.Now()
	r := s.loop.Tick(start)

	assert.True(t, r.Overrun)
	assert.Equal(t, 1, r.Entries)

	require.Len(t, overruns, 1)
	assert.Equal(t, Overrun{Start: start, Duration: 15 * time.Millisecond, Budget: 10 * time.Millisecond, Remaining: 1}, overruns[0])

	assert.Equal(t, uint64(1), s.loop.Stats().Overruns)
}

func TestPriorityOrderAcrossFrame(t *testing.T) {

	s := newSetup(0)

	require.NoError(t, s.r.Subscribe("a", "metrics", nil))

	require.NoError(t, s.q.Enqueue("metrics", "low", queue.Low))
	require.NoError(t, s.q.Enqueue("metrics", "high", queue.High))
	require.NoError(t, s.q.Enqueue("metrics", "normal", queue.Normal))

	s.loop.Tick(s.clock.Now())

	assert.Equal(t, []string{`"high"`, `"normal"`, `"low"`}, s.sender.sent)
}

func TestNoSubscribersConsumesEntry(t *testing.T) {

	s := newSetup(0)

	require.NoError(t, s.q.Enqueue("nobody", 1, queue.Normal))

	r := s.loop.Tick(s.clock.Now())

	assert.Equal(t, 1, r.Entries)
	assert.Equal(t, 0, r.Delivered)
	assert.Equal(t, 0, s.q.Len())
	assert.Empty(t, s.sender.sent)
}

func TestFailedDeliveriesCounted(t *testing.T) {

	s := newSetup(0)

	s.sender.refuse["b"] = true

	require.NoError(t, s.r.Subscribe("a", "c", nil))
	require.NoError(t, s.r.Subscribe("b", "c", nil))
	require.NoError(t, s.q.Enqueue("c", 1, queue.Normal))

	r := s.loop.Tick(s.clock.Now())

	assert.Equal(t, 1, r.Delivered)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, uint64(1), s.loop.Stats().DeliveryErrors)
}

type panicky struct {
	*registry.Store
}

func (p panicky) SubscribersFor(channel string, fields map[string]any) []string {
	if channel == "bad" {
		panic("broken filter")
	}
	return p.Store.SubscribersFor(channel, fields)
}

func TestPanicDoesNotStopFrame(t *testing.T) {

	s := newSetup(0)

	require.NoError(t, s.r.Subscribe("a", "good", nil))

	loop := New(s.q, panicky{s.r}, s.sender, rawEncoder).WithClock(s.clock)

	require.NoError(t, s.q.Enqueue("bad", 1, queue.High))
	require.NoError(t, s.q.Enqueue("good", 2, queue.Normal))

	r := loop.Tick(s.clock.Now())

	assert.Equal(t, 2, r.Entries)
	assert.Equal(t, 1, r.Delivered)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, []string{"2"}, s.sender.sent)
}

func TestEncodeErrorCounted(t *testing.T) {

	s := newSetup(0)

	loop := New(s.q, s.r, s.sender, func(queue.Entry) ([]byte, error) {
		return nil, errors.New("cannot encode")
	}).WithClock(s.clock)

	require.NoError(t, s.r.Subscribe("a", "c", nil))
	require.NoError(t, s.r.Subscribe("b", "c", nil))
	require.NoError(t, s.q.Enqueue("c", 1, queue.Normal))

	r := loop.Tick(s.clock.Now())

	assert.Equal(t, 2, r.Failed)
	assert.Empty(t, s.sender.sent)
}

func TestFilteredDelivery(t *testing.T) {

	s := newSetup(0)

	f, err := registry.ParseFilter(map[string]any{"severity": "critical"})
	require.NoError(t, err)

	require.NoError(t, s.r.Subscribe("critical-only", "alerts", f))
	require.NoError(t, s.r.Subscribe("everything", "alerts", nil))

	require.NoError(t, s.q.Enqueue("alerts", map[string]any{"severity": "info"}, queue.Normal))
	require.NoError(t, s.q.Enqueue("alerts", map[string]any{"severity": "critical"}, queue.Normal))

	r := s.loop.Tick(s.clock.Now())

	assert.Equal(t, 3, r.Delivered)
}

func TestFlushIgnoresBudget(t *testing.T) {

	s := newSetup(5 * time.Millisecond)

	require.NoError(t, s.r.Subscribe("a", "c", nil))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.q.Enqueue("c", i, queue.Low))
	}

	r := s.loop.Flush()

	assert.Equal(t, 10, r.Delivered)
	assert.Equal(t, 0, s.q.Len())

	stats := s.loop.Stats()
	assert.Equal(t, uint64(0), stats.Frames)
	assert.Equal(t, uint64(10), stats.Delivered)
}

func TestPruneRunsEachFrame(t *testing.T) {

	s := newSetup(0)

	// an empty channel left behind by direct map access
	s.r.Lock()
	s.r.SubscribersByChannel["stale"] = map[string]registry.Filter{}
	s.r.Unlock()

	s.loop.Tick(s.clock.Now())

	assert.Empty(t, s.r.Channels())
}

func TestStatsSerialise(t *testing.T) {

	s := newSetup(time.Millisecond)

	require.NoError(t, s.r.Subscribe("a", "c", nil))
	require.NoError(t, s.q.Enqueue("c", 1, queue.Normal))

	s.loop.Tick(s.clock.Now())
	s.loop.Tick(s.clock.Now())

	stats := s.loop.Stats()
	assert.Equal(t, uint64(2), stats.FrameMs.Count)
	assert.Equal(t, 1.0, stats.FrameMs.Max)
	assert.Equal(t, 0.0, stats.FrameMs.Min)

	b, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"overruns":0`)
}

func TestFrameAtBudgetIsNotOverrun(t *testing.T) {

	tests := map[string]struct {
		cost    time.Duration
		overrun bool
	}{
		"under":   {9 * time.Millisecond, false},
		"exactly": {10 * time.Millisecond, false},
		"over":    {10*time.Millisecond + time.Microsecond, true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {

			s := newSetup(tc.cost)

			require.NoError(t, s.r.Subscribe("a", "c", nil))
			require.NoError(t, s.q.Enqueue("c", 1, queue.Normal))

			r := s.loop.Tick(s.clock.Now())

			assert.Equal(t, tc.cost, r.Duration)
			assert.Equal(t, tc.overrun, r.Overrun)

			if tc.overrun {
				assert.Equal(t, uint64(1), s.loop.Stats().Overruns)
			} else {
				assert.Equal(t, uint64(0), s.loop.Stats().Overruns)
			}
		})
	}
}

// loadSender makes every seventeenth delivery slower than the rest
type loadSender struct {
	*fakeSender
	calls int
}

func (l *loadSender) Broadcast(ids []string, data []byte) int {
	l.calls++
	if l.calls%17 == 0 {
		l.clock.Advance(2 * time.Millisecond)
	}
	return l.fakeSender.Broadcast(ids, data)
}

func TestFramesWithinBudgetBelowCapacity(t *testing.T) {

	s := newSetup(time.Millisecond)

	sender := &loadSender{fakeSender: s.sender}
	loop := New(s.q, s.r, sender, rawEncoder).WithClock(s.clock).WithBudget(10 * time.Millisecond)

	require.NoError(t, s.r.Subscribe("a", "metrics", nil))
	require.NoError(t, s.r.Subscribe("b", "metrics", nil))

	frames := 200
	within := 0
	enqueued := 0

	for i := 0; i < frames; i++ {

		start := s.clock.Now()

		// between two and six entries a frame, mixed priorities
		for j := 0; j < 2+i%5; j++ {
			require.NoError(t, s.q.Enqueue("metrics", enqueued, queue.Priority(j%3)))
			enqueued++
		}

		r := loop.Tick(start)

		if !r.Overrun {
			within++
		}

		if elapsed := s.clock.Since(start); elapsed < loop.Budget() {
			s.clock.Advance(loop.Budget() - elapsed)
		}
	}

	assert.GreaterOrEqual(t, float64(within)/float64(frames), 0.95)

	stats := loop.Stats()
	assert.Equal(t, uint64(frames), stats.Frames)
	assert.Equal(t, uint64(frames-within), stats.Overruns)
	assert.LessOrEqual(t, stats.FrameMs.Max, 10.0)
	assert.Equal(t, 0, s.q.Len(), "load below capacity does not build a backlog")
	assert.Equal(t, uint64(2*enqueued), stats.Delivered)
}

// gatedSender holds its first broadcast until released
type gatedSender struct {
	*fakeSender
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSender) Broadcast(ids []string, data []byte) int {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeSender.Broadcast(ids, data)
}

func TestFlushWaitsForTick(t *testing.T) {

	s := newSetup(0)

	sender := &gatedSender{
		fakeSender: s.sender,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	loop := New(s.q, s.r, sender, rawEncoder).WithClock(s.clock).WithBudget(10 * time.Millisecond)

	require.NoError(t, s.r.Subscribe("a", "metrics", nil))
	require.NoError(t, s.q.Enqueue("metrics", "low", queue.Low))
	require.NoError(t, s.q.Enqueue("metrics", "high", queue.High))
	require.NoError(t, s.q.Enqueue("metrics", "normal", queue.Normal))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		loop.Tick(s.clock.Now())
	}()

	<-sender.entered

	flushed := make(chan Result, 1)

	go func() {
		defer wg.Done()
		flushed <- loop.Flush()
	}()

	// give an overlapping flush the chance to deliver out of turn
	time.Sleep(20 * time.Millisecond)

	s.sender.Lock()
	assert.Empty(t, s.sender.sent, "flush must not deliver while a frame is in progress")
	s.sender.Unlock()

	close(sender.release)
	wg.Wait()

	assert.Equal(t, []string{`"high"`, `"normal"`, `"low"`}, s.sender.sent)
	assert.Equal(t, 0, (<-flushed).Entries)
}
