package liveness

import (
	"bufio"
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/hub"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
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

type closed struct {
	code   int
	reason string
}

// fakeConns answers pings only for ids in responsive
type fakeConns struct {
	sync.Mutex
	clock      clockwork.Clock
	conns      map[string]*hub.ConnInfo
	responsive map[string]bool
	pings      map[string]int
	closed     map[string]closed
}

func newFakeConns(clock clockwork.Clock) *fakeConns {
	return &fakeConns{
		clock:      clock,
		conns:      make(map[string]*hub.ConnInfo),
		responsive: make(map[string]bool),
		pings:      make(map[string]int),
		closed:     make(map[string]closed),
	}
}

func (f *fakeConns) add(id string, responsive bool) {
	f.Lock()
	defer f.Unlock()
	f.conns[id] = &hub.ConnInfo{ID: id, LastAck: f.clock.Now()}
	f.responsive[id] = responsive
}

func (f *fakeConns) Snapshot() []hub.ConnInfo {
	f.Lock()
	defer f.Unlock()
	s := []hub.ConnInfo{}
	for _, c := range f.conns {
		s = append(s, *c)
	}
	return s
}

func (f *fakeConns) Ping(id string) bool {
	f.Lock()
	defer f.Unlock()
	c, ok := f.conns[id]
	if !ok {
		return false
	}
	f.pings[id]++
	c.AwaitingPong = true
	if f.responsive[id] {
		c.LastAck = f.clock.Now()
		c.AwaitingPong = false
	}
	return true
}

func (f *fakeConns) CloseWithCode(id string, code int, reason string) bool {
	f.Lock()
	defer f.Unlock()
	if _, ok := f.conns[id]; !ok {
		return false
	}
	delete(f.conns, id)
	f.closed[id] = closed{code, reason}
	return true
}

func TestSilentClientTimedOutWithinThreeIntervals(t *testing.T) {

	clock := clockwork.NewFakeClock()
	conns := newFakeConns(clock)

	interval := 30 * time.Second

	m := New(conns).WithInterval(interval)
	assert.Equal(t, interval, m.Interval())

	t0 := clock.Now()
	conns.add("silent", false)
	conns.add("chatty", true)

	var closedAt time.Time

	for i := 0; i < 5; i++ {
		clock.Advance(interval)
		r := m.Check(clock.Now())
		if r.TimedOut > 0 && closedAt.IsZero() {
			closedAt = clock.Now()
		}
	}

	conns.Lock()
	defer conns.Unlock()

	assert.Equal(t, closed{hub.CloseHeartbeatTimeout, "heartbeat timeout"}, conns.closed["silent"])
	assert.LessOrEqual(t, closedAt.Sub(t0), 3*interval)
	assert.Greater(t, closedAt.Sub(t0), 2*interval)
	assert.Equal(t, 2, conns.pings["silent"])

	_, ok := conns.closed["chatty"]
	assert.False(t, ok)
	assert.Equal(t, 5, conns.pings["chatty"])
}

func TestExactlyTwoIntervalsIsNotATimeout(t *testing.T) {

	clock := clockwork.NewFakeClock()
	conns := newFakeConns(clock)

	m := New(conns).WithInterval(time.Second)

	conns.add("a", false)

	clock.Advance(2 * time.Second)

	r := m.Check(clock.Now())
	assert.Equal(t, Result{Pinged: 1}, r)

	clock.Advance(time.Millisecond)

	r = m.Check(clock.Now())
	assert.Equal(t, Result{TimedOut: 1}, r)
}

func TestBrokenConnectionsClosed(t *testing.T) {

	clock := clockwork.NewFakeClock()
	conns := newFakeConns(clock)

	conns.add("b", true)
	conns.Lock()
	conns.conns["b"].Broken = true
	conns.Unlock()

	r := New(conns).Check(clock.Now())

	assert.Equal(t, Result{Broken: 1}, r)

	conns.Lock()
	defer conns.Unlock()
	assert.Equal(t, closed{hub.CloseDeliveryFailure, "delivery failure"}, conns.closed["b"])
	assert.Zero(t, conns.pings["b"])
}
