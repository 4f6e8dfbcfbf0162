package schedule

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
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

func receive(t *testing.T, ticks chan time.Time) time.Time {
	t.Helper()
	select {
	case now := <-ticks:
		return now
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick")
	}
	return time.Time{}
}

func waitForTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestTicksOncePerPeriod(t *testing.T) {

	clock := clockwork.NewFakeClock()
	t0 := clock.Now()

	ticks := make(chan time.Time, 10)

	s := New().WithClock(clock)
	require.NoError(t, s.Every("frame", 10*time.Millisecond, func(now time.Time) { ticks <- now }))

	s.Start(context.Background())
	defer s.Stop()

	for i := 1; i <= 3; i++ {
		waitForTimer(t, clock)
		clock.Advance(10 * time.Millisecond)
		assert.Equal(t, time.Duration(i)*10*time.Millisecond, receive(t, ticks).Sub(t0))
	}
}

func TestSlowTaskDoesNotDrift(t *testing.T) {

	clock := clockwork.NewFakeClock()
	t0 := clock.Now()

	ticks := make(chan time.Time, 10)

	s := New().WithClock(clock)
	require.NoError(t, s.Every("frame", 10*time.Millisecond, func(now time.Time) {
		clock.Advance(4 * time.Millisecond) // work
		ticks <- now
	}))

	s.Start(context.Background())
	defer s.Stop()

	waitForTimer(t, clock)
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, receive(t, ticks).Sub(t0))

	// 14ms now, next tick due at 20ms
	waitForTimer(t, clock)
	clock.Advance(6 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, receive(t, ticks).Sub(t0))
}

func TestOverrunTicksImmediately(t *testing.T) {

	clock := clockwork.NewFakeClock()
	t0 := clock.Now()

	ticks := make(chan time.Time, 10)

	var first atomic.Bool
	first.Store(true)

	s := New().WithClock(clock)
	require.NoError(t, s.Every("frame", 10*time.Millisecond, func(now time.Time) {
		if first.Swap(false) {
			clock.Advance(15 * time.Millisecond)
		}
		ticks <- now
	}))

	s.Start(context.Background())
	defer s.Stop()

	waitForTimer(t, clock)
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, receive(t, ticks).Sub(t0))

	// overran to 25ms, so the next tick starts without waiting
	assert.Equal(t, 25*time.Millisecond, receive(t, ticks).Sub(t0))
}

func TestEveryValidation(t *testing.T) {

	s := New()

	assert.ErrorIs(t, s.Every("zero", 0, func(time.Time) {}), ErrPeriod)
	assert.NoError(t, s.Every("ok", time.Hour, func(time.Time) {}))

	s.Start(context.Background())

	assert.ErrorIs(t, s.Every("late", time.Hour, func(time.Time) {}), ErrStarted)

	s.Stop()
	s.Stop()
}

func TestStopWaitsForRunningTask(t *testing.T) {

	clock := clockwork.NewFakeClock()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	s := New().WithClock(clock)
	require.NoError(t, s.Every("slow", time.Second, func(time.Time) {
		close(started)
		<-release
		finished.Store(true)
	}))

	s.Start(context.Background())

	waitForTimer(t, clock)
	clock.Advance(time.Second)
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while the task was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}

	assert.True(t, finished.Load())
}
