// Package crossbar wires the dispatcher's components into an engine that
// accepts websocket subscribers and delivers producers' messages to them
// in budgeted frames
package crossbar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/frame"
	"github.com/practable/dispatch/internal/hub"
	"github.com/practable/dispatch/internal/limit"
	"github.com/practable/dispatch/internal/liveness"
	"github.com/practable/dispatch/internal/metrics"
	"github.com/practable/dispatch/internal/protocol"
	"github.com/practable/dispatch/internal/queue"
	"github.com/practable/dispatch/internal/registry"
	"github.com/practable/dispatch/internal/schedule"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
)

// ErrShuttingDown is returned by Enqueue once shutdown has begun
var ErrShuttingDown = errors.New("engine is shutting down")

// Engine owns every component of the dispatcher
type Engine struct {
	config Config

	clock clockwork.Clock

	hub *hub.Hub

	registry *registry.Store

	queue *queue.Queue

	limiter *limit.Limit

	loop *frame.Loop

	monitor *liveness.Monitor

	scheduler *schedule.Scheduler

	handler *protocol.Handler

	metrics *metrics.Metrics

	promRegistry *prometheus.Registry

	process *process.Process

	startedAt time.Time

	// hooks are read when called, so may be set any time before Start
	onControl func(protocol.ControlEvent)

	onOverrun func(frame.Overrun)

	closing atomic.Bool

	mu sync.Mutex

	server *http.Server

	listener net.Listener

	shutdownOnce sync.Once

	shutdownErr error
}

// New builds an engine from config. Nothing runs until Start.
func New(config Config) (*Engine, error) {

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clock := config.Clock

	e := &Engine{
		config:       config,
		clock:        clock,
		startedAt:    clock.Now(),
		promRegistry: metrics.NewRegistry(),
	}

	e.metrics = metrics.New(e.promRegistry)

	e.registry = registry.New().WithMaxPerID(config.MaxSubscriptions)

	e.queue = queue.New().
		WithMaxDepth(config.QueueDepth).
		WithClock(clock)

	e.metrics.WatchDropped(e.queue.Dropped)

	e.limiter = limit.New().
		WithMax(config.MaxMessagesPerSecond).
		WithWindow(time.Second).
		WithNow(clock.Now)

	e.hub = hub.New().
		WithMaxConnections(config.MaxConnections).
		WithSendBuffer(config.SendBuffer).
		WithMaxMessageSize(config.MaxMessageSize).
		WithWriteWait(config.WriteWait).
		WithClock(clock).
		WithOnConnect(e.connected).
		WithOnDisconnect(e.disconnected).
		WithOnReaderExit(e.limiter.Forget)

	e.handler = protocol.New(e.hub, e.registry, e.limiter).
		WithClock(clock).
		WithOnControl(e.control).
		WithOnError(func(code string) {
			e.metrics.ProtocolErrors.WithLabelValues(code).Inc()
		}).
		WithStats(e.connectionStats)

	e.hub.WithOnMessage(e.handler.Handle)

	e.loop = frame.New(e.queue, e.registry, e.hub, protocol.EncodeEntry).
		WithBudget(config.FrameBudget).
		WithClock(clock).
		WithObserver(e.metrics).
		WithOnOverrun(e.overrun)

	e.monitor = liveness.New(e.hub).WithInterval(config.HeartbeatInterval)

	e.scheduler = schedule.New().WithClock(clock)

	if err := e.scheduler.Every("frame", config.FrameBudget, func(now time.Time) { e.loop.Tick(now) }); err != nil {
		return nil, err
	}

	if err := e.scheduler.Every("heartbeat", config.HeartbeatInterval, func(now time.Time) { e.monitor.Check(now) }); err != nil {
		return nil, err
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithField("error", err).Warn("process statistics unavailable")
	}
	e.process = p

	return e, nil
}

// WithOnControl sets the hook that receives clients' control requests
func (e *Engine) WithOnControl(fn func(protocol.ControlEvent)) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onControl = fn
	return e
}

// WithOnOverrun sets a hook called for every frame that exceeds its budget
func (e *Engine) WithOnOverrun(fn func(frame.Overrun)) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onOverrun = fn
	return e
}

// Enqueue queues message for delivery to channel's subscribers. It is safe
// for concurrent use and never blocks.
func (e *Engine) Enqueue(channel string, message any, priority queue.Priority) error {

	if e.closing.Load() {
		return ErrShuttingDown
	}

	if err := e.queue.Enqueue(channel, message, priority); err != nil {
		return err
	}

	e.metrics.Enqueued.WithLabelValues(priority.String()).Inc()

	return nil
}

// Start runs the frame and heartbeat timers
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
	log.WithFields(log.Fields{"frameBudget": e.config.FrameBudget.String(), "heartbeat": e.config.HeartbeatInterval.String()}).Info("engine started")
}

// ListenAndServe serves websocket clients and the HTTP API on the configured
// address until Shutdown is called
func (e *Engine) ListenAndServe() error {

	ln, err := net.Listen("tcp", e.config.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", e.config.Addr(), err)
	}

	return e.Serve(ln)
}

// Serve serves on ln until Shutdown is called
func (e *Engine) Serve(ln net.Listener) error {

	e.mu.Lock()

	if e.closing.Load() {
		e.mu.Unlock()
		ln.Close()
		return ErrShuttingDown
	}

	e.listener = ln
	e.server = &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := e.server

	e.mu.Unlock()

	log.WithField("addr", ln.Addr().String()).Info("listening")

	err := srv.Serve(ln)

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Addr returns the address being served, or nil before Serve
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Shutdown stops accepting connections, flushes or drops the queue, closes
// every connection with a going-away code, then stops the timers. It waits
// for connection goroutines until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {

	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx)
	})

	return e.shutdownErr
}

func (e *Engine) shutdown(ctx context.Context) error {

	log.Info("shutting down")

	e.closing.Store(true)
	e.hub.StopAccepting()

	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()

	var errs []error

	if srv != nil {
		// hijacked websocket connections are not affected
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping http server: %w", err))
		}
	}

	if e.config.FlushOnShutdown {
		e.loop.Flush()
	} else {
		n := e.queue.Clear()
		log.WithField("entries", n).Info("dropped queue")
	}

	n := e.hub.CloseAll(hub.CloseShutdown, "server shutdown")
	log.WithField("connections", n).Info("closed connections")

	e.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		e.hub.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	log.Info("shutdown complete")

	return errors.Join(errs...)
}

// Crossbar runs an engine with config until closed is closed, then shuts it
// down and calls parentwg.Done()
func Crossbar(config Config, closed <-chan struct{}, parentwg *sync.WaitGroup) {

	defer parentwg.Done()

	e, err := New(config)
	if err != nil {
		log.WithField("error", err).Error("could not create engine")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.Start(ctx)

	served := make(chan error, 1)

	go func() {
		served <- e.ListenAndServe()
	}()

	select {
	case <-closed:
	case err := <-served:
		if err != nil {
			log.WithField("error", err).Error("server stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Error("shutdown incomplete")
	}
}

func (e *Engine) connected(id string, info hub.Info) {
	e.metrics.Connected()
}

func (e *Engine) disconnected(id, reason string) {
	e.registry.RemoveConnection(id)
	e.limiter.Forget(id)
	e.metrics.Disconnected(reason)
	log.WithFields(log.Fields{"id": id, "reason": reason}).Info("disconnected")
}

func (e *Engine) control(ev protocol.ControlEvent) {

	e.metrics.ControlEvents.Inc()

	e.mu.Lock()
	fn := e.onControl
	e.mu.Unlock()

	log.WithFields(log.Fields{"id": ev.ID, "action": ev.Action, "target": ev.Target}).Info("control request")

	if fn != nil {
		fn(ev)
	}
}

func (e *Engine) overrun(o frame.Overrun) {

	e.mu.Lock()
	fn := e.onOverrun
	e.mu.Unlock()

	if fn != nil {
		fn(o)
	}
}
