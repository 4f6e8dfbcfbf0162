/*
monitor is a websocket client that checks the latency of messages
it publishes through a dispatch server, triggering a command if the
latency exceeds a threshold

Copyright (C) 2025 Timothy Drysdale <timothy.d.drysdale@gmail.com>

*/

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/practable/dispatch/internal/chanstats"
	"github.com/practable/dispatch/internal/file"
	"github.com/practable/dispatch/internal/queue"
	"github.com/practable/dispatch/internal/reconws"
	log "github.com/sirupsen/logrus"
)

// Config represents configuration options for a monitor
type Config struct {
	// API is the server's HTTP address, used to publish probes
	API string

	// URL is the server's websocket address, used to receive probes
	URL string

	// Channel carries the probes; it should have no other subscribers
	Channel string

	Command            string
	Interval           time.Duration
	LatencyThreshold   time.Duration
	NoRetriggerWithin  time.Duration
	ReconnectEvery     time.Duration
	TriggerAfterMisses int
}

// Probe is the message published on each interval
type Probe struct {
	Seq  uint64 `json:"seq"`
	Sent int64  `json:"sent"`
}

// Checker counts latency misses and decides when to trigger
type Checker struct {
	*sync.Mutex

	config Config

	trigger func() error

	misses int

	lastTrigger time.Time

	latency *welford.Stats

	triggered int
}

// NewChecker returns a Checker that runs config.Command when triggered
func NewChecker(config Config) *Checker {
	return &Checker{
		Mutex:   &sync.Mutex{},
		config:  config,
		trigger: func() error { return executeCommand(config.Command) },
		latency: welford.New(),
	}
}

// WithTrigger replaces the command run when the checker triggers
func (c *Checker) WithTrigger(trigger func() error) *Checker {
	c.Lock()
	defer c.Unlock()
	c.trigger = trigger
	return c
}

// Observe records the latency of a probe received at now, and
// reports whether it caused a trigger
func (c *Checker) Observe(latency time.Duration, now time.Time) bool {
	c.Lock()
	defer c.Unlock()

	c.latency.Add(latency.Seconds())

	// don't want to pollute logs with too much info, so use debug level
	log.Debugf("message latency: %s", latency.String())

	if latency <= c.config.LatencyThreshold {
		c.misses = 0
		return false
	}

	c.misses++
	log.Warnf("latency %s exceeds threshold %s (miss count %d)", latency.String(), c.config.LatencyThreshold.String(), c.misses)

	return c.maybeTrigger(now)
}

// Lost records a probe that never arrived as a miss
func (c *Checker) Lost(seq uint64, now time.Time) bool {
	c.Lock()
	defer c.Unlock()

	c.misses++
	log.Warnf("probe %d not received within %s (miss count %d)", seq, c.config.LatencyThreshold.String(), c.misses)

	return c.maybeTrigger(now)
}

// maybeTrigger is for use by Checker methods holding the lock already
func (c *Checker) maybeTrigger(now time.Time) bool {

	if c.misses < c.config.TriggerAfterMisses {
		return false
	}

	// avoid restarting the server immediately so it's not stuck forever in a start-up/restart loop
	if !c.lastTrigger.IsZero() && now.Sub(c.lastTrigger) < c.config.NoRetriggerWithin {
		log.Debugf("not triggering again within %s", c.config.NoRetriggerWithin)
		return false
	}

	c.misses = 0
	c.lastTrigger = now
	c.triggered++

	log.Infof("triggering command: %s", c.config.Command)

	trigger := c.trigger

	go func() {
		if err := trigger(); err != nil {
			log.Errorf("error executing command: %s", err.Error())
		}
	}()

	return true
}

// Stats returns the latencies observed so far, in seconds
func (c *Checker) Stats() chanstats.WelfordStats {
	c.Lock()
	defer c.Unlock()
	return *chanstats.NewWelford(c.latency)
}

// Triggered returns the number of times the checker has triggered
func (c *Checker) Triggered() int {
	c.Lock()
	defer c.Unlock()
	return c.triggered
}

// Monitor runs a dispatch latency monitor
func Monitor(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {
	log.Info("Starting dispatch monitor")

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-closed
		cancel()
	}()

	Run(ctx, config, NewChecker(config))
	log.Info("Dispatch monitor stopped")

	parentwg.Done()
}

// Run probes the server until ctx is done, starting afresh every
// ReconnectEvery
func Run(ctx context.Context, config Config, checker *Checker) {

	for {
		select {
		case <-ctx.Done():
			return
		default:
			subctx, cancel := context.WithTimeout(ctx, config.ReconnectEvery)

			err := runOnce(subctx, config, checker)
			cancel()

			if err != nil {
				log.Errorf("error running monitor iteration: %s", err.Error())
				select {
				case <-ctx.Done():
					return
				case <-time.After(30 * time.Second): //wait before retrying
				}
			}
		}
	}
}

func runOnce(ctx context.Context, config Config, checker *Checker) error {

	rx := reconws.New()

	if err := rx.Subscribe(config.Channel, nil); err != nil {
		return err
	}

	go rx.Reconnect(ctx, config.URL)

	select {
	case <-rx.Connected(): //wait for connection to be made
		log.Debug("rx connected to dispatch")
	case <-ctx.Done():
		return nil
	case <-time.After(time.Minute):
		return errors.New("timeout connecting to dispatch")
	}

	var mu sync.Mutex
	pending := make(map[uint64]time.Time)

	publisher := file.NewHTTPPublisher(config.API)

	// send probes on a loop, counting those that never arrived
	go func() {
		var seq uint64

		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:

				mu.Lock()
				for s, sent := range pending {
					if now.Sub(sent) > config.LatencyThreshold+config.Interval {
						delete(pending, s)
						checker.Lost(s, now)
					}
				}
				seq++
				pending[seq] = now
				mu.Unlock()

				if err := publish(ctx, publisher, config.Channel, Probe{Seq: seq, Sent: now.UnixNano()}); err != nil {
					log.Warnf("could not publish probe: %s", err.Error())
					continue
				}
				log.Trace("tx sent probe")
			}
		}
	}()

	// receive probes in a loop, and check and log the latency
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-rx.In:

			var m struct {
				Type    string `json:"type"`
				Channel string `json:"channel"`
				Payload Probe  `json:"payload"`
			}

			if err := json.Unmarshal(msg.Data, &m); err != nil {
				log.Warnf("rx received unparseable message: %s", err.Error())
				continue
			}

			if m.Type != "message" || m.Channel != config.Channel {
				continue
			}

			mu.Lock()
			_, ok := pending[m.Payload.Seq]
			delete(pending, m.Payload.Seq)
			mu.Unlock()

			if !ok {
				// already counted as lost
				continue
			}

			now := time.Now()
			checker.Observe(now.Sub(time.Unix(0, m.Payload.Sent)), now)
		}
	}
}

func publish(ctx context.Context, p *file.HTTPPublisher, channel string, probe Probe) error {

	body, err := json.Marshal(probe)
	if err != nil {
		return err
	}

	return p.Publish(ctx, channel, queue.High, body)
}

// could mock this for testing, but easier to get it to touch a file in the current dir
func executeCommand(cmd string) error {
	// variable expansion first
	expanded := os.ExpandEnv(cmd)
	args := strings.Fields(expanded)
	if len(args) == 0 {
		return errors.New("no command to execute")
	}
	log.Info("executing command: " + expanded)
	c := exec.Command(args[0], args[1:]...)
	return c.Run()
}
