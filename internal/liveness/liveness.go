// Package liveness pings connections and closes those that stop answering
package liveness

import (
	"time"

	"github.com/practable/dispatch/internal/hub"
	log "github.com/sirupsen/logrus"
)

// Connections is what the monitor needs from the hub
type Connections interface {
	Snapshot() []hub.ConnInfo
	Ping(id string) bool
	CloseWithCode(id string, code int, reason string) bool
}

// Result counts what one check did
type Result struct {
	Pinged   int
	TimedOut int
	Broken   int
}

// Monitor is the only component that disconnects unresponsive clients
type Monitor struct {
	conns Connections

	interval time.Duration
}

// New returns a monitor with a 30 second heartbeat interval
func New(conns Connections) *Monitor {
	return &Monitor{
		conns:    conns,
		interval: 30 * time.Second,
	}
}

// WithInterval sets the heartbeat interval. A connection is timed out when
// it has not acknowledged a heartbeat for more than twice the interval.
func (m *Monitor) WithInterval(interval time.Duration) *Monitor {
	m.interval = interval
	return m
}

// Interval returns the heartbeat interval
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Check visits every connection once. Broken connections are closed,
// silent ones are timed out, and the rest are pinged.
func (m *Monitor) Check(now time.Time) Result {

	var r Result

	timeout := 2 * m.interval

	for _, c := range m.conns.Snapshot() {

		switch {

		case c.Broken:
			if m.conns.CloseWithCode(c.ID, hub.CloseDeliveryFailure, "delivery failure") {
				r.Broken++
			}

		case now.Sub(c.LastAck) > timeout:
			if m.conns.CloseWithCode(c.ID, hub.CloseHeartbeatTimeout, "heartbeat timeout") {
				r.TimedOut++
				log.WithFields(log.Fields{"id": c.ID, "silentFor": now.Sub(c.LastAck).String()}).Info("heartbeat timeout")
			}

		default:
			if m.conns.Ping(c.ID) {
				r.Pinged++
			}
		}
	}

	if r.TimedOut+r.Broken > 0 {
		log.WithFields(log.Fields{"timedOut": r.TimedOut, "broken": r.Broken, "pinged": r.Pinged}).Debug("liveness check closed connections")
	}

	return r
}
