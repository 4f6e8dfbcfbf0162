/*
   chanstats calculates statistics for bidirectional message channels
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package chanstats

import (
	"math"
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// ChanStats represents recorded statistics for one connection.
// Rx is what the server received from the client, Tx what it sent.
type ChanStats struct {
	mu          sync.Mutex
	ConnectedAt time.Time
	Rx          Messages
	Tx          Messages
}

// Messages represents statistics for messages in one direction
type Messages struct {
	Last  time.Time
	Count uint64
	Total uint64
	Bytes *welford.Stats
	Dt    *welford.Stats
}

// Report represents statistics for a connection in serialisable form
type Report struct {
	Connected string  `json:"connected"`
	Tx        Details `json:"tx"`
	Rx        Details `json:"rx"`
}

// Details represents detailed statistics
type Details struct {
	Last       string       `json:"last"` //how long ago...
	Messages   uint64       `json:"messages"`
	TotalBytes uint64       `json:"totalBytes"`
	Bytes      WelfordStats `json:"bytes"`
	Dt         WelfordStats `json:"dt"`
}

// WelfordStats represents statistical values
type WelfordStats struct {
	Count    uint64  `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
	Variance float64 `json:"variance"`
}

// New returns a pointer to new ChanStats struct with statistics initialised
func New(connectedAt time.Time) *ChanStats {
	c := &ChanStats{}
	c.ConnectedAt = connectedAt
	c.Rx = Messages{Bytes: welford.New(), Dt: welford.New()}
	c.Tx = Messages{Bytes: welford.New(), Dt: welford.New()}
	return c
}

// RecordRx records a message of size bytes received at t
func (c *ChanStats) RecordRx(t time.Time, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rx.record(t, size, c.ConnectedAt)
}

// RecordTx records a message of size bytes sent at t
func (c *ChanStats) RecordTx(t time.Time, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tx.record(t, size, c.ConnectedAt)
}

// record is for use by ChanStats methods holding the lock already
func (m *Messages) record(t time.Time, size int, connectedAt time.Time) {
	since := m.Last
	if m.Count == 0 {
		since = connectedAt
	}
	m.Dt.Add(t.Sub(since).Seconds())
	m.Last = t
	m.Count++
	m.Total += uint64(size)
	m.Bytes.Add(float64(size))
}

// Totals returns the number of messages and bytes received and sent
func (c *ChanStats) Totals() (rxMessages, rxBytes, txMessages, txBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Rx.Count, c.Rx.Total, c.Tx.Count, c.Tx.Total
}

// NewReport represents a new report on channel statistics
func NewReport(s *ChanStats, now time.Time) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Report{
		Connected: s.ConnectedAt.UTC().Format(time.RFC3339),
		Rx:        *NewDetails(&s.Rx, now),
		Tx:        *NewDetails(&s.Tx, now),
	}
	return r
}

// NewDetails holds detailed information on channel statistics in one direction
func NewDetails(m *Messages, now time.Time) *Details {
	last := "never"
	if m.Count > 0 {
		last = now.Sub(m.Last).String()
	}
	d := &Details{
		Last:       last,
		Messages:   m.Count,
		TotalBytes: m.Total,
		Bytes:      *NewWelford(m.Bytes),
		Dt:         *NewWelford(m.Dt),
	}
	return d
}

// NewWelford initialises a new statistics structure
func NewWelford(w *welford.Stats) *WelfordStats {
	if w.Count() == 0 {
		return &WelfordStats{}
	}
	r := &WelfordStats{
		Count:    w.Count(),
		Min:      finite(w.Min()),
		Max:      finite(w.Max()),
		Mean:     finite(w.Mean()),
		Stddev:   finite(w.Stddev()),
		Variance: finite(w.Variance()),
	}
	return r

}

// finite replaces NaN and Inf, which json cannot encode, with zero
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
