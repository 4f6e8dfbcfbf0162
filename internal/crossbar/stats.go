package crossbar

import (
	"runtime"
	"time"

	"github.com/practable/dispatch/internal/chanstats"
	"github.com/practable/dispatch/internal/frame"
	log "github.com/sirupsen/logrus"
)

// Stats is a snapshot of the whole engine
type Stats struct {
	StartedAt      time.Time    `json:"startedAt"`
	Uptime         string       `json:"uptime"`
	Connections    int          `json:"connections"`
	Channels       int          `json:"channels"`
	LimiterEntries int          `json:"limiterEntries"`
	Queue          QueueStats   `json:"queue"`
	Frame          frame.Stats  `json:"frame"`
	Process        ProcessStats `json:"process"`
}

// QueueStats describes the outbound queue
type QueueStats struct {
	Depth   int    `json:"depth"`
	Dropped uint64 `json:"dropped"`
}

// ProcessStats describes the server process
type ProcessStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSS        uint64  `json:"rss"`
	Goroutines int     `json:"goroutines"`
}

// ConnectionStats answers a client's get_stats request
type ConnectionStats struct {
	Server         Stats             `json:"server"`
	Connection     *chanstats.Report `json:"connection,omitempty"`
	Subscriptions  []string          `json:"subscriptions"`
	RecentMessages int               `json:"recentMessages"`
}

// Stats returns a snapshot of the engine's statistics
func (e *Engine) Stats() Stats {

	now := e.clock.Now()

	return Stats{
		StartedAt:      e.startedAt,
		Uptime:         now.Sub(e.startedAt).Round(time.Second).String(),
		Connections:    e.hub.Count(),
		Channels:       len(e.registry.Channels()),
		LimiterEntries: e.limiter.Size(),
		Queue: QueueStats{
			Depth:   e.queue.Len(),
			Dropped: e.queue.Dropped(),
		},
		Frame:   e.loop.Stats(),
		Process: e.processStats(),
	}
}

func (e *Engine) processStats() ProcessStats {

	ps := ProcessStats{Goroutines: runtime.NumGoroutine()}

	if e.process == nil {
		return ps
	}

	if cpu, err := e.process.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	} else {
		log.WithField("error", err).Debug("could not read cpu usage")
	}

	if mem, err := e.process.MemoryInfo(); err == nil {
		ps.RSS = mem.RSS
	} else {
		log.WithField("error", err).Debug("could not read memory usage")
	}

	return ps
}

func (e *Engine) connectionStats(id string) any {

	cs := ConnectionStats{
		Server:         e.Stats(),
		Subscriptions:  e.registry.ChannelsFor(id),
		RecentMessages: e.limiter.Count(id),
	}

	if report, err := e.hub.Report(id); err == nil {
		cs.Connection = report
	}

	return cs
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
