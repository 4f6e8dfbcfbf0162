package crossbar

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config represents configuration options for a dispatch engine.
// Use this struct to pass configuration as argument during testing.
type Config struct {

	// Host is the interface to listen on
	Host string

	// Port is the listening port
	Port int

	// Path is where websocket clients connect
	Path string

	// MaxConnections limits simultaneous websocket connections
	MaxConnections int

	// FrameBudget is the length of each delivery frame
	FrameBudget time.Duration

	// MaxMessageSize is the largest message accepted from a client, in bytes
	MaxMessageSize int64

	// HeartbeatInterval is how often clients are pinged; clients silent for
	// twice this long are disconnected
	HeartbeatInterval time.Duration

	// MaxMessagesPerSecond limits messages from each client
	MaxMessagesPerSecond int

	// QueueDepth limits entries awaiting delivery
	QueueDepth int

	// SendBuffer is the number of outbound messages buffered per connection
	SendBuffer int

	// MaxSubscriptions limits the channels each connection may join
	MaxSubscriptions int

	// FlushOnShutdown delivers queued entries before closing connections,
	// instead of dropping them
	FlushOnShutdown bool

	// WriteWait is the time allowed for each write to a client
	WriteWait time.Duration

	// Clock drives frames, heartbeats and timestamps
	Clock clockwork.Clock
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 8090,
		Path:                 "/ws",
		MaxConnections:       1000,
		FrameBudget:          MillisecondsToDuration(16.67),
		MaxMessageSize:       64 * 1024,
		HeartbeatInterval:    30 * time.Second,
		MaxMessagesPerSecond: 100,
		QueueDepth:           10000,
		SendBuffer:           256,
		MaxSubscriptions:     64,
		FlushOnShutdown:      true,
		WriteWait:            10 * time.Second,
		Clock:                clockwork.NewRealClock(),
	}
}

// MillisecondsToDuration converts a possibly fractional number of
// milliseconds, as used in configuration, to a time.Duration
func MillisecondsToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// WithHost sets the interface to listen on
func (c *Config) WithHost(host string) *Config {
	c.Host = host
	return c
}

// WithPort specifies which port to listen on
func (c *Config) WithPort(port int) *Config {
	c.Port = port
	return c
}

// WithPath sets where websocket clients connect
func (c *Config) WithPath(path string) *Config {
	c.Path = path
	return c
}

// WithMaxConnections limits simultaneous connections
func (c *Config) WithMaxConnections(n int) *Config {
	c.MaxConnections = n
	return c
}

// WithFrameBudget sets the frame length
func (c *Config) WithFrameBudget(d time.Duration) *Config {
	c.FrameBudget = d
	return c
}

// WithMaxMessageSize sets the largest message accepted from a client
func (c *Config) WithMaxMessageSize(n int64) *Config {
	c.MaxMessageSize = n
	return c
}

// WithHeartbeatInterval sets how often clients are pinged
func (c *Config) WithHeartbeatInterval(d time.Duration) *Config {
	c.HeartbeatInterval = d
	return c
}

// WithMaxMessagesPerSecond limits messages from each client
func (c *Config) WithMaxMessagesPerSecond(n int) *Config {
	c.MaxMessagesPerSecond = n
	return c
}

// WithQueueDepth limits entries awaiting delivery
func (c *Config) WithQueueDepth(n int) *Config {
	c.QueueDepth = n
	return c
}

// WithSendBuffer sets the outbound buffer of each connection
func (c *Config) WithSendBuffer(n int) *Config {
	c.SendBuffer = n
	return c
}

// WithMaxSubscriptions limits the channels each connection may join
func (c *Config) WithMaxSubscriptions(n int) *Config {
	c.MaxSubscriptions = n
	return c
}

// WithFlushOnShutdown sets whether queued entries are delivered at shutdown
func (c *Config) WithFlushOnShutdown(flush bool) *Config {
	c.FlushOnShutdown = flush
	return c
}

// WithWriteWait sets the time allowed for each write to a client
func (c *Config) WithWriteWait(d time.Duration) *Config {
	c.WriteWait = d
	return c
}

// WithClock sets the clock
func (c *Config) WithClock(clock clockwork.Clock) *Config {
	c.Clock = clock
	return c
}

// Addr returns host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports the first problem with the configuration
func (c *Config) Validate() error {

	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.Path == "" || c.Path[0] != '/':
		return fmt.Errorf("path %q must start with /", c.Path)
	case c.MaxConnections < 1:
		return errors.New("maxConnections must be at least 1")
	case c.FrameBudget <= 0:
		return errors.New("frameBudget must be positive")
	case c.MaxMessageSize < 1:
		return errors.New("maxMessageSize must be at least 1")
	case c.HeartbeatInterval <= 0:
		return errors.New("heartbeatInterval must be positive")
	case c.MaxMessagesPerSecond < 1:
		return errors.New("maxMessagesPerSecond must be at least 1")
	case c.QueueDepth < 0:
		return errors.New("queueDepth must not be negative")
	case c.SendBuffer < 1:
		return errors.New("sendBuffer must be at least 1")
	case c.MaxSubscriptions < 0:
		return errors.New("maxSubscriptions must not be negative")
	case c.WriteWait <= 0:
		return errors.New("writeWait must be positive")
	case c.Clock == nil:
		return errors.New("clock must be set")
	}

	return nil
}
