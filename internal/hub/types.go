package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/practable/dispatch/internal/chanstats"
)

// Close codes sent to clients, in addition to the standard ones
const (
	// CloseCapacity refuses a connection when the hub is full
	CloseCapacity = websocket.CloseTryAgainLater

	// CloseShutdown is sent to every connection when the server stops
	CloseShutdown = websocket.CloseGoingAway

	// CloseHeartbeatTimeout is sent when a client stops answering pings
	CloseHeartbeatTimeout = 4001

	// CloseDeliveryFailure is sent when outbound messages could not be delivered
	CloseDeliveryFailure = 4002
)

// ErrCapacity is returned by Accept when MaxConnections are already open
var ErrCapacity = errors.New("maximum connections reached")

// ErrNotFound is returned when no open connection has the given id
var ErrNotFound = errors.New("connection not found")

// ErrClosing is returned by Accept once the hub has started shutting down
var ErrClosing = errors.New("hub is closing")

// Transport is the subset of *websocket.Conn the hub needs.
// WriteControl and Close may be called concurrently with the other methods.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// State is a connection's position in its lifecycle
type State int32

// Connecting, Open, Closing and Closed are the connection states.
// Connections only move forward through them.
const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Info describes where a connection came from
type Info struct {
	RemoteAddr string
	UserAgent  string
}

// Conn is one client connection. Its writer goroutine is the only writer
// of data frames to the transport.
type Conn struct {
	id string

	transport Transport

	info Info

	createdAt time.Time

	state atomic.Int32

	// buffered outbound messages, never closed
	send chan []byte

	// pending ping request, capacity one
	ping chan struct{}

	// closed when the connection is closing
	done chan struct{}

	closeOnce sync.Once

	// mu guards the liveness fields below
	mu sync.Mutex

	lastActivity time.Time

	lastAck time.Time

	awaitingPong bool

	// broken is set when an outbound message could not be delivered
	broken bool

	stats *chanstats.ChanStats

	// set once, before done is closed
	closeCode   int
	closeReason string
}

// State returns the connection's current state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// ConnInfo is a point-in-time copy of a connection's metadata
type ConnInfo struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	RemoteAddr   string    `json:"remoteAddr"`
	UserAgent    string    `json:"userAgent"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	LastAck      time.Time `json:"lastHeartbeatAck"`
	AwaitingPong bool      `json:"awaitingPong"`
	Broken       bool      `json:"broken"`
	RxMessages   uint64    `json:"rxMessages"`
	RxBytes      uint64    `json:"rxBytes"`
	TxMessages   uint64    `json:"txMessages"`
	TxBytes      uint64    `json:"txBytes"`
}
