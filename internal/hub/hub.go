// Package hub keeps track of live client connections and moves bytes to and
// from them. Each connection has one reader and one writer goroutine; the
// writer is the only goroutine that writes data frames to the transport.
package hub

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/chanstats"
	log "github.com/sirupsen/logrus"
)

// Hub holds the open connections
type Hub struct {
	*sync.RWMutex

	conns map[string]*Conn

	maxConnections int

	sendBuffer int

	maxMessageSize int64

	writeWait time.Duration

	clock clockwork.Clock

	// called once per connection, before its pumps start
	onConnect func(id string, info Info)

	// called from the connection's reader goroutine
	onMessage func(id string, data []byte)

	// called once per connection, after its reader has returned
	onReaderExit func(id string)

	// called once per connection, after it has left the hub
	onDisconnect func(id, reason string)

	closing bool

	wg sync.WaitGroup
}

// New returns a Hub with default limits
func New() *Hub {
	return &Hub{
		RWMutex:        &sync.RWMutex{},
		conns:          make(map[string]*Conn),
		maxConnections: 1000,
		sendBuffer:     256,
		maxMessageSize: 64 * 1024,
		writeWait:      10 * time.Second,
		clock:          clockwork.NewRealClock(),
	}
}

// WithMaxConnections sets how many connections may be open at once
func (h *Hub) WithMaxConnections(n int) *Hub {
	h.Lock()
	defer h.Unlock()
	h.maxConnections = n
	return h
}

// WithSendBuffer sets how many outbound messages each connection buffers
func (h *Hub) WithSendBuffer(n int) *Hub {
	h.Lock()
	defer h.Unlock()
	h.sendBuffer = n
	return h
}

// WithMaxMessageSize sets the largest inbound message accepted, in bytes
func (h *Hub) WithMaxMessageSize(n int64) *Hub {
	h.Lock()
	defer h.Unlock()
	h.maxMessageSize = n
	return h
}

// WithWriteWait sets the time allowed for each write to the transport
func (h *Hub) WithWriteWait(d time.Duration) *Hub {
	h.Lock()
	defer h.Unlock()
	h.writeWait = d
	return h
}

// WithClock sets the clock used for activity and heartbeat timestamps
func (h *Hub) WithClock(clock clockwork.Clock) *Hub {
	h.Lock()
	defer h.Unlock()
	h.clock = clock
	return h
}

// WithOnConnect sets the hook run when a connection is accepted. It runs
// before the connection's pumps start, so it always precedes onDisconnect.
func (h *Hub) WithOnConnect(fn func(id string, info Info)) *Hub {
	h.Lock()
	defer h.Unlock()
	h.onConnect = fn
	return h
}

// WithOnMessage sets the handler for inbound messages
func (h *Hub) WithOnMessage(fn func(id string, data []byte)) *Hub {
	h.Lock()
	defer h.Unlock()
	h.onMessage = fn
	return h
}

// WithOnDisconnect sets the hook run after a connection closes
func (h *Hub) WithOnDisconnect(fn func(id, reason string)) *Hub {
	h.Lock()
	defer h.Unlock()
	h.onDisconnect = fn
	return h
}

// WithOnReaderExit sets the hook run after a connection's reader returns.
// No further onMessage call is made for that connection.
func (h *Hub) WithOnReaderExit(fn func(id string)) *Hub {
	h.Lock()
	defer h.Unlock()
	h.onReaderExit = fn
	return h
}

// Accept registers a new connection and starts its pumps. If the hub is
// full, or shutting down, the transport is sent a close frame and closed
// without being registered.
func (h *Hub) Accept(t Transport, info Info) (string, error) {

	h.Lock()

	if h.closing {
		h.Unlock()
		refuse(t, CloseShutdown, "server shutdown", h.writeWait)
		return "", ErrClosing
	}

	if h.maxConnections > 0 && len(h.conns) >= h.maxConnections {
		h.Unlock()
		log.WithFields(log.Fields{"remoteAddr": info.RemoteAddr, "max": h.maxConnections}).Warn("refusing connection at capacity")
		refuse(t, CloseCapacity, "capacity", h.writeWait)
		return "", ErrCapacity
	}

	now := h.clock.Now()

	c := &Conn{
		id:           uuid.New().String(),
		transport:    t,
		info:         info,
		createdAt:    now,
		send:         make(chan []byte, h.sendBuffer),
		ping:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: now,
		lastAck:      now,
		stats:        chanstats.New(now),
	}

	c.state.Store(int32(Connecting))

	h.conns[c.id] = c

	c.state.Store(int32(Open))

	h.wg.Add(2)

	onConnect := h.onConnect

	h.Unlock()

	if onConnect != nil {
		onConnect(c.id, info)
	}

	go h.writer(c)
	go h.reader(c)

	log.WithFields(log.Fields{"id": c.id, "remoteAddr": info.RemoteAddr}).Debug("connection accepted")

	return c.id, nil
}

func refuse(t Transport, code int, reason string, wait time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait)); err != nil {
		log.WithField("error", err).Debug("could not write close frame")
	}
	t.Close()
}

func (h *Hub) get(id string) *Conn {
	h.RLock()
	defer h.RUnlock()
	return h.conns[id]
}

// Send queues data for delivery to one connection. It never blocks; false
// means the connection is unknown, no longer open, or its buffer is full.
func (h *Hub) Send(id string, data []byte) bool {

	c := h.get(id)

	if c == nil || c.State() != Open {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Broadcast sends data to each id, returning how many accepted it.
// Open connections that could not accept it are marked broken, and closed by
// the next liveness check.
func (h *Hub) Broadcast(ids []string, data []byte) int {

	n := 0

	for _, id := range ids {
		if h.Send(id, data) {
			n++
			continue
		}
		if c := h.get(id); c != nil {
			c.mu.Lock()
			c.broken = true
			c.mu.Unlock()
			log.WithField("id", id).Debug("delivery failed, marked broken")
		}
	}

	return n
}

// Ping asks the connection's writer to send a ping control frame and marks
// the connection as awaiting a pong
func (h *Hub) Ping(id string) bool {

	c := h.get(id)

	if c == nil || c.State() != Open {
		return false
	}

	c.mu.Lock()
	c.awaitingPong = true
	c.mu.Unlock()

	select {
	case c.ping <- struct{}{}:
	default: // one already pending
	}

	return true
}

// MarkAlive records a heartbeat acknowledgement
func (h *Hub) MarkAlive(id string) {

	c := h.get(id)

	if c == nil {
		return
	}

	now := h.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAck = now
	c.lastActivity = now
	c.awaitingPong = false
}

// Close closes the connection with a normal closure code
func (h *Hub) Close(id, reason string) bool {
	return h.CloseWithCode(id, websocket.CloseNormalClosure, reason)
}

// CloseWithCode closes the connection, sending code and reason in the close
// frame. It returns false if the connection was not open. Calling it more
// than once is harmless.
func (h *Hub) CloseWithCode(id string, code int, reason string) bool {

	c := h.get(id)

	if c == nil {
		return false
	}

	return h.closeConn(c, code, reason)
}

// closeConn removes c from the hub and tells its writer to finish. The
// writer sends whatever is already buffered, then the close frame.
func (h *Hub) closeConn(c *Conn, code int, reason string) bool {

	first := false

	c.closeOnce.Do(func() {

		first = true

		c.closeCode = code
		c.closeReason = reason
		c.state.Store(int32(Closing))
		close(c.done)

		h.Lock()
		delete(h.conns, c.id)
		onDisconnect := h.onDisconnect
		h.Unlock()

		log.WithFields(log.Fields{"id": c.id, "code": code, "reason": reason}).Debug("connection closing")

		if onDisconnect != nil {
			onDisconnect(c.id, reason)
		}
	})

	return first
}

// StopAccepting makes Accept refuse every new connection
func (h *Hub) StopAccepting() {
	h.Lock()
	defer h.Unlock()
	h.closing = true
}

// CloseAll stops accepting new connections and closes every open one
func (h *Hub) CloseAll(code int, reason string) int {

	h.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.Unlock()

	n := 0

	for _, c := range conns {
		if h.closeConn(c, code, reason) {
			n++
		}
	}

	return n
}

// Wait blocks until every connection's pumps have exited
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.conns)
}

// Snapshot returns a copy of every open connection's metadata, sorted by id
func (h *Hub) Snapshot() []ConnInfo {

	h.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.RUnlock()

	infos := make([]ConnInfo, 0, len(conns))

	for _, c := range conns {
		infos = append(infos, c.snapshot())
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

// Report returns the traffic statistics of one connection
func (h *Hub) Report(id string) (*chanstats.Report, error) {

	c := h.get(id)

	if c == nil {
		return nil, ErrNotFound
	}

	return chanstats.NewReport(c.stats, h.clock.Now()), nil
}

func (c *Conn) snapshot() ConnInfo {

	rxm, rxb, txm, txb := c.stats.Totals()

	c.mu.Lock()
	defer c.mu.Unlock()

	return ConnInfo{
		ID:           c.id,
		State:        c.State().String(),
		RemoteAddr:   c.info.RemoteAddr,
		UserAgent:    c.info.UserAgent,
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
		LastAck:      c.lastAck,
		AwaitingPong: c.awaitingPong,
		Broken:       c.broken,
		RxMessages:   rxm,
		RxBytes:      rxb,
		TxMessages:   txm,
		TxBytes:      txb,
	}
}

func (h *Hub) reader(c *Conn) {

	defer h.wg.Done()

	defer func() {
		if h.onReaderExit != nil {
			h.onReaderExit(c.id)
		}
	}()

	if h.maxMessageSize > 0 {
		c.transport.SetReadLimit(h.maxMessageSize)
	}

	c.transport.SetPongHandler(func(string) error {
		h.MarkAlive(c.id)
		return nil
	})

	for {

		mt, data, err := c.transport.ReadMessage()

		if err != nil {
			code, reason := readCloseReason(err)
			if h.closeConn(c, code, reason) {
				log.WithFields(log.Fields{"id": c.id, "error": err}).Debug("read failed")
			}
			return
		}

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		now := h.clock.Now()

		c.stats.RecordRx(now, len(data))

		c.mu.Lock()
		c.lastActivity = now
		c.mu.Unlock()

		// a connection closed elsewhere may still have a message in hand
		if c.State() != Open {
			continue
		}

		if h.onMessage != nil {
			h.onMessage(c.id, data)
		}
	}
}

func readCloseReason(err error) (int, string) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, "message too big"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return websocket.CloseNormalClosure, "client closed"
	}
	return websocket.CloseNormalClosure, "read error"
}

func (h *Hub) writer(c *Conn) {

	defer h.wg.Done()

	for {
		select {

		case <-c.done:
			h.finish(c)
			return

		case data := <-c.send:
			if err := h.write(c, data); err != nil {
				log.WithFields(log.Fields{"id": c.id, "error": err}).Debug("write failed")
				h.closeConn(c, CloseDeliveryFailure, "delivery failure")
			}

		case <-c.ping:
			err := c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait))
			if err != nil {
				log.WithFields(log.Fields{"id": c.id, "error": err}).Debug("ping failed")
				h.closeConn(c, CloseDeliveryFailure, "delivery failure")
			}
		}
	}
}

func (h *Hub) write(c *Conn, data []byte) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
		return err
	}
	if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.stats.RecordTx(h.clock.Now(), len(data))
	return nil
}

// finish sends what is already buffered, then the close frame, then closes
// the transport, which ends the reader
func (h *Hub) finish(c *Conn) {

DRAIN:
	for {
		select {
		case data := <-c.send:
			if err := h.write(c, data); err != nil {
				break DRAIN
			}
		default:
			break DRAIN
		}
	}

	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)

	if err := c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeWait)); err != nil {
		log.WithFields(log.Fields{"id": c.id, "error": err}).Trace("could not write close frame")
	}

	c.transport.Close()

	c.state.Store(int32(Closed))

	log.WithFields(log.Fields{"id": c.id, "reason": c.closeReason}).Debug("connection closed")
}
