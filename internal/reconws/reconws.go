/*
   reconws is websocket client that automatically reconnects
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

package reconws

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// ErrTryAgainLater is returned by Dial when the server closed the
// connection because it was full
var ErrTryAgainLater = errors.New("server at capacity, try again later")

// WsMessage represents a websocket message
type WsMessage struct {
	Data []byte
	Type int
}

// ReconWs represents a websocket client that will reconnect if the connection is closed
// connects (retrying/reconnecting if necessary) to websocket server at url
type ReconWs struct {
	ConnectedAt     time.Time
	ForwardIncoming bool
	In              chan WsMessage
	Out             chan WsMessage

	// OnConnect messages are sent on every new connection before anything
	// from Out, so subscriptions survive reconnection
	OnConnect []WsMessage

	Retry RetryConfig
	ID    string

	mu        sync.Mutex
	connected chan struct{}
	lastClose *websocket.CloseError
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor  float64
	Jitter  bool
	Min     time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// New returns a pointer to a new reconnecting websocket client ReconWs
func New() *ReconWs {
	r := &ReconWs{
		connected: make(chan struct{}),
		// don't initialise connectedAt; set when connected
		In:              make(chan WsMessage, 64),
		Out:             make(chan WsMessage),
		ForwardIncoming: true,
		Retry: RetryConfig{Factor: 2,
			Min:     1 * time.Second,
			Max:     10 * time.Second,
			Timeout: 1 * time.Second,
			Jitter:  false},
		ID: uuid.New().String()[0:6],
	}
	return r
}

// Connected returns a channel that is closed when the current dial succeeds
func (r *ReconWs) Connected() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// LastClose returns the close frame sent by the server on the most recent
// connection, or nil if it did not send one
func (r *ReconWs) LastClose() *websocket.CloseError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastClose
}

// Subscribe adds a subscription that is made on every connection.
// Call it before Reconnect.
func (r *ReconWs) Subscribe(channel string, filter map[string]any) error {

	msg := map[string]any{
		"type": "subscribe",
		"payload": map[string]any{
			"channel": channel,
			"filter":  filter,
		},
	}

	if filter == nil {
		msg["payload"] = map[string]any{"channel": channel}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	r.OnConnect = append(r.OnConnect, WsMessage{Data: data, Type: websocket.TextMessage})

	return nil
}

// Reconnect sets URL to connect to, and runs the client
// run this in a separate goroutine so that the connection can be
// ended from where it was initialised, by cancelling ctx
func (r *ReconWs) Reconnect(ctx context.Context, url string) {

	id := "reconws.Reconnect(" + r.ID + ")"

	boff := &backoff.Backoff{
		Min:    r.Retry.Min,
		Max:    r.Retry.Max,
		Factor: r.Retry.Factor,
		Jitter: r.Retry.Jitter,
	}

	// try dialling ....

	for {

		select {
		case <-ctx.Done():
			return
		default:
		}

		err := r.Dial(ctx, url)

		log.WithField("error", err).Debugf("%s: dial finished", id)

		if err == nil {
			boff.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(boff.Duration()):
			log.WithField("error", err).Tracef("%s: dial finished with error, increasing timeout", id)
		}
	}
}

// Dial the websocket server once.
// If dial fails then return immediately
// If dial succeeds then handle message traffic until
// the context is cancelled or the server closes the connection
func (r *ReconWs) Dial(ctx context.Context, urlStr string) error {

	id := "reconws.Dial(" + r.ID + ")"

	if urlStr == "" {
		log.Errorf("%s: Can't dial an empty Url", id)
		return errors.New("Can't dial an empty Url")
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		log.Errorf("%s: error with url because %s:", id, err.Error())
		return err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Errorf("%s: Url needs to start with ws or wss", id)
		return errors.New("Url needs to start with ws or wss")
	}

	if u.User != nil {
		log.Errorf("%s: Url can't contain user name and password", id)
		return errors.New("Url can't contain user name and password")
	}

	log.WithField("To", u).Tracef("%s: connecting to %s", id, u)

	dialCtx, cancel := context.WithTimeout(ctx, r.Retry.Timeout)
	c, _, err := websocket.DefaultDialer.DialContext(dialCtx, urlStr, nil)
	cancel()

	if err != nil {
		log.WithField("error", err).Debugf("%s: dialing error because %s", id, err.Error())
		return err
	}

	defer c.Close()

	r.mu.Lock()
	r.ConnectedAt = time.Now()
	r.lastClose = nil
	close(r.connected) //signal that we've connected
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.connected = make(chan struct{}) //reset for next time
		r.mu.Unlock()
	}()

	log.WithField("To", u).Tracef("%s: connected to %s", id, u)

	for _, msg := range r.OnConnect {
		if err := c.WriteMessage(msg.Type, msg.Data); err != nil {
			log.WithField("error", err).Infof("%s: error writing initial message; closing", id)
			return err
		}
	}

	// handle our reading tasks

	readClosed := make(chan struct{})

	go func() {
		defer close(readClosed)
		for {
			mt, data, err := c.ReadMessage()

			// Check for errors, e.g. caused by writing task closing conn
			// because we've been instructed to exit
			// log as info since we expect an error here on a normal exit
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					r.mu.Lock()
					r.lastClose = ce
					r.mu.Unlock()
				}
				log.WithField("error", err).Infof("%s: error reading from conn; closing", id)
				return
			}

			if !r.ForwardIncoming {
				log.Tracef("%s: ignored %d-byte message", id, len(data))
				continue
			}

			select {
			case r.In <- WsMessage{Data: data, Type: mt}:
				log.Tracef("%s: received %d-byte message", id, len(data))
			case <-ctx.Done():
				return
			}
		}
	}()

	// handle our writing tasks
	for {
		select {
		case <-readClosed:
			if ce := r.LastClose(); ce != nil && ce.Code == websocket.CloseTryAgainLater {
				return ErrTryAgainLater
			}
			return nil // nil error resets the backoff

		case msg := <-r.Out:

			if err := c.WriteMessage(msg.Type, msg.Data); err != nil {
				log.WithField("error", err).Infof("%s: error writing to conn; closing", id)
				return err
			}
			log.Tracef("%s: sent %d-byte message", id, len(msg.Data))

		case <-ctx.Done(): // context has finished, either timeout or cancel
			// Cleanly close the connection by sending a close message
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.WithField("error", err).Infof("%s: error sending close message; closing", id)
			} else {
				log.Infof("%s: connection closed", id)
			}
			return nil
		}
	}
}
