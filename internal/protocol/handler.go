package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/registry"
	log "github.com/sirupsen/logrus"
)

// Conns sends responses and records heartbeats
type Conns interface {
	Send(id string, data []byte) bool
	MarkAlive(id string)
}

// Subscriptions is the registry the handler mutates
type Subscriptions interface {
	Subscribe(id, channel string, filter registry.Filter) error
	Unsubscribe(id, channel string)
	Channels() []registry.ChannelInfo
}

// Limiter decides whether a connection may send another message
type Limiter interface {
	Allow(id string) bool
}

// ControlEvent is a client's control request, passed on for handling
// outside the dispatcher
type ControlEvent struct {
	ID         string
	Action     string
	Target     string
	Parameters map[string]any
	Received   time.Time
}

// Handler processes messages from clients. Handle is called from each
// connection's reader goroutine, so it must not block.
type Handler struct {
	conns Conns

	subs Subscriptions

	limiter Limiter

	clock clockwork.Clock

	onControl func(ControlEvent)

	onError func(code string)

	stats func(id string) any
}

// New returns a Handler
func New(conns Conns, subs Subscriptions, limiter Limiter) *Handler {
	return &Handler{
		conns:   conns,
		subs:    subs,
		limiter: limiter,
		clock:   clockwork.NewRealClock(),
	}
}

// WithClock sets the clock used for timestamps
func (h *Handler) WithClock(clock clockwork.Clock) *Handler {
	h.clock = clock
	return h
}

// WithOnControl sets the hook that receives control requests
func (h *Handler) WithOnControl(fn func(ControlEvent)) *Handler {
	h.onControl = fn
	return h
}

// WithOnError sets a hook told the code of every error sent to a client
func (h *Handler) WithOnError(fn func(code string)) *Handler {
	h.onError = fn
	return h
}

// WithStats sets the function that supplies get_stats responses
func (h *Handler) WithStats(fn func(id string) any) *Handler {
	h.stats = fn
	return h
}

// Handle processes one message from connection id
func (h *Handler) Handle(id string, data []byte) {

	if h.limiter != nil && !h.limiter.Allow(id) {
		h.fail(id, CodeRateLimited, "too many messages, slow down")
		return
	}

	var env Envelope

	if err := json.Unmarshal(data, &env); err != nil {
		h.fail(id, CodeInvalidJSON, err.Error())
		return
	}

	if env.Type == "" {
		h.fail(id, CodeMissingType, "message has no type")
		return
	}

	// fields may be sent in payload, or alongside type
	payload := env.Payload
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = data
	}

	switch env.Type {

	case TypeSubscribe:
		h.subscribe(id, payload)

	case TypeUnsubscribe:
		h.unsubscribe(id, payload)

	case TypeControl:
		h.control(id, payload)

	case TypePing:
		h.reply(id, TypePong, nil)

	case TypePong:
		h.conns.MarkAlive(id)

	case TypeGetChannels:
		h.reply(id, TypeChannels, Channels{Channels: h.subs.Channels()})

	case TypeGetStats:
		var stats any
		if h.stats != nil {
			stats = h.stats(id)
		}
		h.reply(id, TypeStats, stats)

	default:
		h.fail(id, CodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (h *Handler) subscribe(id string, payload json.RawMessage) {

	var s Subscribe

	if err := json.Unmarshal(payload, &s); err != nil {
		h.fail(id, CodeInvalidPayload, err.Error())
		return
	}

	if s.Channel == "" {
		h.fail(id, CodeInvalidPayload, "subscribe needs a channel")
		return
	}

	err := h.subs.Subscribe(id, s.Channel, s.Filter)

	switch {
	case errors.Is(err, registry.ErrTooManySubscriptions):
		h.fail(id, CodeSubscriptionLimit, err.Error())
		return
	case err != nil:
		h.fail(id, CodeInvalidPayload, err.Error())
		return
	}

	log.WithFields(log.Fields{"id": id, "channel": s.Channel, "filtered": s.Filter != nil}).Debug("subscribed")

	h.reply(id, TypeSubscribed, ChannelRef{Channel: s.Channel})
}

func (h *Handler) unsubscribe(id string, payload json.RawMessage) {

	var u Unsubscribe

	if err := json.Unmarshal(payload, &u); err != nil {
		h.fail(id, CodeInvalidPayload, err.Error())
		return
	}

	if u.Channel == "" {
		h.fail(id, CodeInvalidPayload, "unsubscribe needs a channel")
		return
	}

	h.subs.Unsubscribe(id, u.Channel)

	h.reply(id, TypeUnsubscribed, ChannelRef{Channel: u.Channel})
}

func (h *Handler) control(id string, payload json.RawMessage) {

	var c Control

	if err := json.Unmarshal(payload, &c); err != nil {
		h.fail(id, CodeInvalidPayload, err.Error())
		return
	}

	if c.Action == "" {
		h.fail(id, CodeInvalidPayload, "control needs an action")
		return
	}

	if h.onControl != nil {
		h.onControl(ControlEvent{
			ID:         id,
			Action:     c.Action,
			Target:     c.Target,
			Parameters: c.Parameters,
			Received:   h.clock.Now(),
		})
	}

	h.reply(id, TypeControlAck, ControlAck{Action: c.Action, Target: c.Target})
}

func (h *Handler) fail(id, code, message string) {

	log.WithFields(log.Fields{"id": id, "code": code, "message": message}).Debug("protocol error")

	if h.onError != nil {
		h.onError(code)
	}

	h.reply(id, TypeError, Error{Code: code, Message: message})
}

func (h *Handler) reply(id, typ string, payload any) {

	data, err := Encode(typ, payload, h.clock.Now())

	if err != nil {
		log.WithFields(log.Fields{"id": id, "type": typ, "error": err}).Error("could not encode response")
		return
	}

	if !h.conns.Send(id, data) {
		log.WithFields(log.Fields{"id": id, "type": typ}).Debug("response not sent")
	}
}

// Welcome sends the greeting for a newly opened connection
func (h *Handler) Welcome(w Welcome) bool {

	if w.Capabilities == nil {
		w.Capabilities = Capabilities
	}

	data, err := Encode(TypeWelcome, w, h.clock.Now())
	if err != nil {
		log.WithFields(log.Fields{"id": w.ID, "error": err}).Error("could not encode welcome")
		return false
	}

	return h.conns.Send(w.ID, data)
}
