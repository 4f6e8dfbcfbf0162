// Package protocol defines the JSON messages exchanged with websocket
// clients and handles the ones clients send
package protocol

import (
	"encoding/json"
	"time"

	"github.com/practable/dispatch/internal/queue"
	"github.com/practable/dispatch/internal/registry"
)

// Message types sent by clients
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeControl     = "control"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeGetChannels = "get_channels"
	TypeGetStats    = "get_stats"
)

// Message types sent by the server
const (
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeControlAck   = "control_ack"
	TypeChannels     = "channels"
	TypeStats        = "stats"
	TypeError        = "error"
	TypeMessage      = "message"
)

// Error codes
const (
	CodeInvalidJSON       = "INVALID_JSON"
	CodeMissingType       = "MISSING_TYPE"
	CodeUnknownType       = "UNKNOWN_TYPE"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeSubscriptionLimit = "SUBSCRIPTION_LIMIT"
	CodeRateLimited       = "RATE_LIMITED"
)

// Envelope wraps every inbound message. Timestamp is in unix milliseconds
// and may be fractional, as sent by clients using a high resolution clock.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

// outbound is an Envelope with a payload that has not been encoded yet
type outbound struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ChannelMessage carries a producer's payload to subscribers
type ChannelMessage struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Priority  queue.Priority  `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Subscribe is the payload of a subscribe request
type Subscribe struct {
	Channel string          `json:"channel"`
	Filter  registry.Filter `json:"filter,omitempty"`
}

// Unsubscribe is the payload of an unsubscribe request
type Unsubscribe struct {
	Channel string `json:"channel"`
}

// Control is the payload of a control request
type Control struct {
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ControlAck acknowledges a control request
type ControlAck struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
}

// ChannelRef names the channel in subscribed and unsubscribed responses
type ChannelRef struct {
	Channel string `json:"channel"`
}

// Channels lists active channels
type Channels struct {
	Channels []registry.ChannelInfo `json:"channels"`
}

// Error reports a problem with a client's message
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Welcome is sent once when a connection opens
type Welcome struct {
	ID             string   `json:"id"`
	Capabilities   []string `json:"capabilities"`
	FrameBudgetMs  float64  `json:"frameBudgetMs"`
	HeartbeatMs    int64    `json:"heartbeatMs"`
	MaxMessageSize int64    `json:"maxMessageSize"`
}

// Capabilities lists the client message types the server understands
var Capabilities = []string{
	TypeSubscribe,
	TypeUnsubscribe,
	TypeControl,
	TypePing,
	TypePong,
	TypeGetChannels,
	TypeGetStats,
	"filters",
	"priorities",
}

// Encode builds a server message of type typ
func Encode(typ string, payload any, now time.Time) ([]byte, error) {
	return json.Marshal(outbound{
		Type:      typ,
		Payload:   payload,
		Timestamp: now.UnixMilli(),
	})
}

// EncodeEntry builds the message delivered to a channel's subscribers
func EncodeEntry(e queue.Entry) ([]byte, error) {
	return json.Marshal(ChannelMessage{
		Type:      TypeMessage,
		Channel:   e.Channel,
		Priority:  e.Priority,
		Payload:   e.Payload,
		Timestamp: e.EnqueuedAt.UnixMilli(),
	})
}
