// Package registry holds channel subscriptions and their filters
package registry

import (
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrTooManySubscriptions is returned when a connection is already
// subscribed to the maximum number of channels
var ErrTooManySubscriptions = errors.New("too many subscriptions")

// ErrNoChannel is returned when subscribing to an empty channel name
var ErrNoChannel = errors.New("no channel")

// ErrNoID is returned when subscribing without a connection id
var ErrNoID = errors.New("no id")

// Store represents channels and the connections subscribed to them
type Store struct {
	*sync.Mutex

	// SubscribersByChannel maps channel name to subscriber id and its filter
	// (nil filter matches everything)
	SubscribersByChannel map[string]map[string]Filter

	// ChannelsByID lets us remove a connection without scanning every channel
	ChannelsByID map[string]map[string]struct{}

	// maximum channels per connection, zero for unlimited
	max int
}

// ChannelInfo summarises a channel
type ChannelInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// New returns a pointer to a new, empty Store
func New() *Store {
	return &Store{
		&sync.Mutex{},
		make(map[string]map[string]Filter),
		make(map[string]map[string]struct{}),
		0,
	}
}

// WithMaxPerID limits the number of channels a single connection can join
func (s *Store) WithMaxPerID(max int) *Store {
	s.Lock()
	defer s.Unlock()
	s.max = max
	return s
}

// Subscribe adds id to channel, or replaces its filter if already subscribed
func (s *Store) Subscribe(id, channel string, filter Filter) error {

	if id == "" {
		return ErrNoID
	}
	if channel == "" {
		return ErrNoChannel
	}

	s.Lock()
	defer s.Unlock()

	owned, ok := s.ChannelsByID[id]
	if !ok {
		owned = make(map[string]struct{})
		s.ChannelsByID[id] = owned
	}

	if _, already := owned[channel]; !already && s.max > 0 && len(owned) >= s.max {
		return ErrTooManySubscriptions
	}

	subs, ok := s.SubscribersByChannel[channel]
	if !ok {
		subs = make(map[string]Filter)
		s.SubscribersByChannel[channel] = subs
		log.WithField("channel", channel).Debug("registry: channel created")
	}

	subs[id] = filter
	owned[channel] = struct{}{}

	return nil
}

// Unsubscribe removes id from channel. Unknown ids or channels are ignored.
func (s *Store) Unsubscribe(id, channel string) {
	s.Lock()
	defer s.Unlock()

	s.unsubscribe(id, channel)
}

// unsubscribe is for internal use by functions already holding the lock
func (s *Store) unsubscribe(id, channel string) {

	if subs, ok := s.SubscribersByChannel[channel]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.SubscribersByChannel, channel)
			log.WithField("channel", channel).Debug("registry: channel removed")
		}
	}

	if owned, ok := s.ChannelsByID[id]; ok {
		delete(owned, channel)
		if len(owned) == 0 {
			delete(s.ChannelsByID, id)
		}
	}
}

// RemoveConnection removes id from every channel it belongs to
func (s *Store) RemoveConnection(id string) {
	s.Lock()
	defer s.Unlock()

	owned, ok := s.ChannelsByID[id]
	if !ok {
		return
	}

	channels := make([]string, 0, len(owned))
	for channel := range owned {
		channels = append(channels, channel)
	}

	for _, channel := range channels {
		s.unsubscribe(id, channel)
	}

	log.WithFields(log.Fields{"id": id, "channels": len(channels)}).Trace("registry: connection removed")
}

// SubscribersFor returns, in sorted order, the ids subscribed to channel
// whose filter accepts a message with the given fields
func (s *Store) SubscribersFor(channel string, fields map[string]any) []string {
	s.Lock()
	defer s.Unlock()

	subs, ok := s.SubscribersByChannel[channel]
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(subs))

	for id, filter := range subs {
		if filter.Match(fields) {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

// ChannelsFor returns the channels id is subscribed to, sorted
func (s *Store) ChannelsFor(id string) []string {
	s.Lock()
	defer s.Unlock()

	owned := s.ChannelsByID[id]
	channels := make([]string, 0, len(owned))
	for channel := range owned {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Channels lists every channel with its subscriber count, sorted by name
func (s *Store) Channels() []ChannelInfo {
	s.Lock()
	defer s.Unlock()

	infos := make([]ChannelInfo, 0, len(s.SubscribersByChannel))
	for name, subs := range s.SubscribersByChannel {
		infos = append(infos, ChannelInfo{Name: name, Subscribers: len(subs)})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// Prune deletes any channel left without subscribers, returning how many
// were removed
func (s *Store) Prune() int {
	s.Lock()
	defer s.Unlock()

	n := 0
	for name, subs := range s.SubscribersByChannel {
		if len(subs) == 0 {
			delete(s.SubscribersByChannel, name)
			n++
		}
	}
	return n
}
