package registry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Setup logging
	debug := false

	if debug {
		log.SetLevel(log.TraceLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		defer log.SetOutput(os.Stdout)

	} else {
		var ignore bytes.Buffer
		logignore := bufio.NewWriter(&ignore)
		log.SetOutput(logignore)
	}

	exitVal := m.Run()

	os.Exit(exitVal)
}

func TestSubscribeIdempotent(t *testing.T) {

	s := New()

	for i := 0; i < 5; i++ {
		assert.NoError(t, s.Subscribe("c0", "metrics", nil))
	}

	assert.Equal(t, []string{"c0"}, s.SubscribersFor("metrics", nil))
	assert.Equal(t, []ChannelInfo{{Name: "metrics", Subscribers: 1}}, s.Channels())

	// one unsubscribe fully removes delivery
	s.Unsubscribe("c0", "metrics")

	assert.Empty(t, s.SubscribersFor("metrics", nil))
	assert.Empty(t, s.Channels())
	assert.Empty(t, s.ChannelsByID)
}

func TestResubscribeReplacesFilter(t *testing.T) {

	s := New()

	critical := map[string]any{"severity": "critical"}
	info := map[string]any{"severity": "info"}

	require.NoError(t, s.Subscribe("c0", "alerts", Filter{"severity": {"critical"}}))
	assert.Equal(t, []string{"c0"}, s.SubscribersFor("alerts", critical))
	assert.Empty(t, s.SubscribersFor("alerts", info))

	require.NoError(t, s.Subscribe("c0", "alerts", Filter{"severity": {"info"}}))
	assert.Empty(t, s.SubscribersFor("alerts", critical))
	assert.Equal(t, []string{"c0"}, s.SubscribersFor("alerts", info))

	require.NoError(t, s.Subscribe("c0", "alerts", nil))
	assert.Equal(t, []string{"c0"}, s.SubscribersFor("alerts", critical))
	assert.Equal(t, []string{"c0"}, s.SubscribersFor("alerts", info))
}

func TestUnknownIsNoOp(t *testing.T) {

	s := New()

	s.Unsubscribe("nobody", "nothing")
	s.RemoveConnection("nobody")

	assert.Nil(t, s.SubscribersFor("nothing", nil))
	assert.Empty(t, s.ChannelsFor("nobody"))
}

func TestRemoveConnection(t *testing.T) {

	s := New()

	require.NoError(t, s.Subscribe("c0", "metrics", nil))
	require.NoError(t, s.Subscribe("c0", "alerts", nil))
	require.NoError(t, s.Subscribe("c1", "alerts", nil))

	assert.Equal(t, []string{"alerts", "metrics"}, s.ChannelsFor("c0"))

	s.RemoveConnection("c0")

	assert.Empty(t, s.ChannelsFor("c0"))
	assert.Empty(t, s.SubscribersFor("metrics", nil))
	assert.Equal(t, []string{"c1"}, s.SubscribersFor("alerts", nil))

	// metrics lost its last subscriber so is gone
	assert.Equal(t, []ChannelInfo{{Name: "alerts", Subscribers: 1}}, s.Channels())
}

func TestMaxPerID(t *testing.T) {

	s := New().WithMaxPerID(2)

	require.NoError(t, s.Subscribe("c0", "a", nil))
	require.NoError(t, s.Subscribe("c0", "b", nil))

	// resubscribing to an owned channel is always allowed
	assert.NoError(t, s.Subscribe("c0", "b", Filter{"x": {1.0}}))

	assert.ErrorIs(t, s.Subscribe("c0", "c", nil), ErrTooManySubscriptions)

	s.Unsubscribe("c0", "a")
	assert.NoError(t, s.Subscribe("c0", "c", nil))
}

func TestSubscribeRejectsEmpty(t *testing.T) {

	s := New()

	assert.ErrorIs(t, s.Subscribe("", "a", nil), ErrNoID)
	assert.ErrorIs(t, s.Subscribe("c0", "", nil), ErrNoChannel)
	assert.Empty(t, s.Channels())
}

func TestPrune(t *testing.T) {

	s := New()

	require.NoError(t, s.Subscribe("c0", "a", nil))

	// simulate a channel emptied behind the store's back
	s.SubscribersByChannel["ghost"] = make(map[string]Filter)

	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, []ChannelInfo{{Name: "a", Subscribers: 1}}, s.Channels())
}

func TestFilterCorrectness(t *testing.T) {

	s := New()

	require.NoError(t, s.Subscribe("any", "m", nil))
	require.NoError(t, s.Subscribe("one", "m", Filter{"x": {1.0}}))
	require.NoError(t, s.Subscribe("two", "m", Filter{"x": {2.0}}))
	require.NoError(t, s.Subscribe("both", "m", Filter{"x": {1.0, 2.0}}))

	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"x":1}`), &msg))

	assert.Equal(t, []string{"any", "both", "one"}, s.SubscribersFor("m", msg))
}

func TestAlertsSeverityScenario(t *testing.T) {

	s := New()

	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{"severity":["critical","warning"]}`), &f))
	require.NoError(t, s.Subscribe("c0", "alerts", f))

	var info, critical map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"severity":"info","text":"fyi"}`), &info))
	require.NoError(t, json.Unmarshal([]byte(`{"severity":"critical","text":"fire"}`), &critical))

	assert.Empty(t, s.SubscribersFor("alerts", info))
	assert.Equal(t, []string{"c0"}, s.SubscribersFor("alerts", critical))
}
