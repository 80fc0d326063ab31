package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelToTopicAndKey(t *testing.T) {
	tests := []struct {
		channel string
		topic   string
		key     string
		wantErr bool
	}{
		{channel: SessionToViewersChannel("42"), topic: "session-to-viewers", key: "42"},
		{channel: MediaToSessionChannel("7"), topic: "media-to-session", key: "7"},
		{channel: "session:room:42:to_viewers", wantErr: true},
		{channel: "session:channel:42", wantErr: true},
		{channel: "session:channel:42:viewers", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			topic, key, err := channelToTopicAndKey(tt.channel)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.topic, topic)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestPatternToTopic(t *testing.T) {
	topic, err := patternToTopic(PatternMediaToSession)
	require.NoError(t, err)
	assert.Equal(t, "media-to-session", topic)
}

func TestMemoryPubSubPatternDelivery(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := ps.SubscribePattern(ctx, PatternSessionToViewers)
	require.NoError(t, err)

	evt, err := NewEvent(EventStreamStarted, "7", StreamStartedPayload{ChannelID: "7", SessionID: "abc"})
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, SessionToViewersChannel("7"), evt))
	require.NoError(t, ps.Publish(ctx, MediaToSessionChannel("7"), evt))

	select {
	case got := <-events:
		assert.Equal(t, EventStreamStarted, got.Type)
		var payload StreamStartedPayload
		require.NoError(t, got.UnmarshalPayload(&payload))
		assert.Equal(t, "abc", payload.SessionID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case got := <-events:
		t.Fatalf("unexpected event on pattern subscription: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPubSubUnsubscribeClosesChannel(t *testing.T) {
	ps := NewMemoryPubSub()
	ctx := context.Background()

	events, err := ps.Subscribe(ctx, SessionToViewersChannel("1"))
	require.NoError(t, err)
	require.NoError(t, ps.Unsubscribe(ctx, SessionToViewersChannel("1")))

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestKafkaGroupFor(t *testing.T) {
	k := &KafkaPubSub{config: KafkaConfig{GroupID: "session-service"}, instance: "host:1"}

	assert.Equal(t, "session-service-host-1", k.groupFor(PatternSessionToViewers, "session-to-viewers", ""))
	assert.Equal(t, "session-service", k.groupFor(PatternMediaToSession, "media-to-session", ""))
	assert.Equal(t,
		"session-service-host-1-media-channel-7-to_session",
		k.groupFor(MediaToSessionChannel("7"), "media-to-session", "7"))

	k.config.GroupID = ""
	assert.Equal(t, "pubsub-default", k.groupFor(PatternMediaToSession, "media-to-session", ""))
}

func TestNewPubSub_Drivers(t *testing.T) {
	ps, err := NewPubSub(Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryPubSub{}, ps)
	require.NoError(t, ps.Close())

	_, err = NewPubSub(Config{Driver: "nats"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a, err := NewEvent(EventStreamStarted, "7", StreamStartedPayload{ChannelID: "7"})
	require.NoError(t, err)
	b, err := NewEvent(EventStreamStarted, "7", StreamStartedPayload{ChannelID: "7"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "7", a.ChannelID)
	assert.False(t, a.Timestamp.IsZero())
}
