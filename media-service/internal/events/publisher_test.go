package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
)

func TestMediaSessionEnded_PublishesToSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pubsub.NewMemoryPubSub()
	events, err := bus.SubscribePattern(ctx, pubsub.PatternMediaToSession)
	require.NoError(t, err)

	pub := NewPublisher(bus, time.Second)
	pub.ProducerClosed("7", domain.ProducerInfo{ID: "p1"}, domain.ReasonDisconnect)
	pub.StreamStopped("7", "s1", domain.ReasonDisconnect)
	pub.MediaSessionEnded("7", "s1", domain.ReasonDisconnect)

	select {
	case event := <-events:
		assert.Equal(t, pubsub.EventMediaSessionEnded, event.Type)
		assert.Equal(t, "7", event.ChannelID)

		var payload pubsub.MediaSessionEndedPayload
		require.NoError(t, event.UnmarshalPayload(&payload))
		assert.Equal(t, "s1", payload.SessionID)
		assert.Equal(t, domain.ReasonDisconnect, payload.Reason)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	select {
	case event := <-events:
		t.Fatalf("unexpected event %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
