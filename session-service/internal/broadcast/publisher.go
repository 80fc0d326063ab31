package broadcast

import (
	"context"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// Publisher sends channel-scoped UI events onto the event bus. Delivery is
// best effort: failures are logged and never returned.
type Publisher struct {
	bus pubsub.Publisher
}

// NewPublisher creates a publisher on bus.
func NewPublisher(bus pubsub.Publisher) *Publisher {
	return &Publisher{bus: bus}
}

// BroadcastViewerCount publishes a viewer_count_changed event.
func (p *Publisher) BroadcastViewerCount(ctx context.Context, count domain.ViewerCount) {
	p.publish(ctx, pubsub.EventViewerCountChanged, count.ChannelID, pubsub.ViewerCountPayload{
		ChannelID:   count.ChannelID,
		Count:       count.Count,
		UniqueUsers: count.UniqueUsers,
	})
}

// StreamStarted publishes a stream_started event.
func (p *Publisher) StreamStarted(ctx context.Context, channelID, sessionID string) {
	p.publish(ctx, pubsub.EventStreamStarted, channelID, pubsub.StreamStartedPayload{
		ChannelID: channelID,
		SessionID: sessionID,
	})
}

// StreamStopped publishes a stream_stopped event.
func (p *Publisher) StreamStopped(ctx context.Context, channelID, sessionID string, reason domain.StopReason) {
	p.publish(ctx, pubsub.EventStreamStopped, channelID, pubsub.StreamStoppedPayload{
		ChannelID: channelID,
		SessionID: sessionID,
		Reason:    string(reason),
	})
}

func (p *Publisher) publish(ctx context.Context, eventType, channelID string, payload interface{}) {
	ctx = log.WithChannel(ctx, channelID)
	l := log.Ctx(ctx)

	event, err := pubsub.NewEvent(eventType, channelID, payload)
	if err != nil {
		l.Error().Err(err).Str("event", eventType).Msg("failed to build event")
		return
	}
	if err := p.bus.Publish(ctx, pubsub.SessionToViewersChannel(channelID), event); err != nil {
		l.Warn().Err(err).
			Str("event", eventType).
			Msg("failed to publish event")
	}
}
