package events

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
)

const defaultPublishTimeout = 3 * time.Second

// Publisher reports room events the session service must react to on the
// event bus. It implements room.Observer; only media-side session ends
// leave the process.
type Publisher struct {
	bus     pubsub.Publisher
	timeout time.Duration
}

// NewPublisher creates a publisher on bus.
func NewPublisher(bus pubsub.Publisher, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{bus: bus, timeout: timeout}
}

// MediaSessionEnded publishes media_session_ended for the session service
// to force-stop its record.
func (p *Publisher) MediaSessionEnded(channelID, sessionID, reason string) {
	l := log.L().With().
		Str(log.FieldChannelID, channelID).
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldReason, reason).
		Logger()

	event, err := pubsub.NewEvent(pubsub.EventMediaSessionEnded, channelID, pubsub.MediaSessionEndedPayload{
		ChannelID: channelID,
		SessionID: sessionID,
		Reason:    reason,
	})
	if err != nil {
		l.Error().Err(err).Msg("failed to build media_session_ended event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.bus.Publish(ctx, pubsub.MediaToSessionChannel(channelID), event); err != nil {
		l.Warn().Err(err).Msg("failed to publish media_session_ended")
		return
	}
	l.Info().Msg("media session ended")
}

// ProducerClosed is only of interest to signaling clients.
func (p *Publisher) ProducerClosed(string, domain.ProducerInfo, string) {}

// StreamStopped is only of interest to signaling clients.
func (p *Publisher) StreamStopped(string, string, string) {}
