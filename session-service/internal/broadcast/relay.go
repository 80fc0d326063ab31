package broadcast

import (
	"context"
	"fmt"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// RoomBroadcaster delivers a message to every local subscriber of a room.
type RoomBroadcaster interface {
	BroadcastToRoom(room string, message interface{}, exclude string) error
}

// Relay forwards session-to-viewer events from the bus to this instance's
// websocket subscribers. Every instance runs one, so a broadcast reaches
// viewers regardless of which instance they are connected to.
type Relay struct {
	bus  pubsub.Subscriber
	hub  RoomBroadcaster
	done chan struct{}
}

// NewRelay creates a relay from bus to hub.
func NewRelay(bus pubsub.Subscriber, hub RoomBroadcaster) *Relay {
	return &Relay{bus: bus, hub: hub, done: make(chan struct{})}
}

// Start subscribes and forwards until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	followed, err := pubsub.Follow(ctx, r.bus, pubsub.PatternSessionToViewers, r.forward)
	if err != nil {
		return fmt.Errorf("failed to subscribe to viewer events: %w", err)
	}
	go func() {
		<-followed
		close(r.done)
	}()

	l := log.Ctx(ctx)
	l.Info().Str("pattern", pubsub.PatternSessionToViewers).Msg("viewer event relay started")
	return nil
}

// Done is closed once the forwarding loop exits.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) forward(ctx context.Context, event *pubsub.Event) {
	l := log.Ctx(ctx)

	msg, err := toViewerMessage(event)
	if err != nil {
		l.Warn().Err(err).Str("event", event.Type).Msg("dropping viewer event")
		return
	}
	if msg == nil {
		return
	}
	if err := r.hub.BroadcastToRoom(event.ChannelID, msg, ""); err != nil {
		l.Warn().Err(err).Str(log.FieldChannelID, event.ChannelID).Msg("failed to broadcast to viewers")
	}
}

func toViewerMessage(event *pubsub.Event) (interface{}, error) {
	switch event.Type {
	case pubsub.EventViewerCountChanged:
		var p pubsub.ViewerCountPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &domain.ViewerCountMessage{
			Type:        domain.MsgTypeViewerCountChanged,
			ChannelID:   p.ChannelID,
			Count:       p.Count,
			UniqueUsers: p.UniqueUsers,
		}, nil

	case pubsub.EventStreamStarted:
		var p pubsub.StreamStartedPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &domain.StreamLifecycleMessage{
			Type:      domain.MsgTypeStreamStarted,
			ChannelID: p.ChannelID,
			SessionID: p.SessionID,
			At:        event.Timestamp,
		}, nil

	case pubsub.EventStreamStopped:
		var p pubsub.StreamStoppedPayload
		if err := event.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return &domain.StreamLifecycleMessage{
			Type:      domain.MsgTypeStreamStopped,
			ChannelID: p.ChannelID,
			SessionID: p.SessionID,
			Reason:    p.Reason,
			At:        event.Timestamp,
		}, nil
	}
	return nil, nil
}
