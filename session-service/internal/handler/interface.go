package handler

import (
	"context"

	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// SessionService is the session control surface exposed over HTTP.
type SessionService interface {
	StartSession(ctx context.Context, channelID, sessionID, actorID string) (*domain.StartResult, error)
	StopSession(ctx context.Context, channelID, sessionID, actorID string) (*domain.StoppedSession, error)
	Heartbeat(ctx context.Context, channelID, sessionID, actorID string) (domain.ViewerCount, error)
	GetStreamStatus(ctx context.Context, channelID string) (domain.StreamStatus, error)
}

// PresenceService tracks viewer connections.
type PresenceService interface {
	AddViewer(ctx context.Context, channelID, connectionID, userID string) error
	RemoveViewer(ctx context.Context, connectionID string) bool
	Touch(connectionID string) bool
	Counts(channelID string) domain.ViewerCount
	Connection(connectionID string) (domain.ViewerConnection, bool)
}

// HistoryStore lists archived sessions.
type HistoryStore interface {
	List(ctx context.Context, channelID string, limit int) ([]domain.StoppedSession, error)
}

// ActorResolver turns a raw token into an actor id.
type ActorResolver interface {
	ResolveActor(token string) (string, error)
}
