package registry

import (
	"context"

	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// StopListener is invoked after a stop has been committed.
type StopListener func(ctx context.Context, stopped domain.StoppedSession)

// SessionRegistry is the authoritative, durable per-channel session store.
// Expected failures (unknown channel, superseded session, expired heartbeat)
// are reported through return values; errors mean the store itself failed.
type SessionRegistry interface {
	StartSession(ctx context.Context, channelID, sessionID, actorID string) (*domain.StartResult, error)
	Ping(ctx context.Context, channelID, sessionID, actorID string) (domain.PingResult, error)
	StopSession(ctx context.Context, channelID, sessionID string) (*domain.StoppedSession, error)
	ForceStopBySession(ctx context.Context, channelID, sessionID string) (*domain.StoppedSession, error)
	GetActiveSession(ctx context.Context, channelID string) (domain.ActiveSession, error)
	GetRecord(ctx context.Context, channelID string) (*domain.SessionRecord, error)
	MirrorViewerCount(ctx context.Context, channelID string, count int) error
	ExpireStale(ctx context.Context) ([]domain.StoppedSession, error)
	AddStopListener(fn StopListener)
}
