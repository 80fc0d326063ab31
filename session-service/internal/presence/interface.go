package presence

import (
	"context"

	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// LivenessChecker answers whether a channel currently has a live session.
type LivenessChecker interface {
	GetActiveSession(ctx context.Context, channelID string) (domain.ActiveSession, error)
}

// CountMirror receives best-effort copies of live viewer counts.
type CountMirror interface {
	MirrorViewerCount(ctx context.Context, channelID string, count int) error
}

// Broadcaster delivers viewer count changes to channel subscribers.
type Broadcaster interface {
	BroadcastViewerCount(ctx context.Context, count domain.ViewerCount)
}
