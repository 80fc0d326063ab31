package bridge

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// MediaClient is the control-plane view of media-service.
type MediaClient interface {
	CheckStream(ctx context.Context, channelID string) (domain.MediaStreamState, error)
	ViewerCount(ctx context.Context, channelID string) (int, error)
	NotifyStart(ctx context.Context, channelID, sessionID string) error
	NotifyStop(ctx context.Context, channelID, sessionID string) (bool, error)
}

// Presence is the subset of the presence tracker the bridge drives.
type Presence interface {
	Counts(channelID string) domain.ViewerCount
	ClearChannelViewers(ctx context.Context, channelID string) int
	CleanupOldConnections(ctx context.Context, maxAge time.Duration) int
}

// Events publishes UI-facing stream events.
type Events interface {
	BroadcastViewerCount(ctx context.Context, count domain.ViewerCount)
	StreamStarted(ctx context.Context, channelID, sessionID string)
	StreamStopped(ctx context.Context, channelID, sessionID string, reason domain.StopReason)
}

// Archiver persists summaries of ended sessions.
type Archiver interface {
	Save(ctx context.Context, s domain.StoppedSession) error
}
