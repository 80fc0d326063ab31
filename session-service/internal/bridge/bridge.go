package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/registry"
)

// Bridge keeps the session registry and media-service eventually
// consistent. The registry decides which session should be live; media
// decides whether media is actually flowing. There is no shared
// transaction: registry commits are never rolled back and media calls are
// bounded, unretried and logged on failure.
type Bridge struct {
	registry    registry.SessionRegistry
	media       MediaClient
	presence    Presence
	events      Events
	archive     Archiver
	callTimeout time.Duration
	now         func() time.Time

	status singleflight.Group
	wg     sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithArchive stores a summary of every ended session.
func WithArchive(a Archiver) Option {
	return func(b *Bridge) { b.archive = a }
}

// WithCallTimeout bounds each media-service call.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithClock overrides the time source used for ownership checks.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New creates a bridge and registers it as the registry's stop listener.
func New(reg registry.SessionRegistry, media MediaClient, presence Presence, events Events, opts ...Option) *Bridge {
	b := &Bridge{
		registry:    reg,
		media:       media,
		presence:    presence,
		events:      events,
		callTimeout: 3 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	reg.AddStopListener(b.onStop)
	return b
}

// StartSession makes sessionID the live session of channelID on behalf of
// actorID. When media reports a different live session than the registry,
// media is told to stop the stale sessions before the new one is committed.
// A fresh session started by another actor cannot be replaced.
func (b *Bridge) StartSession(ctx context.Context, channelID, sessionID, actorID string) (*domain.StartResult, error) {
	if channelID == "" || sessionID == "" {
		return nil, domain.ErrInvalidRequest
	}
	ctx = log.WithChannel(ctx, channelID)
	l := log.Ctx(ctx)

	var (
		record   *domain.SessionRecord
		media    domain.MediaStreamState
		mediaErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := b.registry.GetRecord(gctx, channelID)
		record = r
		return err
	})
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, b.callTimeout)
		defer cancel()
		media, mediaErr = b.media.CheckStream(cctx, channelID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	if mediaErr != nil {
		l.Warn().Err(mediaErr).Msg("media check failed, starting from registry state only")
	}

	current := ""
	if record != nil && record.IsLive {
		if !record.Expired(b.now(), domain.LivenessTimeout) && record.OwnedByOther(actorID) {
			l.Warn().Str("actor", actorID).Msg("start rejected, channel owned by another actor")
			return nil, domain.ErrUnauthorized
		}
		current = record.SessionID()
	}

	if mediaErr == nil && media.IsLive && media.SessionID != current {
		l.Warn().
			Str("registry_session", current).
			Str("media_session", media.SessionID).
			Msg("media session out of sync with registry")
		if current != "" && current != sessionID {
			b.notifyStop(ctx, channelID, current)
		}
		if media.SessionID != "" && media.SessionID != sessionID {
			b.notifyStop(ctx, channelID, media.SessionID)
		}
	}

	res, err := b.registry.StartSession(ctx, channelID, sessionID, actorID)
	if err != nil {
		return nil, err
	}

	// Media accepts a repeated start, so a retry also repairs a lost notification.
	b.goDetached(ctx, func(ctx context.Context) {
		if err := b.media.NotifyStart(ctx, channelID, sessionID); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("media start notification failed")
		}
	})
	if !res.Refreshed {
		b.events.StreamStarted(ctx, channelID, sessionID)
	}
	return res, nil
}

// StopSession stops the live session of channelID on behalf of actorID. An
// empty sessionID means whatever is live. It returns nil when nothing was
// live.
func (b *Bridge) StopSession(ctx context.Context, channelID, sessionID, actorID string) (*domain.StoppedSession, error) {
	ctx = log.WithChannel(ctx, channelID)

	record, err := b.registry.GetRecord(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	if !record.IsLive {
		return nil, nil
	}
	if sessionID != "" && sessionID != record.SessionID() {
		return nil, domain.ErrConflict
	}
	if record.StartedBy != nil && *record.StartedBy != actorID {
		return nil, domain.ErrUnauthorized
	}

	return b.registry.StopSession(ctx, channelID, record.SessionID())
}

// Heartbeat refreshes the live session on behalf of actorID and reconciles
// the viewer count with media-service. The reconciled count is mirrored and
// broadcast.
func (b *Bridge) Heartbeat(ctx context.Context, channelID, sessionID, actorID string) (domain.ViewerCount, error) {
	ctx = log.WithChannel(ctx, channelID)
	l := log.Ctx(ctx)

	result, err := b.registry.Ping(ctx, channelID, sessionID, actorID)
	if err != nil {
		return domain.ViewerCount{}, err
	}
	switch result {
	case domain.PingOK:
	case domain.PingSessionMismatch:
		return domain.ViewerCount{}, domain.ErrConflict
	default:
		l.Debug().Str("result", result.String()).Msg("heartbeat rejected")
		return domain.ViewerCount{}, domain.ErrStreamNotActive
	}

	counts := b.presence.Counts(channelID)

	cctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	mediaViewers, err := b.media.ViewerCount(cctx, channelID)
	cancel()
	if err != nil {
		l.Warn().Err(err).Msg("media viewer count unavailable, using presence")
	} else if mediaViewers > counts.Count {
		counts.Count = mediaViewers
	}

	if err := b.registry.MirrorViewerCount(ctx, channelID, counts.Count); err != nil {
		l.Warn().Err(err).Msg("failed to mirror reconciled viewer count")
	}
	b.events.BroadcastViewerCount(ctx, counts)
	return counts, nil
}

// GetStreamStatus answers "is this channel live" by combining the registry
// and media-service: either side reporting live is enough, and the larger
// viewer count wins. An unreachable media-service leaves registry values.
// Concurrent lookups of one channel share a single registry and media read,
// which outlives any one caller's cancellation.
func (b *Bridge) GetStreamStatus(ctx context.Context, channelID string) (domain.StreamStatus, error) {
	v, err, _ := b.status.Do(channelID, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.callTimeout)
		defer cancel()
		return b.streamStatus(sctx, channelID)
	})
	if err != nil {
		return domain.StreamStatus{}, err
	}
	return v.(domain.StreamStatus), nil
}

func (b *Bridge) streamStatus(ctx context.Context, channelID string) (domain.StreamStatus, error) {
	ctx = log.WithChannel(ctx, channelID)

	var (
		active       domain.ActiveSession
		record       *domain.SessionRecord
		media        domain.MediaStreamState
		mediaErr     error
		mediaViewers int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if active, err = b.registry.GetActiveSession(gctx, channelID); err != nil {
			return err
		}
		record, err = b.registry.GetRecord(gctx, channelID)
		return err
	})
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, b.callTimeout)
		defer cancel()
		media, mediaErr = b.media.CheckStream(cctx, channelID)
		if mediaErr != nil {
			return nil
		}
		n, err := b.media.ViewerCount(cctx, channelID)
		if err == nil {
			mediaViewers = n
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.StreamStatus{}, err
	}

	status := domain.StreamStatus{
		ChannelID:   channelID,
		IsLive:      active.Active,
		SessionID:   active.SessionID,
		MediaOnline: mediaErr == nil,
	}
	if record != nil && active.Active {
		status.Viewers = record.Viewers
	}
	if n := b.presence.Counts(channelID).Count; n > status.Viewers {
		status.Viewers = n
	}

	if mediaErr != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(mediaErr).Msg("media status unavailable")
		return status, nil
	}
	if media.IsLive {
		status.IsLive = true
		if status.SessionID == "" {
			status.SessionID = media.SessionID
		}
	}
	if mediaViewers > status.Viewers {
		status.Viewers = mediaViewers
	}
	return status, nil
}

// ForceStopBySession ends sessionID after media-service reports that its
// media has gone away. It is a no-op if a newer session is live.
func (b *Bridge) ForceStopBySession(ctx context.Context, channelID, sessionID string) (*domain.StoppedSession, error) {
	return b.registry.ForceStopBySession(log.WithChannel(ctx, channelID), channelID, sessionID)
}

// onStop runs after every committed registry stop.
func (b *Bridge) onStop(ctx context.Context, s domain.StoppedSession) {
	ctx = log.WithChannel(ctx, s.ChannelID)

	b.events.StreamStopped(ctx, s.ChannelID, s.SessionID, s.Reason)

	// A superseding session keeps the audience.
	if s.Reason != domain.StopReasonSuperseded {
		b.presence.ClearChannelViewers(ctx, s.ChannelID)
	}

	b.goDetached(ctx, func(ctx context.Context) {
		b.notifyStop(ctx, s.ChannelID, s.SessionID)
	})

	if b.archive != nil {
		b.goDetached(ctx, func(ctx context.Context) {
			if err := b.archive.Save(ctx, s); err != nil {
				l := log.Ctx(ctx)
				l.Warn().Err(err).Str(log.FieldSessionID, s.SessionID).Msg("failed to archive session")
			}
		})
	}
}

func (b *Bridge) notifyStop(ctx context.Context, channelID, sessionID string) {
	cctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	if _, err := b.media.NotifyStop(cctx, channelID, sessionID); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("media stop notification failed")
	}
}

// goDetached runs fn in the background, outliving the caller's context but
// bounded by the call timeout.
func (b *Bridge) goDetached(ctx context.Context, fn func(context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.callTimeout)
		defer cancel()
		fn(cctx)
	}()
}

// Wait blocks until background notifications have finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// RunSweeper expires silent sessions and idle viewer connections every
// interval until ctx is cancelled.
func (b *Bridge) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (b *Bridge) Sweep(ctx context.Context) {
	if _, err := b.registry.ExpireStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("session sweep failed")
	}
	b.presence.CleanupOldConnections(ctx, domain.LivenessTimeout)
}

// ConsumeMediaEvents subscribes to media-service notifications and stops
// sessions whose media ended on its own. It returns once subscribed.
func (b *Bridge) ConsumeMediaEvents(ctx context.Context, bus pubsub.Subscriber) error {
	if _, err := pubsub.Follow(ctx, bus, pubsub.PatternMediaToSession, b.handleMediaEvent); err != nil {
		return fmt.Errorf("failed to subscribe to media events: %w", err)
	}
	return nil
}

func (b *Bridge) handleMediaEvent(ctx context.Context, event *pubsub.Event) {
	if event.Type != pubsub.EventMediaSessionEnded {
		return
	}
	var p pubsub.MediaSessionEndedPayload
	if err := event.UnmarshalPayload(&p); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("malformed media_session_ended event")
		return
	}

	ctx = log.WithChannel(ctx, p.ChannelID)
	l := log.Ctx(ctx)
	stopped, err := b.ForceStopBySession(ctx, p.ChannelID, p.SessionID)
	if err != nil {
		l.Error().Err(err).Msg("failed to force stop session")
		return
	}
	if stopped == nil {
		l.Debug().
			Str(log.FieldSessionID, p.SessionID).
			Msg("media session ended for a session that is no longer live")
	}
}
