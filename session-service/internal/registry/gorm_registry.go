package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// GormRegistry implements SessionRegistry using GORM.
//
// Every read-modify-write on a channel runs inside a transaction while
// holding that channel's in-process lock, so concurrent calls for the same
// channel are serialised and a new session never overlaps the one it
// replaces.
type GormRegistry struct {
	db      *gorm.DB
	timeout time.Duration
	now     func() time.Time

	locks sync.Map // channelID -> *sync.Mutex

	mu        sync.RWMutex
	listeners []StopListener
}

// Option configures a GormRegistry.
type Option func(*GormRegistry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *GormRegistry) { r.now = now }
}

// WithStopListener registers a listener at construction time.
func WithStopListener(fn StopListener) Option {
	return func(r *GormRegistry) { r.listeners = append(r.listeners, fn) }
}

// NewGormRegistry creates a GORM-backed registry.
func NewGormRegistry(db *gorm.DB, opts ...Option) *GormRegistry {
	r := &GormRegistry{
		db:      db,
		timeout: domain.LivenessTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AutoMigrate creates or updates the session_records table.
func (r *GormRegistry) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.SessionRecordModel{})
}

// AddStopListener registers fn to be called after every committed stop.
func (r *GormRegistry) AddStopListener(fn StopListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *GormRegistry) lock(channelID string) func() {
	v, _ := r.locks.LoadOrStore(channelID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (r *GormRegistry) notify(ctx context.Context, stopped ...domain.StoppedSession) {
	r.mu.RLock()
	listeners := append([]StopListener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, s := range stopped {
		sctx := log.WithChannel(ctx, s.ChannelID)
		l := log.Ctx(sctx)
		l.Info().
			Str(log.FieldSessionID, s.SessionID).
			Str(log.FieldReason, string(s.Reason)).
			Dur("duration", s.Duration).
			Msg("session stopped")
		for _, fn := range listeners {
			fn(sctx, s)
		}
	}
}

func load(tx *gorm.DB, channelID string) (*domain.SessionRecordModel, error) {
	var m domain.SessionRecordModel
	err := tx.First(&m, "channel_id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// stop ends the live session on m in memory and returns its summary.
func stop(m *domain.SessionRecordModel, now time.Time, reason domain.StopReason) domain.StoppedSession {
	s := domain.StoppedSession{
		ChannelID:   m.ChannelID,
		EndedAt:     now,
		PeakViewers: m.PeakViewers,
		Reason:      reason,
	}
	if m.CurrentSessionID != nil {
		s.SessionID = *m.CurrentSessionID
	}
	if m.StartedBy != nil {
		s.StartedBy = *m.StartedBy
	}
	if m.SessionStartedAt != nil {
		s.StartedAt = *m.SessionStartedAt
		if d := now.Sub(s.StartedAt); d > 0 {
			s.Duration = d
		}
	}

	m.TotalStreamTimeMs += s.Duration.Milliseconds()
	m.IsLive = false
	m.CurrentSessionID = nil
	m.SessionStartedAt = nil
	m.LastPingAt = nil
	m.StartedBy = nil
	m.Viewers = 0
	m.LastStreamEndedAt = &now
	return s
}

// StartSession makes sessionID the live session of channelID. A different
// live session is stopped first (superseded, or expired when it had already
// gone silent). Restarting the current, still-fresh session only refreshes
// its heartbeat.
func (r *GormRegistry) StartSession(ctx context.Context, channelID, sessionID, actorID string) (*domain.StartResult, error) {
	if channelID == "" || sessionID == "" {
		return nil, domain.ErrInvalidRequest
	}
	ctx = log.WithChannel(ctx, channelID)
	l := log.Ctx(ctx)

	unlock := r.lock(channelID)
	var (
		result  domain.StartResult
		stopped []domain.StoppedSession
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		m, err := load(tx, channelID)
		if err != nil {
			return err
		}
		if m == nil {
			m = &domain.SessionRecordModel{ChannelID: channelID}
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}

		if m.IsLive {
			expired := m.ToDomain().Expired(now, r.timeout)
			switch {
			case !expired && m.ToDomain().OwnedByOther(actorID):
				return domain.ErrUnauthorized
			case !expired && m.CurrentSessionID != nil && *m.CurrentSessionID == sessionID:
				m.LastPingAt = &now
				if err := tx.Save(m).Error; err != nil {
					return err
				}
				result.Record = m.ToDomain()
				result.Refreshed = true
				return nil
			case expired:
				stopped = append(stopped, stop(m, now, domain.StopReasonExpired))
			default:
				s := stop(m, now, domain.StopReasonSuperseded)
				result.Superseded = &s
				stopped = append(stopped, s)
			}
		}

		sid := sessionID
		m.IsLive = true
		m.CurrentSessionID = &sid
		m.SessionStartedAt = &now
		m.LastPingAt = &now
		m.Viewers = 0
		m.PeakViewers = 0
		if actorID != "" {
			actor := actorID
			m.StartedBy = &actor
		}
		if err := tx.Save(m).Error; err != nil {
			return err
		}
		result.Record = m.ToDomain()
		return nil
	})
	unlock()

	if err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) {
			l.Error().Err(err).Msg("failed to start session")
		}
		return nil, err
	}
	if !result.Refreshed {
		l.Info().
			Str(log.FieldSessionID, sessionID).
			Msg("session started")
	}
	r.notify(ctx, stopped...)
	return &result, nil
}

// Ping refreshes the heartbeat of the live session on behalf of actorID. An
// empty sessionID matches whatever session is live. An expired session is
// reported but left untouched; the read path or the sweeper stops it. A
// session started by someone else yields ErrUnauthorized.
func (r *GormRegistry) Ping(ctx context.Context, channelID, sessionID, actorID string) (domain.PingResult, error) {
	unlock := r.lock(channelID)
	defer unlock()

	result := domain.PingNotLive
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		m, err := load(tx, channelID)
		if err != nil || m == nil || !m.IsLive {
			return err
		}
		if sessionID != "" && (m.CurrentSessionID == nil || *m.CurrentSessionID != sessionID) {
			result = domain.PingSessionMismatch
			return nil
		}
		if m.ToDomain().OwnedByOther(actorID) {
			return domain.ErrUnauthorized
		}
		if m.ToDomain().Expired(now, r.timeout) {
			result = domain.PingExpired
			return nil
		}
		if err := tx.Model(m).Update("last_ping_at", now).Error; err != nil {
			return err
		}
		result = domain.PingOK
		return nil
	})
	if errors.Is(err, domain.ErrUnauthorized) {
		return domain.PingNotLive, err
	}
	if err != nil {
		l := log.Ctx(log.WithChannel(ctx, channelID))
		l.Error().Err(err).Msg("failed to ping session")
		return domain.PingNotLive, err
	}
	return result, nil
}

// StopSession stops the live session. An empty sessionID stops whatever is
// live; otherwise the id must match. It returns nil when nothing was stopped,
// which makes repeated stops harmless.
func (r *GormRegistry) StopSession(ctx context.Context, channelID, sessionID string) (*domain.StoppedSession, error) {
	return r.stopMatching(ctx, channelID, sessionID, domain.StopReasonExplicit)
}

// ForceStopBySession stops sessionID only if it is still the live session.
func (r *GormRegistry) ForceStopBySession(ctx context.Context, channelID, sessionID string) (*domain.StoppedSession, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidRequest
	}
	return r.stopMatching(ctx, channelID, sessionID, domain.StopReasonForced)
}

func (r *GormRegistry) stopMatching(ctx context.Context, channelID, sessionID string, reason domain.StopReason) (*domain.StoppedSession, error) {
	unlock := r.lock(channelID)
	var stopped *domain.StoppedSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := load(tx, channelID)
		if err != nil || m == nil || !m.IsLive {
			return err
		}
		if sessionID != "" && (m.CurrentSessionID == nil || *m.CurrentSessionID != sessionID) {
			return nil
		}
		s := stop(m, r.now(), reason)
		if err := tx.Save(m).Error; err != nil {
			return err
		}
		stopped = &s
		return nil
	})
	unlock()

	if err != nil {
		l := log.Ctx(log.WithChannel(ctx, channelID))
		l.Error().Err(err).Msg("failed to stop session")
		return nil, err
	}
	if stopped != nil {
		r.notify(ctx, *stopped)
	}
	return stopped, nil
}

// GetActiveSession reports the live session, stopping it first when its
// heartbeat has expired.
func (r *GormRegistry) GetActiveSession(ctx context.Context, channelID string) (domain.ActiveSession, error) {
	unlock := r.lock(channelID)
	var (
		active  domain.ActiveSession
		stopped *domain.StoppedSession
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		m, err := load(tx, channelID)
		if err != nil || m == nil || !m.IsLive {
			return err
		}
		if m.ToDomain().Expired(now, r.timeout) {
			s := stop(m, now, domain.StopReasonExpired)
			if err := tx.Save(m).Error; err != nil {
				return err
			}
			stopped = &s
			return nil
		}
		active = domain.ActiveSession{Active: true, SessionID: m.ToDomain().SessionID()}
		return nil
	})
	unlock()

	if err != nil {
		l := log.Ctx(log.WithChannel(ctx, channelID))
		l.Error().Err(err).Msg("failed to get active session")
		return domain.ActiveSession{}, err
	}
	if stopped != nil {
		r.notify(ctx, *stopped)
	}
	return active, nil
}

// GetRecord returns the stored record, or nil for an unknown channel.
func (r *GormRegistry) GetRecord(ctx context.Context, channelID string) (*domain.SessionRecord, error) {
	m, err := load(r.db.WithContext(ctx), channelID)
	if err != nil {
		l := log.Ctx(log.WithChannel(ctx, channelID))
		l.Error().Err(err).Msg("failed to get session record")
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return m.ToDomain(), nil
}

// MirrorViewerCount persists the latest viewer count and raises the peak.
// Unknown channels are ignored.
func (r *GormRegistry) MirrorViewerCount(ctx context.Context, channelID string, count int) error {
	if count < 0 {
		count = 0
	}
	err := r.db.WithContext(ctx).
		Model(&domain.SessionRecordModel{}).
		Where("channel_id = ?", channelID).
		Updates(map[string]interface{}{
			"viewers":      count,
			"peak_viewers": gorm.Expr("CASE WHEN peak_viewers < ? THEN ? ELSE peak_viewers END", count, count),
		}).Error
	if err != nil {
		l := log.Ctx(log.WithChannel(ctx, channelID))
		l.Warn().Err(err).Msg("failed to mirror viewer count")
	}
	return err
}

// ExpireStale stops every live session whose heartbeat is older than the
// liveness timeout.
func (r *GormRegistry) ExpireStale(ctx context.Context) ([]domain.StoppedSession, error) {
	cutoff := r.now().Add(-r.timeout)

	var channelIDs []string
	err := r.db.WithContext(ctx).
		Model(&domain.SessionRecordModel{}).
		Where("is_live = ? AND last_ping_at <= ?", true, cutoff).
		Pluck("channel_id", &channelIDs).Error
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to list stale sessions")
		return nil, err
	}

	var expired []domain.StoppedSession
	for _, channelID := range channelIDs {
		s, err := r.expireOne(ctx, channelID)
		if err != nil {
			return expired, err
		}
		if s != nil {
			expired = append(expired, *s)
		}
	}
	return expired, nil
}

func (r *GormRegistry) expireOne(ctx context.Context, channelID string) (*domain.StoppedSession, error) {
	unlock := r.lock(channelID)
	var stopped *domain.StoppedSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		m, err := load(tx, channelID)
		if err != nil || m == nil {
			return err
		}
		// Re-check under the lock: a ping may have landed since the scan.
		if !m.ToDomain().Expired(now, r.timeout) {
			return nil
		}
		s := stop(m, now, domain.StopReasonExpired)
		if err := tx.Save(m).Error; err != nil {
			return err
		}
		stopped = &s
		return nil
	})
	unlock()

	if err != nil {
		l := log.Ctx(log.WithChannel(ctx, channelID))
		l.Error().Err(err).Msg("failed to expire session")
		return nil, err
	}
	if stopped != nil {
		r.notify(ctx, *stopped)
	}
	return stopped, nil
}
