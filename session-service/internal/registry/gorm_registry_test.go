package registry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-session/pkg/database"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stopRecorder struct {
	mu      sync.Mutex
	stopped []domain.StoppedSession
}

func (s *stopRecorder) listen(_ context.Context, stopped domain.StoppedSession) {
	s.mu.Lock()
	s.stopped = append(s.stopped, stopped)
	s.mu.Unlock()
}

func (s *stopRecorder) all() []domain.StoppedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StoppedSession(nil), s.stopped...)
}

func newTestRegistry(t *testing.T) (*GormRegistry, *fakeClock, *stopRecorder) {
	t.Helper()

	db, err := database.New(&database.Config{
		Driver:       "sqlite",
		FilePath:     ":memory:",
		MaxOpenConns: 1,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	clock := newFakeClock()
	rec := &stopRecorder{}
	r := NewGormRegistry(db, WithClock(clock.Now), WithStopListener(rec.listen))
	require.NoError(t, r.AutoMigrate())
	return r, clock, rec
}

func TestStartSession_NewChannel(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.StartSession(ctx, "ch1", "s1", "user-1")
	require.NoError(t, err)
	assert.Nil(t, res.Superseded)
	assert.False(t, res.Refreshed)
	assert.True(t, res.Record.IsLive)
	assert.Equal(t, "s1", res.Record.SessionID())
	require.NotNil(t, res.Record.StartedBy)
	assert.Equal(t, "user-1", *res.Record.StartedBy)
	assert.True(t, res.Record.SessionStartedAt.Equal(clock.Now()))

	active, err := r.GetActiveSession(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, domain.ActiveSession{Active: true, SessionID: "s1"}, active)
}

func TestStartSession_RejectsEmptyIDs(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.StartSession(context.Background(), "", "s1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = r.StartSession(context.Background(), "ch1", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestStartSession_SupersedesPrevious(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "ch1", "s1", "user-1")
	require.NoError(t, err)
	clock.Advance(10 * time.Second)

	res, err := r.StartSession(ctx, "ch1", "s2", "user-1")
	require.NoError(t, err)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, "s1", res.Superseded.SessionID)
	assert.Equal(t, domain.StopReasonSuperseded, res.Superseded.Reason)
	assert.Equal(t, 10*time.Second, res.Superseded.Duration)
	assert.Equal(t, "s2", res.Record.SessionID())

	stopped := rec.all()
	require.Len(t, stopped, 1)
	assert.Equal(t, "s1", stopped[0].SessionID)

	// The old session can no longer heartbeat or stop the new one.
	result, err := r.Ping(ctx, "ch1", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PingSessionMismatch, result)

	s, err := r.StopSession(ctx, "ch1", "s1")
	require.NoError(t, err)
	assert.Nil(t, s)

	active, err := r.GetActiveSession(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "s2", active.SessionID)
}

func TestStartSession_SameSessionRefreshes(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.StartSession(ctx, "ch1", "s1", "user-1")
	require.NoError(t, err)
	clock.Advance(20 * time.Second)

	again, err := r.StartSession(ctx, "ch1", "s1", "user-1")
	require.NoError(t, err)
	assert.True(t, again.Refreshed)
	assert.Nil(t, again.Superseded)
	assert.True(t, again.Record.SessionStartedAt.Equal(*first.Record.SessionStartedAt))
	assert.True(t, again.Record.LastPingAt.Equal(clock.Now()))
	assert.Empty(t, rec.all())
}

func TestStartSession_SameSessionAfterExpiryRestarts(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)
	clock.Advance(domain.LivenessTimeout + time.Second)

	res, err := r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.True(t, res.Record.SessionStartedAt.Equal(clock.Now()))

	stopped := rec.all()
	require.Len(t, stopped, 1)
	assert.Equal(t, domain.StopReasonExpired, stopped[0].Reason)
}

func TestLivenessExpiry(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)

	clock.Advance(46 * time.Second)

	active, err := r.GetActiveSession(ctx, "ch1")
	require.NoError(t, err)
	assert.False(t, active.Active)
	assert.Empty(t, active.SessionID)

	record, err := r.GetRecord(ctx, "ch1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.IsLive)
	assert.Nil(t, record.CurrentSessionID)
	assert.Equal(t, 46*time.Second, record.TotalStreamTime)
	require.NotNil(t, record.LastStreamEndedAt)

	stopped := rec.all()
	require.Len(t, stopped, 1)
	assert.Equal(t, domain.StopReasonExpired, stopped[0].Reason)
}

func TestPing(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	ctx := context.Background()

	result, err := r.Ping(ctx, "unknown", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PingNotLive, result)

	_, err = r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	result, err = r.Ping(ctx, "ch1", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PingOK, result)

	// Refreshed heartbeat keeps the session alive past the original deadline.
	clock.Advance(30 * time.Second)
	active, err := r.GetActiveSession(ctx, "ch1")
	require.NoError(t, err)
	assert.True(t, active.Active)

	result, err = r.Ping(ctx, "ch1", "other", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PingSessionMismatch, result)

	result, err = r.Ping(ctx, "ch1", "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PingOK, result)
}

func TestPing_ExpiryBoundary(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)

	clock.Advance(domain.LivenessTimeout - time.Millisecond)
	result, err := r.Ping(ctx, "ch1", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PingOK, result)

	clock.Advance(domain.LivenessTimeout)
	result, err = r.Ping(ctx, "ch1", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.PingExpired, result)

	// Ping reports expiry without stopping the session.
	record, err := r.GetRecord(ctx, "ch1")
	require.NoError(t, err)
	assert.True(t, record.IsLive)
	assert.Empty(t, rec.all())
}

func TestStartSession_RejectsOtherActor(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "ch1", "s1", "owner")
	require.NoError(t, err)

	_, err = r.StartSession(ctx, "ch1", "evil", "intruder")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = r.StartSession(ctx, "ch1", "s1", "intruder")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = r.Ping(ctx, "ch1", "s1", "intruder")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = r.Ping(ctx, "ch1", "", "intruder")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	active, err := r.GetActiveSession(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "s1", active.SessionID)
	assert.Empty(t, rec.all())

	// An abandoned session is fair game.
	clock.Advance(domain.LivenessTimeout)
	res, err := r.StartSession(ctx, "ch1", "s2", "intruder")
	require.NoError(t, err)
	assert.Equal(t, "s2", res.Record.SessionID())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, domain.StopReasonExpired, rec.all()[0].Reason)
}

func TestStopSession(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "ch1", "s1", "user-1")
	require.NoError(t, err)
	require.NoError(t, r.MirrorViewerCount(ctx, "ch1", 3))
	clock.Advance(5 * time.Minute)

	stopped, err := r.StopSession(ctx, "ch1", "s1")
	require.NoError(t, err)
	require.NotNil(t, stopped)
	assert.Equal(t, domain.StopReasonExplicit, stopped.Reason)
	assert.Equal(t, 5*time.Minute, stopped.Duration)
	assert.Equal(t, 3, stopped.PeakViewers)
	assert.Equal(t, "user-1", stopped.StartedBy)

	again, err := r.StopSession(ctx, "ch1", "s1")
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, rec.all(), 1)

	record, err := r.GetRecord(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, 0, record.Viewers)
	assert.Equal(t, 5*time.Minute, record.TotalStreamTime)
}

func TestStopSession_EmptySessionStopsLive(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)

	stopped, err := r.StopSession(ctx, "ch1", "")
	require.NoError(t, err)
	require.NotNil(t, stopped)
	assert.Equal(t, "s1", stopped.SessionID)

	none, err := r.StopSession(ctx, "missing", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestForceStopBySession(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.ForceStopBySession(ctx, "ch1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = r.StartSession(ctx, "ch1", "s2", "")
	require.NoError(t, err)

	stale, err := r.ForceStopBySession(ctx, "ch1", "s1")
	require.NoError(t, err)
	assert.Nil(t, stale)

	stopped, err := r.ForceStopBySession(ctx, "ch1", "s2")
	require.NoError(t, err)
	require.NotNil(t, stopped)
	assert.Equal(t, domain.StopReasonForced, stopped.Reason)
}

func TestMirrorViewerCount_TracksPeak(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// Unknown channels are ignored.
	require.NoError(t, r.MirrorViewerCount(ctx, "missing", 5))
	record, err := r.GetRecord(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)

	for _, n := range []int{2, 7, 4} {
		require.NoError(t, r.MirrorViewerCount(ctx, "ch1", n))
	}

	record, err = r.GetRecord(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, 4, record.Viewers)
	assert.Equal(t, 7, record.PeakViewers)
}

func TestExpireStale(t *testing.T) {
	r, clock, rec := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "stale", "s1", "")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = r.StartSession(ctx, "fresh", "s2", "")
	require.NoError(t, err)
	clock.Advance(20 * time.Second)

	expired, err := r.ExpireStale(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].ChannelID)
	assert.Equal(t, domain.StopReasonExpired, expired[0].Reason)
	assert.Len(t, rec.all(), 1)

	active, err := r.GetActiveSession(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, active.Active)
}

func TestStartSession_ConcurrentSingleLive(t *testing.T) {
	r, _, rec := newTestRegistry(t)
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			_, err := r.StartSession(ctx, "ch1", sid, "")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	active, err := r.GetActiveSession(ctx, "ch1")
	require.NoError(t, err)
	assert.True(t, active.Active)
	assert.Contains(t, ids, active.SessionID)
	// Every start but the last superseded exactly one predecessor.
	assert.Len(t, rec.all(), len(ids)-1)
}

func TestLogLines_ChannelTaggedOnce(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var buf bytes.Buffer
	logger := log.NewWithWriter(&buf, log.Config{Level: "info", InstanceID: "test"})
	ctx := log.WithChannel(log.WithLogger(context.Background(), logger), "ch1")

	_, err := r.StartSession(ctx, "ch1", "s1", "")
	require.NoError(t, err)
	_, err = r.StopSession(ctx, "ch1", "s1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"`+log.FieldChannelID+`":`), line)
	}
}
