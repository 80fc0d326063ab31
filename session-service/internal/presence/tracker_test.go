package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

type fakeLiveness struct {
	mu   sync.Mutex
	live map[string]bool
	err  error
}

func newFakeLiveness(channels ...string) *fakeLiveness {
	f := &fakeLiveness{live: make(map[string]bool)}
	for _, ch := range channels {
		f.live[ch] = true
	}
	return f
}

func (f *fakeLiveness) set(channelID string, live bool) {
	f.mu.Lock()
	f.live[channelID] = live
	f.mu.Unlock()
}

func (f *fakeLiveness) GetActiveSession(_ context.Context, channelID string) (domain.ActiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.ActiveSession{}, f.err
	}
	if f.live[channelID] {
		return domain.ActiveSession{Active: true, SessionID: "s-" + channelID}, nil
	}
	return domain.ActiveSession{}, nil
}

type fakeMirror struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeMirror) MirrorViewerCount(_ context.Context, channelID string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[channelID] = count
	return nil
}

func (f *fakeMirror) get(channelID string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.counts[channelID]
	return n, ok
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []domain.ViewerCount
}

func (f *fakeBroadcaster) BroadcastViewerCount(_ context.Context, count domain.ViewerCount) {
	f.mu.Lock()
	f.events = append(f.events, count)
	f.mu.Unlock()
}

func (f *fakeBroadcaster) last() domain.ViewerCount {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return domain.ViewerCount{}
	}
	return f.events[len(f.events)-1]
}

func TestAddViewer_CountsAndUniqueUsers(t *testing.T) {
	ctx := context.Background()
	bc := &fakeBroadcaster{}
	mirror := &fakeMirror{}
	tr := NewTracker(newFakeLiveness("7"), WithBroadcaster(bc), WithMirror(mirror))

	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	require.NoError(t, tr.AddViewer(ctx, "7", "c2", "u1"))
	require.NoError(t, tr.AddViewer(ctx, "7", "c3", ""))

	assert.Equal(t, 3, tr.GetViewerCount("7"))
	assert.Equal(t, 1, tr.GetUniqueUserCount("7"))
	assert.Equal(t, domain.ViewerCount{ChannelID: "7", Count: 3, UniqueUsers: 1}, bc.last())

	n, ok := mirror.get("7")
	require.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestAddViewer_SiblingConnectionKeepsUser(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newFakeLiveness("7"))

	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	require.NoError(t, tr.AddViewer(ctx, "7", "c2", "u1"))

	assert.True(t, tr.RemoveViewer(ctx, "c1"))
	assert.Equal(t, 1, tr.GetViewerCount("7"))
	assert.Equal(t, 1, tr.GetUniqueUserCount("7"))

	assert.True(t, tr.RemoveViewer(ctx, "c2"))
	assert.Equal(t, 0, tr.GetViewerCount("7"))
	assert.Equal(t, 0, tr.GetUniqueUserCount("7"))
}

func TestAddViewer_NotActive(t *testing.T) {
	ctx := context.Background()
	liveness := newFakeLiveness()
	tr := NewTracker(liveness)

	err := tr.AddViewer(ctx, "7", "c1", "u1")
	assert.ErrorIs(t, err, domain.ErrStreamNotActive)
	assert.Equal(t, 0, tr.GetViewerCount("7"))

	// Liveness is not cached: once the channel goes live the retry succeeds.
	liveness.set("7", true)
	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	assert.Equal(t, 1, tr.GetViewerCount("7"))
}

func TestAddViewer_LivenessError(t *testing.T) {
	liveness := newFakeLiveness("7")
	liveness.err = errors.New("db down")
	tr := NewTracker(liveness)

	err := tr.AddViewer(context.Background(), "7", "c1", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrStreamNotActive)
}

func TestAddViewer_Migrates(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newFakeLiveness("7", "8"))

	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	require.NoError(t, tr.AddViewer(ctx, "7", "c2", "u1"))
	require.NoError(t, tr.AddViewer(ctx, "8", "c1", "u1"))

	assert.Equal(t, 1, tr.GetViewerCount("7"))
	assert.Equal(t, 1, tr.GetUniqueUserCount("7"), "sibling c2 keeps u1 on channel 7")
	assert.Equal(t, 1, tr.GetViewerCount("8"))
	assert.Equal(t, 1, tr.GetUniqueUserCount("8"))

	conn, ok := tr.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, "8", conn.ChannelID)

	require.NoError(t, tr.AddViewer(ctx, "8", "c2", "u1"))
	assert.Equal(t, 0, tr.GetViewerCount("7"))
	assert.Equal(t, 0, tr.GetUniqueUserCount("7"))
	assert.Equal(t, 2, tr.GetViewerCount("8"))
}

func TestAddViewer_SameChannelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newFakeLiveness("7"))

	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	assert.Equal(t, 1, tr.GetViewerCount("7"))
	assert.Equal(t, 1, tr.GetUniqueUserCount("7"))
}

func TestAddViewer_RejoinAfterClearedSet(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newFakeLiveness("7"))

	// An index entry left behind by a clear that raced the original join.
	stale := &viewerEntry{channelID: "7", connectionID: "c1", userID: "u1"}
	stale.lastActivity.Store(time.Now().UnixNano())
	tr.connections.Store("c1", stale)
	require.Equal(t, 0, tr.GetViewerCount("7"))

	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	assert.Equal(t, 1, tr.GetViewerCount("7"))
	assert.Equal(t, 1, tr.GetUniqueUserCount("7"))

	conn, ok := tr.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, "7", conn.ChannelID)
	assert.True(t, tr.RemoveViewer(ctx, "c1"))
	assert.Equal(t, 0, tr.GetViewerCount("7"))
}

func TestAddRemoveRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newFakeLiveness("7"))

	require.NoError(t, tr.AddViewer(ctx, "7", "c0", "u0"))
	before, beforeUsers := tr.GetViewerCount("7"), tr.GetUniqueUserCount("7")

	require.NoError(t, tr.AddViewer(ctx, "7", "c1", "u1"))
	assert.True(t, tr.RemoveViewer(ctx, "c1"))

	assert.Equal(t, before, tr.GetViewerCount("7"))
	assert.Equal(t, beforeUsers, tr.GetUniqueUserCount("7"))
	assert.False(t, tr.RemoveViewer(ctx, "c1"))
}

func TestClearChannelViewers(t *testing.T) {
	ctx := context.Background()
	bc := &fakeBroadcaster{}
	mirror := &fakeMirror{}
	tr := NewTracker(newFakeLiveness("7", "8"), WithBroadcaster(bc), WithMirror(mirror))

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.AddViewer(ctx, "7", fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i)))
	}
	require.NoError(t, tr.AddViewer(ctx, "8", "other", "u9"))

	assert.Equal(t, 3, tr.ClearChannelViewers(ctx, "7"))
	assert.Equal(t, 0, tr.GetViewerCount("7"))
	assert.Equal(t, 0, tr.GetUniqueUserCount("7"))
	assert.Equal(t, 1, tr.GetViewerCount("8"))

	_, ok := tr.Connection("c0")
	assert.False(t, ok)

	n, ok := mirror.get("7")
	require.True(t, ok)
	assert.Equal(t, 0, n)
	assert.Equal(t, domain.ViewerCount{ChannelID: "7"}, bc.last())

	// The channel accepts new viewers after a clear.
	require.NoError(t, tr.AddViewer(ctx, "7", "c0", "u0"))
	assert.Equal(t, 1, tr.GetViewerCount("7"))
}

func TestCleanupOldConnections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	tr := NewTracker(newFakeLiveness("7"), WithClock(clock))

	require.NoError(t, tr.AddViewer(ctx, "7", "stale", "u1"))
	require.NoError(t, tr.AddViewer(ctx, "7", "active", "u2"))
	advance(30 * time.Second)
	assert.True(t, tr.Touch("active"))
	advance(20 * time.Second)

	removed := tr.CleanupOldConnections(ctx, domain.LivenessTimeout)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tr.GetViewerCount("7"))

	_, ok := tr.Connection("stale")
	assert.False(t, ok)
	_, ok = tr.Connection("active")
	assert.True(t, ok)

	assert.False(t, tr.Touch("stale"))
}

func TestConcurrentAddRemove(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newFakeLiveness("7"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			assert.NoError(t, tr.AddViewer(ctx, "7", id, fmt.Sprintf("u%d", i%5)))
			if i%2 == 0 {
				tr.RemoveViewer(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, tr.GetViewerCount("7"))
	assert.Equal(t, 5, tr.GetUniqueUserCount("7"))
}
