package presence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

type viewerEntry struct {
	channelID    string
	connectionID string
	userID       string
	joinedAt     time.Time
	lastActivity atomic.Int64 // unix nanos
}

func (e *viewerEntry) snapshot() domain.ViewerConnection {
	return domain.ViewerConnection{
		ChannelID:    e.channelID,
		ConnectionID: e.connectionID,
		UserID:       e.userID,
		JoinedAt:     e.joinedAt,
		LastActivity: time.Unix(0, e.lastActivity.Load()).UTC(),
	}
}

// channelSet holds one channel's connections and per-user connection counts.
// A set marked dead has been unlinked from the tracker and must not be
// written to; writers retry with a fresh set.
type channelSet struct {
	mu    sync.Mutex
	dead  bool
	conns map[string]*viewerEntry
	users map[string]int
}

func newChannelSet() *channelSet {
	return &channelSet{
		conns: make(map[string]*viewerEntry),
		users: make(map[string]int),
	}
}

// Tracker tracks viewer connections per channel in memory.
type Tracker struct {
	liveness    LivenessChecker
	mirror      CountMirror
	broadcaster Broadcaster
	now         func() time.Time

	channels    sync.Map // channelID -> *channelSet
	connections sync.Map // connectionID -> *viewerEntry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMirror sets where live counts are copied for reporting.
func WithMirror(m CountMirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

// WithBroadcaster sets the sink for viewer count changes.
func WithBroadcaster(b Broadcaster) Option {
	return func(t *Tracker) { t.broadcaster = b }
}

// NewTracker creates a tracker gated by liveness.
func NewTracker(liveness LivenessChecker, opts ...Option) *Tracker {
	t := &Tracker{
		liveness: liveness,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddViewer attaches connectionID to channelID. Liveness is checked on every
// call; a channel that is not live yields ErrStreamNotActive. A connection
// already attached to another channel is moved.
func (t *Tracker) AddViewer(ctx context.Context, channelID, connectionID, userID string) error {
	if channelID == "" || connectionID == "" {
		return domain.ErrInvalidRequest
	}

	active, err := t.liveness.GetActiveSession(ctx, channelID)
	if err != nil {
		return fmt.Errorf("check liveness: %w", err)
	}
	if !active.Active {
		return domain.ErrStreamNotActive
	}

	base := ctx
	ctx = log.WithChannel(ctx, channelID)
	l := log.Ctx(ctx)

	if v, ok := t.connections.Load(connectionID); ok {
		existing := v.(*viewerEntry)
		if existing.channelID == channelID && t.attached(existing) {
			existing.lastActivity.Store(t.now().UnixNano())
			return nil
		}
		// Either a move, or an index entry whose set was cleared underneath it.
		if t.connections.CompareAndDelete(connectionID, existing) {
			t.detach(existing)
			if existing.channelID != channelID {
				l.Debug().
					Str(log.FieldConnectionID, connectionID).
					Str("from_channel", existing.channelID).
					Msg("viewer migrated")
				t.publish(base, existing.channelID)
			}
		}
	}

	now := t.now()
	entry := &viewerEntry{
		channelID:    channelID,
		connectionID: connectionID,
		userID:       userID,
		joinedAt:     now,
	}
	entry.lastActivity.Store(now.UnixNano())

	for {
		v, _ := t.channels.LoadOrStore(channelID, newChannelSet())
		set := v.(*channelSet)
		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.conns[connectionID] = entry
		if userID != "" {
			set.users[userID]++
		}
		set.mu.Unlock()
		break
	}
	t.connections.Store(connectionID, entry)

	// A clear that ran between the insert and the Store missed this entry.
	if !t.attached(entry) {
		t.connections.CompareAndDelete(connectionID, entry)
		return domain.ErrStreamNotActive
	}

	l.Debug().
		Str(log.FieldConnectionID, connectionID).
		Str(log.FieldUserID, userID).
		Msg("viewer added")
	t.publish(ctx, channelID)
	return nil
}

// attached reports whether entry is still held by a live channel set.
func (t *Tracker) attached(entry *viewerEntry) bool {
	v, ok := t.channels.Load(entry.channelID)
	if !ok {
		return false
	}
	set := v.(*channelSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return !set.dead && set.conns[entry.connectionID] == entry
}

// RemoveViewer detaches a connection from whichever channel holds it.
func (t *Tracker) RemoveViewer(ctx context.Context, connectionID string) bool {
	v, ok := t.connections.LoadAndDelete(connectionID)
	if !ok {
		return false
	}
	entry := v.(*viewerEntry)
	t.detach(entry)

	ctx = log.WithChannel(ctx, entry.channelID)
	l := log.Ctx(ctx)
	l.Debug().
		Str(log.FieldConnectionID, connectionID).
		Msg("viewer removed")
	t.publish(ctx, entry.channelID)
	return true
}

// detach removes entry from its channel set, unlinking the set when it
// becomes empty.
func (t *Tracker) detach(entry *viewerEntry) {
	v, ok := t.channels.Load(entry.channelID)
	if !ok {
		return
	}
	set := v.(*channelSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	if set.conns[entry.connectionID] != entry {
		return
	}
	delete(set.conns, entry.connectionID)
	if entry.userID != "" {
		if n := set.users[entry.userID] - 1; n > 0 {
			set.users[entry.userID] = n
		} else {
			delete(set.users, entry.userID)
		}
	}
	if len(set.conns) == 0 {
		set.dead = true
		t.channels.CompareAndDelete(entry.channelID, set)
	}
}

// GetViewerCount returns the number of connections on channelID.
func (t *Tracker) GetViewerCount(channelID string) int {
	v, ok := t.channels.Load(channelID)
	if !ok {
		return 0
	}
	set := v.(*channelSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.conns)
}

// GetUniqueUserCount returns the number of distinct identified users on channelID.
func (t *Tracker) GetUniqueUserCount(channelID string) int {
	v, ok := t.channels.Load(channelID)
	if !ok {
		return 0
	}
	set := v.(*channelSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.users)
}

// Counts returns both counts for channelID.
func (t *Tracker) Counts(channelID string) domain.ViewerCount {
	c := domain.ViewerCount{ChannelID: channelID}
	v, ok := t.channels.Load(channelID)
	if !ok {
		return c
	}
	set := v.(*channelSet)
	set.mu.Lock()
	c.Count = len(set.conns)
	c.UniqueUsers = len(set.users)
	set.mu.Unlock()
	return c
}

// Connection returns the connection's current attachment.
func (t *Tracker) Connection(connectionID string) (domain.ViewerConnection, bool) {
	v, ok := t.connections.Load(connectionID)
	if !ok {
		return domain.ViewerConnection{}, false
	}
	return v.(*viewerEntry).snapshot(), true
}

// Touch refreshes a connection's last activity.
func (t *Tracker) Touch(connectionID string) bool {
	v, ok := t.connections.Load(connectionID)
	if !ok {
		return false
	}
	v.(*viewerEntry).lastActivity.Store(t.now().UnixNano())
	return true
}

// ClearChannelViewers removes every connection on channelID and zeroes the
// persisted mirror. It returns the number of connections removed.
func (t *Tracker) ClearChannelViewers(ctx context.Context, channelID string) int {
	ctx = log.WithChannel(ctx, channelID)
	var removed int
	if v, ok := t.channels.LoadAndDelete(channelID); ok {
		set := v.(*channelSet)
		set.mu.Lock()
		set.dead = true
		entries := make([]*viewerEntry, 0, len(set.conns))
		for _, e := range set.conns {
			entries = append(entries, e)
		}
		set.conns = make(map[string]*viewerEntry)
		set.users = make(map[string]int)
		set.mu.Unlock()

		for _, e := range entries {
			if t.connections.CompareAndDelete(e.connectionID, e) {
				removed++
			}
		}
	}

	l := log.Ctx(ctx)
	l.Info().
		Int("removed", removed).
		Msg("channel viewers cleared")
	t.publish(ctx, channelID)
	return removed
}

// CleanupOldConnections removes connections idle for longer than maxAge and
// returns how many were removed.
func (t *Tracker) CleanupOldConnections(ctx context.Context, maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge).UnixNano()
	affected := make(map[string]struct{})
	var removed int

	t.connections.Range(func(key, value any) bool {
		entry := value.(*viewerEntry)
		if entry.lastActivity.Load() >= cutoff {
			return true
		}
		if t.connections.CompareAndDelete(key, entry) {
			t.detach(entry)
			affected[entry.channelID] = struct{}{}
			removed++
		}
		return true
	})

	for channelID := range affected {
		t.publish(ctx, channelID)
	}
	if removed > 0 {
		l := log.Ctx(ctx)
		l.Info().Int("removed", removed).Msg("stale viewer connections cleaned up")
	}
	return removed
}

func (t *Tracker) publish(ctx context.Context, channelID string) {
	ctx = log.WithChannel(ctx, channelID)
	counts := t.Counts(channelID)
	if t.mirror != nil {
		if err := t.mirror.MirrorViewerCount(ctx, channelID, counts.Count); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("viewer count mirror failed")
		}
	}
	if t.broadcaster != nil {
		t.broadcaster.BroadcastViewerCount(ctx, counts)
	}
}
