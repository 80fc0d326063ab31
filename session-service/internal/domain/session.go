package domain

import "time"

// LivenessTimeout is the maximum silence between heartbeats before a
// session is considered dead. The read path, the background sweep and the
// stale-connection cleanup all use this value.
const LivenessTimeout = 45 * time.Second

// StopReason explains why a session ended.
type StopReason string

const (
	StopReasonExplicit   StopReason = "explicit"
	StopReasonSuperseded StopReason = "superseded"
	StopReasonExpired    StopReason = "expired"
	StopReasonForced     StopReason = "forced"
)

// SessionRecord is the durable per-channel session state.
type SessionRecord struct {
	ChannelID         string        `json:"channel_id"`
	CurrentSessionID  *string       `json:"current_session_id,omitempty"`
	IsLive            bool          `json:"is_live"`
	SessionStartedAt  *time.Time    `json:"session_started_at,omitempty"`
	LastPingAt        *time.Time    `json:"last_ping_at,omitempty"`
	Viewers           int           `json:"viewers"`
	PeakViewers       int           `json:"peak_viewers"`
	TotalStreamTime   time.Duration `json:"total_stream_time"`
	LastStreamEndedAt *time.Time    `json:"last_stream_ended_at,omitempty"`
	StartedBy         *string       `json:"started_by,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// SessionID returns the current session id or "".
func (r *SessionRecord) SessionID() string {
	if r == nil || r.CurrentSessionID == nil {
		return ""
	}
	return *r.CurrentSessionID
}

// Expired reports whether a live record has gone silent for at least timeout.
func (r *SessionRecord) Expired(now time.Time, timeout time.Duration) bool {
	if !r.IsLive || r.LastPingAt == nil {
		return false
	}
	return now.Sub(*r.LastPingAt) >= timeout
}

// OwnedByOther reports whether the record names a starter other than actorID.
func (r *SessionRecord) OwnedByOther(actorID string) bool {
	return r != nil && r.StartedBy != nil && *r.StartedBy != actorID
}

// ActiveSession is the answer to "is this channel live, and with which session".
type ActiveSession struct {
	Active    bool   `json:"is_active"`
	SessionID string `json:"session_id,omitempty"`
}

// StoppedSession summarises a session that has just ended.
type StoppedSession struct {
	ChannelID   string        `json:"channel_id"`
	SessionID   string        `json:"session_id"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration"`
	PeakViewers int           `json:"peak_viewers"`
	StartedBy   string        `json:"started_by,omitempty"`
	Reason      StopReason    `json:"reason"`
}

// StartResult is returned by a successful StartSession.
type StartResult struct {
	Record     *SessionRecord  `json:"record"`
	Superseded *StoppedSession `json:"superseded,omitempty"`
	Refreshed  bool            `json:"refreshed"`
}

// PingResult is the outcome of a heartbeat.
type PingResult int

const (
	PingOK PingResult = iota
	PingNotLive
	PingExpired
	PingSessionMismatch
)

func (p PingResult) String() string {
	switch p {
	case PingOK:
		return "ok"
	case PingNotLive:
		return "not_live"
	case PingExpired:
		return "expired"
	case PingSessionMismatch:
		return "session_mismatch"
	default:
		return "unknown"
	}
}

// StreamStatus is the reconciled view served to clients.
type StreamStatus struct {
	ChannelID   string `json:"channel_id"`
	IsLive      bool   `json:"is_live"`
	SessionID   string `json:"session_id,omitempty"`
	Viewers     int    `json:"viewers"`
	MediaOnline bool   `json:"media_online"`
}

// MediaStreamState is media-service's own view of a channel.
type MediaStreamState struct {
	IsLive    bool   `json:"isLive"`
	SessionID string `json:"sessionId,omitempty"`
}
