package domain

// StartSessionRequest is the body of POST /api/v1/streams/start.
type StartSessionRequest struct {
	ChannelID string `json:"channel_id" binding:"required,max=64"`
	SessionID string `json:"session_id" binding:"required,max=128"`
}

// StopSessionRequest is the body of POST /api/v1/streams/stop. An empty
// session id stops whatever is live.
type StopSessionRequest struct {
	ChannelID string `json:"channel_id" binding:"required,max=64"`
	SessionID string `json:"session_id" binding:"max=128"`
}

// PingRequest is the body of POST /api/v1/streams/ping.
type PingRequest struct {
	ChannelID string `json:"channel_id" binding:"required,max=64"`
	SessionID string `json:"session_id" binding:"max=128"`
}

// StartSessionResponse is returned by a successful start.
type StartSessionResponse struct {
	ChannelID  string          `json:"channel_id"`
	SessionID  string          `json:"session_id"`
	Refreshed  bool            `json:"refreshed"`
	Superseded *StoppedSession `json:"superseded,omitempty"`
}

// StopSessionResponse reports whether a session was stopped.
type StopSessionResponse struct {
	Stopped bool            `json:"stopped"`
	Session *StoppedSession `json:"session,omitempty"`
}

// HistoryResponse lists archived sessions of a channel.
type HistoryResponse struct {
	ChannelID string           `json:"channel_id"`
	Sessions  []StoppedSession `json:"sessions"`
}
