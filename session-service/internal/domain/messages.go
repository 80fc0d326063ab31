package domain

import "time"

// Viewer websocket message types from client.
const (
	MsgTypeJoin  = "join"
	MsgTypeLeave = "leave"
	MsgTypePing  = "ping"
)

// Viewer websocket message types to client.
const (
	MsgTypeJoined             = "joined"
	MsgTypeLeft               = "left"
	MsgTypePong               = "pong"
	MsgTypeError              = "error"
	MsgTypeViewerCountChanged = "viewer_count_changed"
	MsgTypeStreamStarted      = "stream_started"
	MsgTypeStreamStopped      = "stream_stopped"
)

// Error codes
const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeStreamNotActive = "STREAM_NOT_ACTIVE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// BaseMessage is the base structure for all websocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// JoinMessage is sent by a viewer to start watching a channel.
type JoinMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Token     string `json:"token,omitempty"`
}

// JoinedMessage confirms a join.
type JoinedMessage struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channel_id"`
	Count       int    `json:"count"`
	UniqueUsers int    `json:"unique_users"`
}

// LeftMessage confirms a leave.
type LeftMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// ViewerCountMessage is broadcast when a channel's viewer count changes.
type ViewerCountMessage struct {
	Type        string `json:"type"`
	ChannelID   string `json:"channel_id"`
	Count       int    `json:"count"`
	UniqueUsers int    `json:"unique_users"`
}

// StreamLifecycleMessage is broadcast on stream start and stop.
type StreamLifecycleMessage struct {
	Type      string    `json:"type"`
	ChannelID string    `json:"channel_id"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// ErrorMessage is sent only to the client whose request failed.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// NewErrorMessage creates a new error message.
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:      MsgTypeError,
		Code:      code,
		Message:   message,
		Retryable: code == ErrCodeStreamNotActive,
	}
}
