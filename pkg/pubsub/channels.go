package pubsub

import "fmt"

// Channel naming conventions. Every channel follows
// {prefix}:channel:{channelID}:to_{target} so it maps onto a Kafka topic
// ({prefix}-to-{target}) keyed by the channel id.
const (
	// Session -> viewer fan-out (viewer counts, stream lifecycle).
	ChannelSessionToViewers = "session:channel:%s:to_viewers"

	// Media -> session notifications.
	ChannelMediaToSession = "media:channel:%s:to_session"

	PatternSessionToViewers = "session:channel:*:to_viewers"
	PatternMediaToSession   = "media:channel:*:to_session"
)

// Event types for Session -> Viewers.
const (
	EventViewerCountChanged = "viewer_count_changed"
	EventStreamStarted      = "stream_started"
	EventStreamStopped      = "stream_stopped"
)

// Event types for Media -> Session.
const (
	EventMediaSessionEnded = "media_session_ended"
)

// SessionToViewersChannel returns the fan-out channel for a streaming channel.
func SessionToViewersChannel(channelID string) string {
	return fmt.Sprintf(ChannelSessionToViewers, channelID)
}

// MediaToSessionChannel returns the channel media-service reports on.
func MediaToSessionChannel(channelID string) string {
	return fmt.Sprintf(ChannelMediaToSession, channelID)
}

// ViewerCountPayload accompanies EventViewerCountChanged.
type ViewerCountPayload struct {
	ChannelID   string `json:"channel_id"`
	Count       int    `json:"count"`
	UniqueUsers int    `json:"unique_users"`
}

// StreamStartedPayload accompanies EventStreamStarted.
type StreamStartedPayload struct {
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
}

// StreamStoppedPayload accompanies EventStreamStopped.
type StreamStoppedPayload struct {
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// MediaSessionEndedPayload is sent when the last producer of a session
// closes without the control plane asking for it.
type MediaSessionEndedPayload struct {
	ChannelID string `json:"channel_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"` // "disconnect", "transport_failed"
}
