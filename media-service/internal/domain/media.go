package domain

import "time"

// Kind is a media kind carried by a producer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is a kind a room can route.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Stop reasons reported on stream-stopped pushes and media_session_ended.
const (
	ReasonStopped         = "stopped"
	ReasonSuperseded      = "superseded"
	ReasonReplaced        = "replaced"
	ReasonDisconnect      = "disconnect"
	ReasonTransportFailed = "transport_failed"
	ReasonTrackEnded      = "track_ended"
	ReasonRoomClosed      = "room_closed"
)

// Codec describes one RTP codec as exchanged with signaling clients.
type Codec struct {
	Kind        Kind   `json:"kind"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8  `json:"preferredPayloadType,omitempty"`
}

// RTPCapabilities is what a router can route or what a client can receive.
type RTPCapabilities struct {
	Codecs []Codec `json:"codecs"`
}

// RTPParameters is what a client intends to send on a producer.
type RTPParameters struct {
	Codecs []Codec `json:"codecs"`
}

// DTLSParameters wraps the SDP exchanged on connect-transport: the client
// offer in, the server answer out.
type DTLSParameters struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TransportInfo is returned by create-transport.
type TransportInfo struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	SocketID  string `json:"-"`
}

// ProducerInfo is returned by produce.
type ProducerInfo struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	TransportID string `json:"transportId"`
	SessionID   string `json:"sessionId"`
	Codec       Codec  `json:"codec"`
}

// ConsumerInfo is returned by consume, one per routed producer.
type ConsumerInfo struct {
	ID          string `json:"id"`
	ProducerID  string `json:"producerId"`
	Kind        Kind   `json:"kind"`
	TransportID string `json:"transportId"`
	Codec       Codec  `json:"codec"`
}

// RoomState is the control-plane view of a room. LastActivity is nil for
// a channel without a room.
type RoomState struct {
	ChannelID    string     `json:"channelId"`
	IsLive       bool       `json:"isLive"`
	SessionID    string     `json:"sessionId,omitempty"`
	Viewers      int        `json:"viewers"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}
