package domain

// Signaling request types from client.
const (
	MsgTypeGetRouterCapabilities = "get-router-capabilities"
	MsgTypeCreateTransport       = "create-transport"
	MsgTypeConnectTransport      = "connect-transport"
	MsgTypeProduce               = "produce"
	MsgTypeConsume               = "consume"
	MsgTypeCheckStream           = "check-stream"
	MsgTypePing                  = "ping"
)

// Signaling message types to client.
const (
	MsgTypePong           = "pong"
	MsgTypeError          = "error"
	MsgTypeStreamStopped  = "stream-stopped"
	MsgTypeProducerClosed = "producer-closed"
)

// Error codes
const (
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidCapability = "INVALID_CAPABILITY"
	ErrCodeStreamNotActive   = "STREAM_NOT_ACTIVE"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// Request is the envelope of every signaling request. Fields beyond the
// first three are only read by the request types that need them.
type Request struct {
	Type            string           `json:"type"`
	RequestID       string           `json:"requestId"`
	ChannelID       string           `json:"channelId"`
	TransportID     string           `json:"transportId,omitempty"`
	Kind            Kind             `json:"kind,omitempty"`
	SessionID       string           `json:"sessionId,omitempty"`
	RTPParameters   *RTPParameters   `json:"rtpParameters,omitempty"`
	RTPCapabilities *RTPCapabilities `json:"rtpCapabilities,omitempty"`
	DTLSParameters  *DTLSParameters  `json:"dtlsParameters,omitempty"`
}

// Response answers a request; Type echoes the request type.
type Response struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Data      interface{} `json:"data,omitempty"`
}

// ConnectTransportData is the payload of a connect-transport response.
type ConnectTransportData struct {
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConsumeData is the payload of a consume response.
type ConsumeData struct {
	Consumers []ConsumerInfo `json:"consumers"`
}

// ErrorMessage is sent only to the socket whose request failed.
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewErrorMessage creates an error reply for requestID.
func NewErrorMessage(requestID, code, message string, retryable bool) ErrorMessage {
	return ErrorMessage{
		Type:      MsgTypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}

// StreamStoppedMessage is pushed to every socket in a room when its
// session ends.
type StreamStoppedMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// ProducerClosedMessage is pushed to a room when one producer goes away,
// so viewers can drop the matching consumer.
type ProducerClosedMessage struct {
	Type       string `json:"type"`
	ChannelID  string `json:"channelId"`
	ProducerID string `json:"producerId"`
	Kind       Kind   `json:"kind"`
	Reason     string `json:"reason"`
}

// Control-plane HTTP bodies.

// StreamControlRequest is the body of POST /stream/start and /stream/stop.
type StreamControlRequest struct {
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId"`
}

// StreamStopResponse answers POST /stream/stop.
type StreamStopResponse struct {
	Stopped bool `json:"stopped"`
}

// CheckStreamResponse answers GET /check-stream/{channelId}.
type CheckStreamResponse struct {
	IsLive    bool   `json:"isLive"`
	SessionID string `json:"sessionId,omitempty"`
}

// ViewerCountResponse answers GET /viewers/{channelId}.
type ViewerCountResponse struct {
	Count int `json:"count"`
}
