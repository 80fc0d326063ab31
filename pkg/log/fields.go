package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware/auth.go keys)
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Service
	FieldService  = "service"
	FieldInstance = "instance"

	// Streaming
	FieldChannelID    = "channel_id"
	FieldSessionID    = "session_id"
	FieldConnectionID = "connection_id"
	FieldSocketID     = "socket_id"
	FieldTransportID  = "transport_id"
	FieldProducerID   = "producer_id"
	FieldConsumerID   = "consumer_id"
	FieldKind         = "kind"
	FieldReason       = "reason"
	FieldViewers      = "viewers"
)
