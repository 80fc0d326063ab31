package handler

import (
	"context"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
)

// RoomService is the room manager as seen by the HTTP and signaling
// handlers.
type RoomService interface {
	Capabilities() domain.RTPCapabilities
	CreateTransport(channelID, socketID string) (domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, channelID, transportID string, params domain.DTLSParameters) (domain.DTLSParameters, error)
	Produce(channelID, transportID string, kind domain.Kind, params domain.RTPParameters, sessionID string) (domain.ProducerInfo, error)
	Consume(channelID, transportID string, caps domain.RTPCapabilities, socketID string) ([]domain.ConsumerInfo, error)
	CloseSocket(socketID string)
	ExpectSession(channelID, sessionID string) error
	StopSession(channelID, sessionID string) (bool, error)
	State(channelID string) domain.RoomState
}
