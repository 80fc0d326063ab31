package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/wshub"
)

const defaultConnectTimeout = 10 * time.Second

// WSHandler serves the signaling websocket. Each connection is a socket
// that may open transports in several rooms; the hub groups sockets by
// channel so room events can be pushed to them.
type WSHandler struct {
	hub            *wshub.Hub
	rooms          RoomService
	connectTimeout time.Duration
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler. connectTimeout bounds ICE
// gathering on connect-transport.
func NewWSHandler(h *wshub.Hub, rooms RoomService, connectTimeout time.Duration) *WSHandler {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &WSHandler{
		hub:            h,
		rooms:          rooms,
		connectTimeout: connectTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := wshub.NewClient(uuid.New().String(), h.hub, conn)
	client.SetDisconnectHandler(func(c *wshub.Client) {
		h.rooms.CloseSocket(c.ID)
	})
	h.hub.Register(client)

	l.Debug().Str(log.FieldSocketID, client.ID).Msg("signaling socket connected")

	go client.WritePump()
	go client.ReadPump(func(c *wshub.Client, message []byte) {
		h.handleMessage(context.Background(), c, message)
	})
}

func (h *WSHandler) handleMessage(ctx context.Context, c *wshub.Client, message []byte) {
	var req domain.Request
	if err := json.Unmarshal(message, &req); err != nil {
		c.SendMessage(domain.NewErrorMessage("", domain.ErrCodeBadRequest, "invalid message format", false))
		return
	}

	ctx = log.WithLogger(ctx, log.L().With().
		Str(log.FieldSocketID, c.ID).
		Str(log.FieldRequestID, req.RequestID).
		Str(log.FieldChannelID, req.ChannelID).
		Logger())

	var (
		data interface{}
		err  error
	)
	switch req.Type {
	case domain.MsgTypePing:
		c.SendMessage(domain.Response{Type: domain.MsgTypePong, RequestID: req.RequestID})
		return

	case domain.MsgTypeGetRouterCapabilities:
		data = h.rooms.Capabilities()

	case domain.MsgTypeCheckStream:
		if err = requireChannel(req); err == nil {
			data = h.rooms.State(req.ChannelID)
		}

	case domain.MsgTypeCreateTransport:
		data, err = h.handleCreateTransport(c, req)

	case domain.MsgTypeConnectTransport:
		data, err = h.handleConnectTransport(ctx, req)

	case domain.MsgTypeProduce:
		data, err = h.handleProduce(ctx, req)

	case domain.MsgTypeConsume:
		data, err = h.handleConsume(c, req)

	default:
		c.SendMessage(domain.NewErrorMessage(req.RequestID, domain.ErrCodeBadRequest, "unknown message type", false))
		return
	}

	if err != nil {
		h.sendError(ctx, c, req, err)
		return
	}
	c.SendMessage(domain.Response{Type: req.Type, RequestID: req.RequestID, Data: data})
}

func (h *WSHandler) handleCreateTransport(c *wshub.Client, req domain.Request) (interface{}, error) {
	if err := requireChannel(req); err != nil {
		return nil, err
	}
	info, err := h.rooms.CreateTransport(req.ChannelID, c.ID)
	if err != nil {
		return nil, err
	}
	// Room pushes reach every socket holding a transport in the room.
	h.hub.JoinRoom(c, req.ChannelID)
	return info, nil
}

func (h *WSHandler) handleConnectTransport(ctx context.Context, req domain.Request) (interface{}, error) {
	if err := requireTransport(req); err != nil {
		return nil, err
	}
	if req.DTLSParameters == nil {
		return nil, fmt.Errorf("%w: dtlsParameters is required", domain.ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()

	answer, err := h.rooms.ConnectTransport(ctx, req.ChannelID, req.TransportID, *req.DTLSParameters)
	if err != nil {
		return nil, err
	}
	return domain.ConnectTransportData{DTLSParameters: answer}, nil
}

func (h *WSHandler) handleProduce(ctx context.Context, req domain.Request) (interface{}, error) {
	if err := requireTransport(req); err != nil {
		return nil, err
	}
	if req.RTPParameters == nil {
		return nil, fmt.Errorf("%w: rtpParameters is required", domain.ErrInvalidCapability)
	}

	info, err := h.rooms.Produce(req.ChannelID, req.TransportID, req.Kind, *req.RTPParameters, req.SessionID)
	if err != nil {
		return nil, err
	}

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldProducerID, info.ID).
		Str(log.FieldSessionID, info.SessionID).
		Str(log.FieldKind, string(info.Kind)).
		Msg("producer created")
	return info, nil
}

func (h *WSHandler) handleConsume(c *wshub.Client, req domain.Request) (interface{}, error) {
	if err := requireTransport(req); err != nil {
		return nil, err
	}
	if req.RTPCapabilities == nil {
		return nil, fmt.Errorf("%w: rtpCapabilities is required", domain.ErrInvalidCapability)
	}

	consumers, err := h.rooms.Consume(req.ChannelID, req.TransportID, *req.RTPCapabilities, c.ID)
	if err != nil {
		return nil, err
	}
	return domain.ConsumeData{Consumers: consumers}, nil
}

// sendError replies to the failing socket only.
func (h *WSHandler) sendError(ctx context.Context, c *wshub.Client, req domain.Request, err error) {
	code, message := domain.ErrCodeInternalError, "internal error"
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		code, message = domain.ErrCodeBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		code, message = domain.ErrCodeNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidCapability):
		code, message = domain.ErrCodeInvalidCapability, err.Error()
	case errors.Is(err, domain.ErrStreamNotActive):
		code, message = domain.ErrCodeStreamNotActive, "stream is not active"
	case errors.Is(err, domain.ErrConflict):
		code, message = domain.ErrCodeConflict, err.Error()
	default:
		l := log.Ctx(ctx)
		l.Error().Err(err).Str("type", req.Type).Msg("signaling request failed")
	}
	c.SendMessage(domain.NewErrorMessage(req.RequestID, code, message, domain.Retryable(err)))
}

// ProducerClosed tells the room's sockets to drop consumers of the producer.
func (h *WSHandler) ProducerClosed(channelID string, producer domain.ProducerInfo, reason string) {
	h.push(channelID, domain.ProducerClosedMessage{
		Type:       domain.MsgTypeProducerClosed,
		ChannelID:  channelID,
		ProducerID: producer.ID,
		Kind:       producer.Kind,
		Reason:     reason,
	})
}

// StreamStopped tells the room's sockets the session is over.
func (h *WSHandler) StreamStopped(channelID, sessionID, reason string) {
	h.push(channelID, domain.StreamStoppedMessage{
		Type:      domain.MsgTypeStreamStopped,
		ChannelID: channelID,
		SessionID: sessionID,
		Reason:    reason,
	})
}

// MediaSessionEnded is reported on the bus, not to sockets.
func (h *WSHandler) MediaSessionEnded(string, string, string) {}

func (h *WSHandler) push(channelID string, message interface{}) {
	if err := h.hub.BroadcastToRoom(channelID, message, ""); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldChannelID, channelID).Msg("failed to push room event")
	}
}

func requireChannel(req domain.Request) error {
	if req.ChannelID == "" {
		return fmt.Errorf("%w: channelId is required", domain.ErrInvalidRequest)
	}
	return nil
}

func requireTransport(req domain.Request) error {
	if err := requireChannel(req); err != nil {
		return err
	}
	if req.TransportID == "" {
		return fmt.Errorf("%w: transportId is required", domain.ErrInvalidRequest)
	}
	return nil
}
