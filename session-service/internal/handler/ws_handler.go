package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/pkg/wshub"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// WSHandler serves the viewer websocket: viewers join a channel to be
// counted and to receive its broadcasts.
type WSHandler struct {
	hub      *wshub.Hub
	presence PresenceService
	actors   ActorResolver
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(h *wshub.Hub, presence PresenceService, actors ActorResolver) *WSHandler {
	return &WSHandler{
		hub:      h,
		presence: presence,
		actors:   actors,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
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
		h.presence.RemoveViewer(context.Background(), c.ID)
	})
	h.hub.Register(client)

	l.Debug().Str(log.FieldConnectionID, client.ID).Msg("viewer connected")

	go client.WritePump()
	go client.ReadPump(func(c *wshub.Client, message []byte) {
		h.handleMessage(context.Background(), c, message)
	})
}

func (h *WSHandler) handleMessage(ctx context.Context, c *wshub.Client, message []byte) {
	ctx = log.WithLogger(ctx, log.L().With().Str(log.FieldConnectionID, c.ID).Logger())

	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "invalid message format"))
		return
	}

	switch base.Type {
	case domain.MsgTypeJoin:
		var msg domain.JoinMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "invalid join message"))
			return
		}
		if msg.ChannelID == "" {
			c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "channel_id is required"))
			return
		}
		h.handleJoin(ctx, c, msg)

	case domain.MsgTypeLeave:
		h.handleLeave(ctx, c)

	case domain.MsgTypePing:
		h.presence.Touch(c.ID)
		c.SendMessage(domain.BaseMessage{Type: domain.MsgTypePong})

	default:
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "unknown message type"))
	}
}

func (h *WSHandler) handleJoin(ctx context.Context, c *wshub.Client, msg domain.JoinMessage) {
	l := log.Ctx(ctx)

	userID, err := h.actors.ResolveActor(msg.Token)
	if err != nil {
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "invalid token"))
		return
	}
	c.UserID = userID

	if err := h.presence.AddViewer(ctx, msg.ChannelID, c.ID, userID); err != nil {
		if errors.Is(err, domain.ErrStreamNotActive) {
			c.SendMessage(domain.NewErrorMessage(domain.ErrCodeStreamNotActive, "stream is not active"))
			return
		}
		l.Error().Err(err).Str(log.FieldChannelID, msg.ChannelID).Msg("failed to add viewer")
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "failed to join channel"))
		return
	}

	// A connection watches one channel at a time.
	for _, room := range h.hub.RoomsOf(c.ID) {
		if room != msg.ChannelID {
			h.hub.LeaveRoom(c, room)
		}
	}
	h.hub.JoinRoom(c, msg.ChannelID)

	counts := h.presence.Counts(msg.ChannelID)
	c.SendMessage(domain.JoinedMessage{
		Type:        domain.MsgTypeJoined,
		ChannelID:   msg.ChannelID,
		Count:       counts.Count,
		UniqueUsers: counts.UniqueUsers,
	})
}

func (h *WSHandler) handleLeave(ctx context.Context, c *wshub.Client) {
	rooms := h.hub.RoomsOf(c.ID)
	conn, tracked := h.presence.Connection(c.ID)
	if !tracked && len(rooms) == 0 {
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "not in a channel"))
		return
	}

	channelID := conn.ChannelID
	if !tracked {
		channelID = rooms[0]
	}
	h.presence.RemoveViewer(ctx, c.ID)
	for _, room := range rooms {
		h.hub.LeaveRoom(c, room)
	}
	c.SendMessage(domain.LeftMessage{Type: domain.MsgTypeLeft, ChannelID: channelID})
}
