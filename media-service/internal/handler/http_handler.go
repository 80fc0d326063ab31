package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/weiawesome/wes-io-live-session/media-service/internal/domain"
	"github.com/weiawesome/wes-io-live-session/pkg/log"
)

// HTTPHandler serves the control API the session service calls.
type HTTPHandler struct {
	rooms RoomService
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(rooms RoomService) *HTTPHandler {
	return &HTTPHandler{
		rooms: rooms,
	}
}

// RegisterRoutes mounts the control routes on router.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/stream/start", h.StartStream).Methods("POST")
	router.HandleFunc("/stream/stop", h.StopStream).Methods("POST")
	router.HandleFunc("/check-stream/{channel_id}", h.CheckStream).Methods("GET")
	router.HandleFunc("/viewers/{channel_id}", h.GetViewers).Methods("GET")
	router.HandleFunc("/rooms/{channel_id}", h.GetRoom).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

// StartStream handles POST /stream/start
// The room only accepts producers of the announced session from now on.
func (h *HTTPHandler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req domain.StreamControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.rooms.ExpectSession(req.ChannelID, req.SessionID); err != nil {
		writeError(w, r, err)
		return
	}

	l := log.Ctx(r.Context())
	l.Info().
		Str(log.FieldChannelID, req.ChannelID).
		Str(log.FieldSessionID, req.SessionID).
		Msg("session announced")

	writeJSON(w, map[string]string{"status": "ok"})
}

// StopStream handles POST /stream/stop
func (h *HTTPHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	var req domain.StreamControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	stopped, err := h.rooms.StopSession(req.ChannelID, req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	l := log.Ctx(r.Context())
	l.Info().
		Str(log.FieldChannelID, req.ChannelID).
		Str(log.FieldSessionID, req.SessionID).
		Bool("stopped", stopped).
		Msg("session stop requested")

	writeJSON(w, domain.StreamStopResponse{Stopped: stopped})
}

// CheckStream handles GET /check-stream/{channel_id}
func (h *HTTPHandler) CheckStream(w http.ResponseWriter, r *http.Request) {
	state := h.rooms.State(mux.Vars(r)["channel_id"])
	writeJSON(w, domain.CheckStreamResponse{IsLive: state.IsLive, SessionID: state.SessionID})
}

// GetViewers handles GET /viewers/{channel_id}
func (h *HTTPHandler) GetViewers(w http.ResponseWriter, r *http.Request) {
	state := h.rooms.State(mux.Vars(r)["channel_id"])
	writeJSON(w, domain.ViewerCountResponse{Count: state.Viewers})
}

// GetRoom handles GET /rooms/{channel_id}
func (h *HTTPHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.rooms.State(mux.Vars(r)["channel_id"]))
}

// HealthCheck handles GET /health
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		l := log.Ctx(r.Context())
		l.Error().Err(err).Msg("control request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
