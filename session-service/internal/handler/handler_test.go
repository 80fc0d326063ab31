package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-session/pkg/jwt"
	"github.com/weiawesome/wes-io-live-session/pkg/middleware"
	"github.com/weiawesome/wes-io-live-session/pkg/response"
	"github.com/weiawesome/wes-io-live-session/pkg/wshub"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

type fakeSessions struct {
	startErr  error
	stopErr   error
	pingErr   error
	status    domain.StreamStatus
	lastActor string
}

func (f *fakeSessions) StartSession(_ context.Context, channelID, sessionID, actorID string) (*domain.StartResult, error) {
	f.lastActor = actorID
	if f.startErr != nil {
		return nil, f.startErr
	}
	sid := sessionID
	return &domain.StartResult{Record: &domain.SessionRecord{ChannelID: channelID, CurrentSessionID: &sid, IsLive: true}}, nil
}

func (f *fakeSessions) StopSession(_ context.Context, channelID, sessionID, actorID string) (*domain.StoppedSession, error) {
	f.lastActor = actorID
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &domain.StoppedSession{ChannelID: channelID, SessionID: sessionID, Reason: domain.StopReasonExplicit}, nil
}

func (f *fakeSessions) Heartbeat(_ context.Context, channelID, _, actorID string) (domain.ViewerCount, error) {
	f.lastActor = actorID
	if f.pingErr != nil {
		return domain.ViewerCount{}, f.pingErr
	}
	return domain.ViewerCount{ChannelID: channelID, Count: 3, UniqueUsers: 2}, nil
}

func (f *fakeSessions) GetStreamStatus(_ context.Context, channelID string) (domain.StreamStatus, error) {
	s := f.status
	s.ChannelID = channelID
	return s, nil
}

type fakePresence struct {
	mu      sync.Mutex
	live    map[string]bool
	conns   map[string]domain.ViewerConnection
	touched []string
}

func newFakePresence(live ...string) *fakePresence {
	p := &fakePresence{live: make(map[string]bool), conns: make(map[string]domain.ViewerConnection)}
	for _, ch := range live {
		p.live[ch] = true
	}
	return p
}

func (f *fakePresence) AddViewer(_ context.Context, channelID, connectionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[channelID] {
		return domain.ErrStreamNotActive
	}
	f.conns[connectionID] = domain.ViewerConnection{ChannelID: channelID, ConnectionID: connectionID, UserID: userID}
	return nil
}

func (f *fakePresence) RemoveViewer(_ context.Context, connectionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.conns[connectionID]
	delete(f.conns, connectionID)
	return ok
}

func (f *fakePresence) Touch(connectionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, connectionID)
	_, ok := f.conns[connectionID]
	return ok
}

func (f *fakePresence) Counts(channelID string) domain.ViewerCount {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := domain.ViewerCount{ChannelID: channelID}
	users := map[string]struct{}{}
	for _, conn := range f.conns {
		if conn.ChannelID == channelID {
			c.Count++
			if conn.UserID != "" {
				users[conn.UserID] = struct{}{}
			}
		}
	}
	c.UniqueUsers = len(users)
	return c
}

func (f *fakePresence) Connection(connectionID string) (domain.ViewerConnection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[connectionID]
	return c, ok
}

type fakeHistory struct {
	lastLimit int
}

func (f *fakeHistory) List(_ context.Context, channelID string, limit int) ([]domain.StoppedSession, error) {
	f.lastLimit = limit
	return []domain.StoppedSession{{ChannelID: channelID, SessionID: "old"}}, nil
}

func newTestJWT(t *testing.T) *jwt.Manager {
	t.Helper()
	m, err := jwt.NewManager("test-secret", "session-service", time.Hour)
	require.NoError(t, err)
	return m
}

func setupRouter(t *testing.T, sessions SessionService, presence PresenceService, history HistoryStore) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := newTestJWT(t)
	token, _, err := manager.GenerateAccessToken("user-1", "alice")
	require.NoError(t, err)

	r := gin.New()
	NewHandler(sessions, presence, history, middleware.NewAuthMiddleware(manager)).RegisterRoutes(r)
	return r, token
}

func doJSON(r http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestStartSession_RequiresAuth(t *testing.T) {
	r, _ := setupRouter(t, &fakeSessions{}, newFakePresence(), nil)

	w := doJSON(r, http.MethodPost, "/api/v1/streams/start", "", domain.StartSessionRequest{ChannelID: "7", SessionID: "abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartSession_PassesActor(t *testing.T) {
	sessions := &fakeSessions{}
	r, token := setupRouter(t, sessions, newFakePresence(), nil)

	w := doJSON(r, http.MethodPost, "/api/v1/streams/start", token, domain.StartSessionRequest{ChannelID: "7", SessionID: "abc"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", sessions.lastActor)

	resp := decode(t, w)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "abc", data["session_id"])
}

func TestStartSession_BadRequest(t *testing.T) {
	r, token := setupRouter(t, &fakeSessions{}, newFakePresence(), nil)

	w := doJSON(r, http.MethodPost, "/api/v1/streams/start", token, map[string]string{"channel_id": "7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"unauthorized", domain.ErrUnauthorized, http.StatusForbidden, "FORBIDDEN"},
		{"conflict", domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{"not active", domain.ErrStreamNotActive, http.StatusConflict, "STREAM_NOT_ACTIVE"},
		{"upstream", domain.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"internal", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, token := setupRouter(t, &fakeSessions{stopErr: tt.err}, newFakePresence(), nil)

			w := doJSON(r, http.MethodPost, "/api/v1/streams/stop", token, domain.StopSessionRequest{ChannelID: "7"})
			assert.Equal(t, tt.status, w.Code)
			resp := decode(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestPing_NotActiveIsRetryable(t *testing.T) {
	r, token := setupRouter(t, &fakeSessions{pingErr: domain.ErrStreamNotActive}, newFakePresence(), nil)

	w := doJSON(r, http.MethodPost, "/api/v1/streams/ping", token, domain.PingRequest{ChannelID: "7", SessionID: "abc"})
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decode(t, w)
	assert.True(t, resp.Error.Retryable)
}

func TestPing_PassesActor(t *testing.T) {
	sessions := &fakeSessions{}
	r, token := setupRouter(t, sessions, newFakePresence(), nil)

	w := doJSON(r, http.MethodPost, "/api/v1/streams/ping", token, domain.PingRequest{ChannelID: "7", SessionID: "abc"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", sessions.lastActor)

	sessions.pingErr = domain.ErrUnauthorized
	w = doJSON(r, http.MethodPost, "/api/v1/streams/ping", token, domain.PingRequest{ChannelID: "7"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetStreamStatus(t *testing.T) {
	sessions := &fakeSessions{status: domain.StreamStatus{IsLive: true, SessionID: "abc", Viewers: 4, MediaOnline: true}}
	r, _ := setupRouter(t, sessions, newFakePresence(), nil)

	w := doJSON(r, http.MethodGet, "/api/v1/streams/7", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decode(t, w).Data.(map[string]interface{})
	assert.Equal(t, "7", data["channel_id"])
	assert.Equal(t, true, data["is_live"])
	assert.Equal(t, float64(4), data["viewers"])
}

func TestGetHistory(t *testing.T) {
	history := &fakeHistory{}
	r, _ := setupRouter(t, &fakeSessions{}, newFakePresence(), history)

	w := doJSON(r, http.MethodGet, "/api/v1/streams/7/history?limit=500", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxHistoryLimit, history.lastLimit)

	w = doJSON(r, http.MethodGet, "/api/v1/streams/7/history?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r, _ = setupRouter(t, &fakeSessions{}, newFakePresence(), nil)
	w = doJSON(r, http.MethodGet, "/api/v1/streams/7/history", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func newWSTest(t *testing.T, presence PresenceService) (*WSHandler, *wshub.Hub, *jwt.Manager) {
	t.Helper()
	h := wshub.NewHub(wshub.Config{PingInterval: time.Second, PongWait: 2 * time.Second, WriteWait: time.Second, MaxMessageSize: 4096})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	manager := newTestJWT(t)
	return NewWSHandler(h, presence, middleware.NewAuthMiddleware(manager)), h, manager
}

func next(t *testing.T, c *wshub.Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.Send:
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestWS_JoinNotActiveIsRetryable(t *testing.T) {
	ws, hub, _ := newWSTest(t, newFakePresence())
	c := wshub.NewClient("c1", hub, nil)

	ws.handleMessage(context.Background(), c, []byte(`{"type":"join","channel_id":"7"}`))

	msg := next(t, c)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "STREAM_NOT_ACTIVE", msg["code"])
	assert.Equal(t, true, msg["retryable"])
	assert.Equal(t, 0, hub.RoomSize("7"))
}

func TestWS_JoinWithTokenAndLeave(t *testing.T) {
	presence := newFakePresence("7")
	ws, hub, manager := newWSTest(t, presence)
	c := wshub.NewClient("c1", hub, nil)

	token, _, err := manager.GenerateAccessToken("user-9", "bob")
	require.NoError(t, err)

	join, _ := json.Marshal(domain.JoinMessage{Type: domain.MsgTypeJoin, ChannelID: "7", Token: token})
	ws.handleMessage(context.Background(), c, join)

	msg := next(t, c)
	assert.Equal(t, "joined", msg["type"])
	assert.Equal(t, float64(1), msg["count"])
	assert.Equal(t, float64(1), msg["unique_users"])
	assert.Equal(t, 1, hub.RoomSize("7"))

	conn, ok := presence.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, "user-9", conn.UserID)

	ws.handleMessage(context.Background(), c, []byte(`{"type":"ping"}`))
	assert.Equal(t, "pong", next(t, c)["type"])

	ws.handleMessage(context.Background(), c, []byte(`{"type":"leave"}`))
	msg = next(t, c)
	assert.Equal(t, "left", msg["type"])
	assert.Equal(t, "7", msg["channel_id"])
	assert.Equal(t, 0, hub.RoomSize("7"))

	_, ok = presence.Connection("c1")
	assert.False(t, ok)
}

func TestWS_JoinMovesBetweenChannels(t *testing.T) {
	ws, hub, _ := newWSTest(t, newFakePresence("7", "8"))
	c := wshub.NewClient("c1", hub, nil)

	ws.handleMessage(context.Background(), c, []byte(`{"type":"join","channel_id":"7"}`))
	next(t, c)
	ws.handleMessage(context.Background(), c, []byte(`{"type":"join","channel_id":"8"}`))
	next(t, c)

	assert.Equal(t, 0, hub.RoomSize("7"))
	assert.Equal(t, 1, hub.RoomSize("8"))
}

func TestWS_InvalidMessages(t *testing.T) {
	ws, hub, _ := newWSTest(t, newFakePresence("7"))
	c := wshub.NewClient("c1", hub, nil)

	for _, raw := range []string{
		`not json`,
		`{"type":"join"}`,
		`{"type":"join","channel_id":"7","token":"bogus"}`,
		`{"type":"dance"}`,
		`{"type":"leave"}`,
	} {
		ws.handleMessage(context.Background(), c, []byte(raw))
		assert.Equal(t, "error", next(t, c)["type"], raw)
	}
}
