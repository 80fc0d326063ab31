package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

func TestMediaClient_CheckStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/check-stream/7", r.URL.Path)
		_, _ = w.Write([]byte(`{"isLive":true,"sessionId":"abc"}`))
	}))
	defer srv.Close()

	c := NewMediaClient(srv.URL, time.Second)
	state, err := c.CheckStream(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, domain.MediaStreamState{IsLive: true, SessionID: "abc"}, state)
}

func TestMediaClient_ViewerCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/viewers/7", r.URL.Path)
		_, _ = w.Write([]byte(`{"count":12}`))
	}))
	defer srv.Close()

	n, err := NewMediaClient(srv.URL, time.Second).ViewerCount(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestMediaClient_NotifyStartAndStop(t *testing.T) {
	var got []streamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req streamRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = append(got, req)

		switch r.URL.Path {
		case "/stream/start":
			w.WriteHeader(http.StatusNoContent)
		case "/stream/stop":
			_, _ = w.Write([]byte(`{"stopped":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewMediaClient(srv.URL, time.Second)
	require.NoError(t, c.NotifyStart(context.Background(), "7", "abc"))

	stopped, err := c.NotifyStop(context.Background(), "7", "abc")
	require.NoError(t, err)
	assert.True(t, stopped)

	require.Len(t, got, 2)
	assert.Equal(t, streamRequest{ChannelID: "7", SessionID: "abc"}, got[0])
}

func TestMediaClient_UpstreamFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/viewers/slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"count":1}`))
		case "/viewers/garbage":
			_, _ = w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewMediaClient(srv.URL, 50*time.Millisecond)
	ctx := context.Background()

	_, err := c.CheckStream(ctx, "7")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	_, err = c.ViewerCount(ctx, "slow")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	_, err = c.ViewerCount(ctx, "garbage")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	srv.Close()
	err = c.NotifyStart(ctx, "7", "abc")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}
