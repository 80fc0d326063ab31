package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/weiawesome/wes-io-live-session/pkg/log"
	"github.com/weiawesome/wes-io-live-session/session-service/internal/domain"
)

// MediaClient wraps the media-service control HTTP API. Every call is
// bounded by the client timeout and is never retried; transport failures
// and non-2xx replies are reported as domain.ErrUpstreamUnavailable.
type MediaClient struct {
	baseURL    string
	httpClient *http.Client
}

type streamRequest struct {
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId,omitempty"`
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

type viewersResponse struct {
	Count int `json:"count"`
}

// NewMediaClient creates a media-service client.
func NewMediaClient(baseURL string, timeout time.Duration) *MediaClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MediaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CheckStream asks media-service whether media is flowing for channelID.
func (c *MediaClient) CheckStream(ctx context.Context, channelID string) (domain.MediaStreamState, error) {
	var state domain.MediaStreamState
	err := c.do(ctx, http.MethodGet, "/check-stream/"+url.PathEscape(channelID), nil, &state)
	return state, err
}

// ViewerCount returns the number of media consumers attached to channelID.
func (c *MediaClient) ViewerCount(ctx context.Context, channelID string) (int, error) {
	var resp viewersResponse
	if err := c.do(ctx, http.MethodGet, "/viewers/"+url.PathEscape(channelID), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// NotifyStart tells media-service which session is now authoritative.
func (c *MediaClient) NotifyStart(ctx context.Context, channelID, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/stream/start", streamRequest{ChannelID: channelID, SessionID: sessionID}, nil)
}

// NotifyStop tells media-service to tear down sessionID on channelID.
func (c *MediaClient) NotifyStop(ctx context.Context, channelID, sessionID string) (bool, error) {
	var resp stopResponse
	err := c.do(ctx, http.MethodPost, "/stream/stop", streamRequest{ChannelID: channelID, SessionID: sessionID}, &resp)
	return resp.Stopped, err
}

func (c *MediaClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldPath, path).Msg("media service unreachable")
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: media service returned status %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}
