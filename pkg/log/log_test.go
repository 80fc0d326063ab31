package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewWithWriter_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: "warn", ServiceName: "media-service", InstanceID: "media-1"})

	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0]["message"])
	assert.Equal(t, "media-service", got[0][FieldService])
	assert.Equal(t, "media-1", got[0][FieldInstance])
}

func TestCtx(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{InstanceID: "x"})

	ctx := WithChannel(WithLogger(context.Background(), logger), "7")
	l := Ctx(ctx)
	l.Info().Msg("hello")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "7", got[0][FieldChannelID])
}

func TestWithChannel_TagsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{InstanceID: "x"})

	ctx := WithChannel(WithLogger(context.Background(), logger), "7")
	ctx = WithChannel(ctx, "7")
	l := Ctx(ctx)
	l.Info().Msg("once")

	assert.Equal(t, 1, strings.Count(buf.String(), `"`+FieldChannelID+`":`))

	buf.Reset()
	other := Ctx(WithChannel(ctx, "8"))
	other.Info().Msg("retagged")
	assert.Contains(t, buf.String(), `"`+FieldChannelID+`":"8"`)
}

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: "debug", InstanceID: "x"})

	handler := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := Ctx(r.Context())
		l.Info().Msg("inside")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms/7", nil)
	req.Header.Set(headerRequestID, "req-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "req-1", w.Header().Get(headerRequestID))

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "req-1", got[0][FieldRequestID])
	assert.Equal(t, "warn", got[1]["level"])
	assert.Equal(t, float64(http.StatusNotFound), got[1][FieldStatus])
	assert.Equal(t, float64(4), got[1]["bytes"])
}

func TestHTTPMiddleware_GeneratesRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := HTTPMiddleware(NewWithWriter(&buf, Config{Level: "debug", InstanceID: "x"}))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, w.Header().Get(headerRequestID))
	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "debug", got[0]["level"])
}
