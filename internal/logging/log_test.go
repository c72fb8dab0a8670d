package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug"}, &buf)

	ctx := WithLogger(context.Background(), l)
	got := Ctx(ctx)
	got.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"message":"hello"`)

	assert.Equal(t, L(), Ctx(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}

func TestMiddlewareLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", ServiceName: "plantly"}, &buf)

	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := Ctx(r.Context())
		l.Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var last map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &last))
	assert.Equal(t, "request completed", last["message"])
	assert.Equal(t, "req-1", last[FieldRequestID])
	assert.Equal(t, float64(http.StatusTeapot), last[FieldStatus])
	assert.Equal(t, "plantly", last[FieldService])
}
