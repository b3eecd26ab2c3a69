package monitor

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgpipe/internal/pipeline"
)

func TestHandleStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := pipeline.NewStats("extract", reg)
	stats.Received.Inc()
	stats.Received.Inc()
	stats.FormatErrors.Inc()
	srv := New(":0", "extract", stats, reg, zerolog.Nop())

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)
	require.Equal(t, 200, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "extract", payload["stage"])
	assert.EqualValues(t, 0, payload["ws_clients"])
	metrics := payload["metrics"].(map[string]any)
	assert.EqualValues(t, 2, metrics["received_total"])
	assert.EqualValues(t, 1, metrics["format_errors_total"])
}

func TestHandleHealth(t *testing.T) {
	srv := New(":0", "capture", nil, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := pipeline.NewStats("record", reg)
	stats.Stored.Inc()
	srv := New(":0", "record", stats, reg, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `imgpipe_stored_total{stage="record"} 1`)
}

func TestWebsocketSendsInitialStatus(t *testing.T) {
	stats := pipeline.NewStats("capture", nil)
	stats.Published.Inc()
	srv := New(":0", "capture", stats, nil, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var payload map[string]any
	require.NoError(t, conn.ReadJSON(&payload))
	assert.Equal(t, "status", payload["type"])
	assert.Equal(t, "capture", payload["stage"])
	metrics := payload["metrics"].(map[string]any)
	assert.EqualValues(t, 1, metrics["published_total"])
}

func TestWebsocketStatusRequest(t *testing.T) {
	srv := New(":0", "capture", pipeline.NewStats("capture", nil), nil, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "status_request"}))
	var second map[string]any
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "status", second["type"])
}
