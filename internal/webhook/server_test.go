package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin_relay/internal/config"
	"margin_relay/internal/core"
	"margin_relay/internal/infrastructure/health"
	"margin_relay/pkg/logging"
)

func newWebSocketTestServer(t *testing.T, cfg config.WebhookConfig) (*Server, *Hub, *httptest.Server) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	s := NewServer(cfg, hub, &fakeReader{}, &fakeSetter{}, nil, logger)
	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)
	return s, hub, ts
}

func dialWS(url, origin string) (*websocket.Conn, *http.Response, error) {
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), headers)
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	_, hub, ts := newWebSocketTestServer(t, testWebhookConfig())

	ws, _, err := dialWS(ts.URL, "http://dashboard.local")
	require.NoError(t, err)
	defer ws.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	hub.BroadcastPositions(core.PositionsSnapshot{
		Timestamp:          1690000000,
		Positions:          []core.Position{{Symbol: "BTCUSDT", Side: core.SideBuy, AutoAddMargin: true}},
		TotalUnrealisedPnl: "42.5",
	})

	ws.SetReadDeadline(time.Now().Add(time.Second))
	var received Message
	require.NoError(t, ws.ReadJSON(&received))
	assert.Equal(t, TypePositions, received.Type)

	data, ok := received.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "42.5", data["totalUnrealisedPnl"])

	positions, ok := data["positions"].([]interface{})
	require.True(t, ok)
	require.Len(t, positions, 1)
	first, ok := positions[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", first["symbol"])
	assert.Equal(t, "1", first["autoAddMargin"], "flags serialize in the exchange's quoted form")
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	_, hub, ts := newWebSocketTestServer(t, testWebhookConfig())

	ws, _, err := dialWS(ts.URL, "http://dashboard.local")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	ws.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestWebSocketOriginAllowlist(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.AllowedOrigins = []string{"http://dashboard.local"}
	_, hub, ts := newWebSocketTestServer(t, cfg)

	ws, _, err := dialWS(ts.URL, "http://dashboard.local")
	require.NoError(t, err)
	ws.Close()

	_, resp, err := dialWS(ts.URL, "http://evil.example")
	assert.Error(t, err)
	if resp != nil {
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	}

	_, _, err = dialWS(ts.URL, "")
	assert.Error(t, err, "a missing Origin header is rejected")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestWebSocketConnectionCap(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.MaxClients = 2
	_, _, ts := newWebSocketTestServer(t, cfg)

	first, _, err := dialWS(ts.URL, "http://dashboard.local")
	require.NoError(t, err)
	defer first.Close()

	second, _, err := dialWS(ts.URL, "http://dashboard.local")
	require.NoError(t, err)
	defer second.Close()

	third, resp, err := dialWS(ts.URL, "http://dashboard.local")
	assert.Error(t, err)
	if third != nil {
		third.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	s := NewServer(testWebhookConfig(), NewHub(nil), &fakeReader{}, &fakeSetter{}, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
	assert.NotNil(t, response["clients"])
}

func TestHealthEndpointDegraded(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	s := NewServer(testWebhookConfig(), NewHub(nil), &fakeReader{}, &fakeSetter{}, nil, logger)

	hm := health.NewHealthManager(nil)
	hm.Register("exchange", func() error { return errors.New("no successful poll yet") })
	s.SetHealthManager(hm)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "degraded", response["status"])

	components, ok := response["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, components["exchange"], "Unhealthy")
}

func TestServerStartStop(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s := NewServer(testWebhookConfig(), hub, &fakeReader{}, &fakeSetter{}, nil, logger)

	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx, "127.0.0.1:0")
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Server did not stop after context cancellation")
	}
}
