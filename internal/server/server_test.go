package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/agent"
	"github.com/alanyoungcy/duckoracle/internal/cache/memory"
	"github.com/alanyoungcy/duckoracle/internal/consensus"
	"github.com/alanyoungcy/duckoracle/internal/crypto"
	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/ledger"
	"github.com/alanyoungcy/duckoracle/internal/server"
	"github.com/alanyoungcy/duckoracle/internal/server/handler"
	"github.com/alanyoungcy/duckoracle/internal/server/middleware"
	"github.com/alanyoungcy/duckoracle/internal/server/ws"
	"github.com/alanyoungcy/duckoracle/internal/service"
	"github.com/alanyoungcy/duckoracle/internal/settlement"
	"github.com/alanyoungcy/duckoracle/internal/store/sqlite"
	"github.com/alanyoungcy/duckoracle/internal/trading"
)

const apiKey = "test-key"

type testServer struct {
	*httptest.Server
	bus *memory.SignalBus
	now time.Time
}

func newTestServer(t *testing.T, cfg server.Config) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ts := &testServer{bus: memory.NewSignalBus(1000), now: time.Now().UTC()}
	now := func() time.Time { return ts.now }

	book := ledger.NewBook()
	registry := agent.NewRegistry(agent.Config{MinStake: domain.Units(1)})
	resolver := consensus.NewResolver(book, registry, consensus.Config{
		Weighting:         consensus.Weighting{StakeScale: domain.Units(100), MaxShare: 0.5},
		MinChallengeStake: domain.Units(10),
	})
	journal := service.NewJournal(db.Stores(), ts.bus, memory.NewPriceCache(), logger)
	markets := service.NewMarketService(book, trading.NewEngine(book, trading.Config{}), journal, service.MarketDefaults{
		B: domain.Units(100), SubmissionWindow: time.Hour, DisputeWindow: time.Hour, ClaimTimeout: time.Hour,
	}, now, logger)
	settle := service.NewSettlementService(settlement.NewEngine(book, resolver, registry), resolver, book, journal, now, logger)
	resolution := service.NewResolutionService(resolver, book, registry, settle, journal, now, logger)
	agents := service.NewAgentService(registry, journal, now, logger)

	hub := ws.NewHub(ts.bus, nil, logger)
	go hub.Run(ctx)

	h := server.NewHandler(cfg, server.Handlers{
		Health:     handler.NewHealthHandler(map[string]handler.Checker{"store": db.Ping}, logger),
		Markets:    handler.NewMarketHandler(markets, logger),
		Resolution: handler.NewResolutionHandler(resolution, logger),
		Settlement: handler.NewSettlementHandler(settle, logger),
		Agents:     handler.NewAgentHandler(agents, logger),
		Events:     handler.NewEventsHandler(ts.bus, logger),
	}, hub, memory.NewRateLimiter(), logger)
	ts.Server = httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", apiKey)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func authConfig() server.Config {
	return server.Config{Auth: middleware.AuthConfig{APIKeys: []string{apiKey}}}
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, authConfig())
	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/markets")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTradingFlow(t *testing.T) {
	ts := newTestServer(t, authConfig())

	status, m := ts.do(t, http.MethodPost, "/api/markets", map[string]any{
		"question":            "Will the Rhine fall below 80cm at Kaub in August 2026?",
		"category":            "weather",
		"liquidity":           "50",
		"resolution_deadline": ts.now.Add(time.Hour).Format(time.RFC3339),
		"submission_window":   "30m",
	})
	require.Equal(t, http.StatusCreated, status, m)
	id := m["ID"].(string)
	assert.Equal(t, "50.000000", m["B"])
	assert.Equal(t, string(domain.MarketStateActive), m["State"])

	status, body := ts.do(t, http.MethodPost, "/api/markets", map[string]any{"question": "q", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_params", body["code"])

	status, q := ts.do(t, http.MethodGet, "/api/markets/"+id+"/quote?outcome=yes&shares=10", nil)
	require.Equal(t, http.StatusOK, status, q)
	assert.Equal(t, "buy", q["side"])
	assert.Greater(t, q["price_yes_after"].(float64), 0.5)

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/buy", map[string]any{
		"holder_id": "alice", "outcome": "YES", "shares": "10", "max_cost": "0.5",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "slippage_exceeded", body["code"])

	status, tr := ts.do(t, http.MethodPost, "/api/markets/"+id+"/buy", map[string]any{
		"holder_id": "alice", "outcome": "YES", "shares": "10",
	})
	require.Equal(t, http.StatusCreated, status, tr)
	assert.Equal(t, "10.000000", tr["Shares"])

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/sell", map[string]any{
		"holder_id": "bob", "outcome": "YES", "shares": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_shares", body["code"])

	status, body = ts.do(t, http.MethodGet, "/api/markets/"+id+"/positions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["positions"], 1)

	status, body = ts.do(t, http.MethodGet, "/api/markets/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/resolution", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "deadline_not_reached", body["code"])

	status, body = ts.do(t, http.MethodGet, "/api/events?after=0", nil)
	require.Equal(t, http.StatusOK, status)
	events := body["events"].([]any)
	require.Len(t, events, 3)
	first := events[0].(map[string]any)["event"].(map[string]any)
	assert.Equal(t, service.EventMarketCreated, first["type"])
}

func TestResolutionFlow(t *testing.T) {
	ts := newTestServer(t, authConfig())

	_, m := ts.do(t, http.MethodPost, "/api/markets", map[string]any{
		"question": "Will the ECB hold rates in September 2026?", "manual_resolvable": true,
	})
	id := m["ID"].(string)

	status, a := ts.do(t, http.MethodPost, "/api/agents", map[string]any{"name": "alpha", "stake": "100"})
	require.Equal(t, http.StatusCreated, status, a)
	agentID := a["ID"].(string)

	status, body := ts.do(t, http.MethodPost, "/api/agents", map[string]any{"name": "poor", "stake": "0.5"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_stake", body["code"])

	status, body = ts.do(t, http.MethodGet, "/api/markets/"+id+"/resolution", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["record"])

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/resolution", nil)
	require.Equal(t, http.StatusAccepted, status, body)
	assert.Equal(t, string(domain.MarketStateAwaitingPredictions), body["State"])

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/predictions", map[string]any{
		"agent_id": agentID, "outcome": "NO", "confidence": 120,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_confidence", body["code"])

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/predictions", map[string]any{
		"agent_id": agentID, "outcome": "NO", "confidence": 75, "reasoning": "guidance unchanged",
	})
	require.Equal(t, http.StatusCreated, status, body)
	pred := body["prediction"].(map[string]any)
	assert.Equal(t, "100.000000", pred["Stake"])

	status, body = ts.do(t, http.MethodPost, "/api/agents/"+agentID+"/withdraw", map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusLocked, status)
	assert.Equal(t, "funds_locked", body["code"])

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/manual", map[string]any{"outcome": "NO"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "manual_not_required", body["code"])

	status, body = ts.do(t, http.MethodGet, "/api/markets/"+id+"/resolution", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["predictions"], 1)

	status, body = ts.do(t, http.MethodPost, "/api/markets/"+id+"/claims", map[string]any{"holder_id": "alice"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_market_state", body["code"])
}

func TestHMACAuth(t *testing.T) {
	signer := &crypto.HMACAuth{Key: "k1", Secret: "s3cret"}
	cfg := server.Config{Auth: middleware.AuthConfig{HMAC: signer}}
	ts := newTestServer(t, cfg)

	body := `{"name":"signed","stake":"5"}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/agents", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range signer.HeadersAt(http.MethodPost, "/api/agents", body, time.Now()) {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, ts.URL+"/api/agents", strings.NewReader(`{"name":"tampered","stake":"5"}`))
	require.NoError(t, err)
	for k, v := range signer.HeadersAt(http.MethodPost, "/api/agents", body, time.Now()) {
		req.Header.Set(k, v)
	}
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := authConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Minute
	ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		status, _ := ts.do(t, http.MethodGet, "/api/markets", nil)
		assert.Equal(t, http.StatusOK, status)
	}
	status, _ := ts.do(t, http.MethodGet, "/api/markets", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestWebsocketRelaysEvents(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, hello, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(hello), `"hello"`)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		payload := []byte(`{"type":"price","market_id":"m1","data":{"price_yes":0.6}}`)
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				ts.bus.Publish(context.Background(), domain.ChannelPrices, payload)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env struct {
		Channel string          `json:"channel"`
		Event   json.RawMessage `json:"event"`
	}
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, domain.ChannelPrices, env.Channel)
	assert.Contains(t, string(env.Event), `"market_id":"m1"`)
}
