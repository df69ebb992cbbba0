package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cachemem "github.com/alanyoungcy/fusemargin/internal/cache/memory"
	"github.com/alanyoungcy/fusemargin/internal/chain"
	"github.com/alanyoungcy/fusemargin/internal/crypto"
	"github.com/alanyoungcy/fusemargin/internal/devnet"
	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/alanyoungcy/fusemargin/internal/metrics"
	"github.com/alanyoungcy/fusemargin/internal/server/handler"
	"github.com/alanyoungcy/fusemargin/internal/server/ws"
	"github.com/alanyoungcy/fusemargin/internal/service"
	storemem "github.com/alanyoungcy/fusemargin/internal/store/memory"
	"github.com/alanyoungcy/fusemargin/internal/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chainID = 31337
	// hardhat account #1
	traderKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	operator   = common.HexToAddress("0x09e7a70")
	collateral = big.NewInt(50_000_000)
	flashDAI   = units.MustToBase("3000", 18)
	admin      = &crypto.HMACAuth{Key: "ops", Secret: "s3cret"}
)

type testAPI struct {
	srv    *httptest.Server
	svc    *service.MarginService
	trader *crypto.Signer
	ctx    context.Context
}

func newTestAPI(t *testing.T, cfg Config, checks map[string]handler.Pinger) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	env, err := devnet.Deploy(ctx, chain.New(logger), devnet.DefaultConfig(operator), logger)
	require.NoError(t, err)

	bus := cachemem.NewEventBus()
	rec := metrics.New()
	svc := service.NewMarginService(env,
		storemem.NewPositionStore(), storemem.NewReceiptStore(), storemem.NewAuditStore(),
		cachemem.NewLockManager(), bus,
		service.Options{ChainID: chainID, DefaultSlippageBps: 50},
		logger,
	).WithMetrics(rec)

	hub := ws.NewHub(bus, logger, ws.Config{
		Mode:    "demo",
		Channel: service.ReceiptChannelPrefix + "*",
		Stream:  service.ReceiptStream,
		Block:   svc.Block,
	})
	go hub.Run(ctx)

	if cfg.Admin == nil {
		cfg.Admin = admin
	}
	handlers := Handlers{
		Health: handler.NewHealthHandler(checks, logger),
		Status: &handler.StatusHandler{
			Mode:      "demo",
			ChainID:   chainID,
			Operator:  operator,
			Contracts: map[string]common.Address{"engine": env.Engine.Address()},
			StartedAt: time.Now(),
			Block:     svc.Block,
		},
		Positions: handler.NewPositionHandler(svc, logger),
		Requests:  handler.NewRequestHandler(svc, logger),
		Receipts:  handler.NewReceiptHandler(svc, logger),
		Faucet:    handler.NewFaucetHandler(svc, "0.5", "1000", logger),
		Metrics:   rec.Handler(),
	}
	srv := httptest.NewServer(NewHandler(cfg, handlers, hub, cachemem.NewRateLimiter(), logger))
	t.Cleanup(srv.Close)

	trader, err := crypto.NewSigner(traderKey, chainID)
	require.NoError(t, err)
	return &testAPI{srv: srv, svc: svc, trader: trader, ctx: ctx}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(a.ctx, method, a.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (a *testAPI) submit(t *testing.T, req crypto.MarginRequest) (*http.Response, map[string]any) {
	t.Helper()
	if req.Deadline == 0 {
		req.Deadline = time.Now().Add(time.Minute).Unix()
	}
	sig, err := a.trader.SignRequest(req)
	require.NoError(t, err)
	return a.do(t, http.MethodPost, "/api/requests", map[string]any{"request": req, "signature": sig}, nil)
}

func (a *testAPI) fund(t *testing.T) {
	t.Helper()
	r, err := a.svc.Faucet(a.ctx, a.trader.Address(), collateral, nil)
	require.NoError(t, err)
	require.True(t, r.Succeeded())
}

func receiptOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	r, ok := body["receipt"].(map[string]any)
	require.True(t, ok, "response has no receipt: %v", body)
	return r
}

func TestHealth(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		api := newTestAPI(t, Config{}, map[string]handler.Pinger{
			"postgres": func(context.Context) error { return nil },
		})
		resp, body := api.do(t, http.MethodGet, "/api/health", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	})

	t.Run("Degraded", func(t *testing.T) {
		api := newTestAPI(t, Config{}, map[string]handler.Pinger{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		resp, body := api.do(t, http.MethodGet, "/api/health", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		deps := body["dependencies"].(map[string]any)
		assert.Equal(t, "ok", deps["postgres"])
		assert.Equal(t, "connection refused", deps["redis"])
	})
}

func TestSignedLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	api.fund(t)

	resp, body := api.submit(t, crypto.MarginRequest{
		Action: "open",
		Amount: collateral.String(),
		Flash:  flashDAI.String(),
		Nonce:  1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	opened := receiptOf(t, body)
	assert.Equal(t, "open", opened["operation"])
	assert.Equal(t, "success", opened["status"])
	assert.EqualValues(t, 1, opened["position_id"])
	txID := opened["tx_id"].(string)

	resp, body = api.do(t, http.MethodGet, "/api/positions/1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "open", body["status"])
	assert.Equal(t, strings.ToLower(api.trader.Address().Hex()), strings.ToLower(body["owner"].(string)))
	require.Len(t, body["markets"], 2)
	supplied := body["markets"].([]any)[0].(map[string]any)["supplied"]
	assert.EqualValues(t, 55_000_000, supplied)

	resp, body = api.do(t, http.MethodGet, "/api/owners/"+api.trader.Address().Hex()+"/positions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["holdings"], 1)
	assert.Len(t, body["positions"], 1)

	resp, body = api.do(t, http.MethodGet, "/api/receipts/"+txID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, txID, body["tx_id"])
	assert.NotEmpty(t, body["logs"])

	resp, body = api.submit(t, crypto.MarginRequest{Action: "close", PositionID: 1, Nonce: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = api.do(t, http.MethodGet, "/api/positions/1/receipts", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipts := body["receipts"].([]any)
	require.Len(t, receipts, 2)
	assert.Equal(t, "close", receipts[0].(map[string]any)["operation"])

	resp, body = api.do(t, http.MethodGet, "/api/positions/1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])
}

func TestRequestErrors(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	api.fund(t)

	t.Run("MalformedBody", func(t *testing.T) {
		resp, _ := api.do(t, http.MethodPost, "/api/requests", map[string]any{"nonsense": true}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("MissingSignature", func(t *testing.T) {
		resp, _ := api.do(t, http.MethodPost, "/api/requests", map[string]any{
			"request": crypto.MarginRequest{Action: "close", PositionID: 1, Deadline: time.Now().Add(time.Minute).Unix()},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Replay", func(t *testing.T) {
		req := crypto.MarginRequest{
			Action:   "open",
			Amount:   "20000000",
			Flash:    units.MustToBase("1000", 18).String(),
			Nonce:    7,
			Deadline: time.Now().Add(time.Minute).Unix(),
		}
		resp, body := api.submit(t, req)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		resp, _ = api.submit(t, req)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("NotOwner", func(t *testing.T) {
		// position 1 belongs to the trader; signing with another key is denied
		other, err := crypto.GenerateSigner(chainID)
		require.NoError(t, err)
		req := crypto.MarginRequest{Action: "close", PositionID: 1, Nonce: 8, Deadline: time.Now().Add(time.Minute).Unix()}
		sig, err := other.SignRequest(req)
		require.NoError(t, err)
		resp, body := api.do(t, http.MethodPost, "/api/requests", map[string]any{"request": req, "signature": sig}, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "reverted", receiptOf(t, body)["status"])
		assert.NotEmpty(t, body["error"])
	})

	t.Run("UnknownPosition", func(t *testing.T) {
		resp, _ := api.do(t, http.MethodGet, "/api/positions/99", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("BadPositionID", func(t *testing.T) {
		resp, _ := api.do(t, http.MethodGet, "/api/positions/abc", nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("BadOwner", func(t *testing.T) {
		resp, _ := api.do(t, http.MethodGet, "/api/owners/alice/positions", nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("BadSince", func(t *testing.T) {
		resp, _ := api.do(t, http.MethodGet, "/api/positions/1/receipts?since=yesterday", nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownReceipt", func(t *testing.T) {
		resp, _ := api.do(t, http.MethodGet, "/api/receipts/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestFaucetRequiresAdminSignature(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	to := common.HexToAddress("0xfa0cE7")
	body := `{"to":"` + to.Hex() + `","collateral":"0.25"}`

	post := func(header map[string]string) *http.Response {
		req, err := http.NewRequestWithContext(api.ctx, http.MethodPost, api.srv.URL+"/api/faucet", strings.NewReader(body))
		require.NoError(t, err)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := api.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post(nil).StatusCode)

	stale := admin.HeadersAt(http.MethodPost, "/api/faucet", body, time.Now().Add(-time.Hour).Unix())
	assert.Equal(t, http.StatusUnauthorized, post(stale).StatusCode)

	forged := (&crypto.HMACAuth{Key: admin.Key, Secret: "guess"}).Headers(http.MethodPost, "/api/faucet", body)
	assert.Equal(t, http.StatusUnauthorized, post(forged).StatusCode)

	resp := post(admin.Headers(http.MethodPost, "/api/faucet", body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bal *big.Int
	env := api.svc.Env()
	require.NoError(t, env.Chain.View(func() error {
		bal = env.Collateral.BalanceOf(to)
		return nil
	}))
	assert.Equal(t, big.NewInt(25_000_000), bal)
}

func TestAPIKeyAndRateLimit(t *testing.T) {
	api := newTestAPI(t, Config{APIKey: "k3y", RateLimit: 3, RateLimitWindow: time.Minute}, nil)

	resp, _ := api.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is exempt")

	resp, _ = api.do(t, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := api.do(t, http.MethodGet, "/api/status", nil, map[string]string{"Authorization": "Bearer k3y"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "demo", body["mode"])
	assert.EqualValues(t, chainID, body["chain_id"])

	resp, _ = api.do(t, http.MethodGet, "/api/status", nil, map[string]string{"X-API-Key": "k3y"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, Config{CORSOrigins: []string{"http://localhost:5173"}}, nil)

	resp, _ := api.do(t, http.MethodOptions, "/api/requests", nil, map[string]string{"Origin": "http://localhost:5173"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), crypto.HeaderAdminSignature)

	resp, _ = api.do(t, http.MethodOptions, "/api/requests", nil, map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, Config{APIKey: "k3y"}, nil)
	api.fund(t)

	resp, err := api.srv.Client().Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `operation="faucet"`)
}

type frame struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id"`
	Payload  json.RawMessage `json:"payload"`
}

func TestWebSocketReplayAndLive(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	api.fund(t)
	resp, body := api.submit(t, crypto.MarginRequest{Action: "open", Amount: collateral.String(), Flash: flashDAI.String(), Nonce: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/ws?since=0"
	conn, _, err := websocket.DefaultDialer.DialContext(api.ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() (frame, domain.Receipt) {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		kind, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, kind)
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		var r domain.Receipt
		if f.Type == "receipt" {
			require.NoError(t, json.Unmarshal(f.Payload, &r))
		}
		return f, r
	}

	f, _ := read()
	assert.Equal(t, "status", f.Type)

	f, r := read()
	assert.Equal(t, "1-0", f.StreamID)
	assert.Equal(t, "faucet", r.Operation)

	f, r = read()
	assert.Equal(t, "2-0", f.StreamID)
	assert.Equal(t, "open", r.Operation)
	assert.Equal(t, api.trader.Address(), r.From)

	resp, body = api.submit(t, crypto.MarginRequest{Action: "close", PositionID: 1, Nonce: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	f, r = read()
	assert.Equal(t, "receipt", f.Type)
	assert.Empty(t, f.StreamID)
	assert.Equal(t, "close", r.Operation)
	assert.Equal(t, uint64(1), r.PositionID)
}
