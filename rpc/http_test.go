package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gridsettle/audit"
	"gridsettle/core/types"
	"gridsettle/crypto"
	"gridsettle/native/settlement"
	"gridsettle/state"
	"gridsettle/storage"
)

var (
	rpcAdmin  = rpcAddr(0x0A)
	rpcOracle = rpcAddr(0x0B)
	rpcBuyer  = rpcAddr(0x01)
	rpcSeller = rpcAddr(0x02)
)

func rpcAddr(fill byte) crypto.Address {
	return crypto.MustNewAddress(bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

type rpcEnv struct {
	server *Server
	engine *settlement.Engine
	state  *state.Manager
}

func newTestEnv(t *testing.T, authToken string) *rpcEnv {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	engine := settlement.NewEngine(rpcOracle.Bytes())
	engine.SetState(st)
	require.NoError(t, engine.Bootstrap(rpcAdmin.Bytes()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(engine, st, nil, nil, logger, authToken)
	return &rpcEnv{server: server, engine: engine, state: st}
}

func (env *rpcEnv) fund(t *testing.T, addr crypto.Address, balance int64) {
	t.Helper()
	raw := addr.Bytes()
	require.NoError(t, env.state.PutAccount(raw[:], &types.Account{Balance: big.NewInt(balance)}))
}

func (env *rpcEnv) call(t *testing.T, method string, params interface{}, token string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	envelope := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		envelope["params"] = []interface{}{params}
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.server.ServeHTTP(recorder, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	return recorder, resp
}

func resultInto(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func createTradeBody(id uint64) createTradeParams {
	return createTradeParams{
		Caller: rpcBuyer.String(),
		ID:     id,
		Seller: rpcSeller.String(),
		Amount: "2000",
		Price:  "5000",
	}
}

func TestCreateTradeHappyPath(t *testing.T) {
	env := newTestEnv(t, "")
	env.fund(t, rpcBuyer, 10_000)

	recorder, resp := env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Nil(t, resp.Error)

	var trade tradeJSON
	resultInto(t, resp, &trade)
	require.Equal(t, uint64(1), trade.ID)
	require.Equal(t, "pending", trade.State)
	require.Equal(t, "5000", trade.EscrowFunds)
	require.Equal(t, rpcBuyer.String(), trade.Buyer)
	require.Equal(t, rpcSeller.String(), trade.Seller)

	_, resp = env.call(t, "settlement_getBalance", addressParams{Address: rpcBuyer.String()}, "")
	require.Nil(t, resp.Error)
	var balance map[string]string
	resultInto(t, resp, &balance)
	require.Equal(t, "5000", balance["balance"])
}

func TestFullLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	env.fund(t, rpcBuyer, 10_000)

	_, resp := env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.Nil(t, resp.Error)

	_, resp = env.call(t, "settlement_confirmDelivery", tradeActorParams{Caller: rpcOracle.String(), ID: 1}, "")
	require.Nil(t, resp.Error)

	_, resp = env.call(t, "settlement_settleTrade", tradeActorParams{Caller: rpcBuyer.String(), ID: 1}, "")
	require.Nil(t, resp.Error)

	_, resp = env.call(t, "settlement_getTrade", tradeIDParams{ID: 1}, "")
	require.Nil(t, resp.Error)
	var trade tradeJSON
	resultInto(t, resp, &trade)
	require.Equal(t, "settled", trade.State)
	require.Equal(t, "0", trade.EscrowFunds)

	_, resp = env.call(t, "settlement_custody", nil, "")
	require.Nil(t, resp.Error)
	var custody custodyJSON
	resultInto(t, resp, &custody)
	require.Equal(t, "0", custody.Total)
}

func TestMutatingMethodsRequireAuth(t *testing.T) {
	env := newTestEnv(t, "sekrit")
	env.fund(t, rpcBuyer, 10_000)

	recorder, resp := env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	recorder, resp = env.call(t, "settlement_createTrade", createTradeBody(1), "wrong")
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, resp.Error)

	// Reads stay open.
	recorder, resp = env.call(t, "settlement_getConfig", nil, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Nil(t, resp.Error)

	recorder, resp = env.call(t, "settlement_createTrade", createTradeBody(1), "sekrit")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Nil(t, resp.Error)
}

func TestPausedUsesDedicatedCode(t *testing.T) {
	env := newTestEnv(t, "")
	env.fund(t, rpcBuyer, 10_000)
	require.NoError(t, env.engine.SetPaused(rpcAdmin.Bytes(), true))

	recorder, resp := env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.Equal(t, http.StatusConflict, recorder.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeSettlementPaused, resp.Error.Code)
}

func TestSettlementErrorCodes(t *testing.T) {
	env := newTestEnv(t, "")
	env.fund(t, rpcBuyer, 10_000)
	_, resp := env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.Nil(t, resp.Error)

	// Cancelling before the timeout maps to the expiry code.
	_, resp = env.call(t, "settlement_cancelTrade", tradeActorParams{Caller: rpcBuyer.String(), ID: 1}, "")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeSettlementExpiry, resp.Error.Code)

	// A non-oracle confirmation maps to the forbidden code.
	_, resp = env.call(t, "settlement_confirmDelivery", tradeActorParams{Caller: rpcBuyer.String(), ID: 1}, "")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeSettlementForbidden, resp.Error.Code)

	// An unknown trade maps to the not-found code.
	_, resp = env.call(t, "settlement_confirmDelivery", tradeActorParams{Caller: rpcOracle.String(), ID: 77}, "")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeSettlementNotFound, resp.Error.Code)

	// A duplicate identifier maps to the conflict code.
	_, resp = env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeSettlementConflict, resp.Error.Code)

	// An underfunded buyer maps to the funds code.
	params := createTradeBody(2)
	params.Price = "999999"
	_, resp = env.call(t, "settlement_createTrade", params, "")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeSettlementFunds, resp.Error.Code)
}

func TestGetTradeUnknownReturnsEmptyRecord(t *testing.T) {
	env := newTestEnv(t, "")
	_, resp := env.call(t, "settlement_getTrade", tradeIDParams{ID: 404}, "")
	require.Nil(t, resp.Error)

	var trade tradeJSON
	resultInto(t, resp, &trade)
	require.Equal(t, uint64(0), trade.ID)
	require.Equal(t, "pending", trade.State)
	require.Equal(t, "0", trade.EscrowFunds)
}

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t, "")
	_, resp := env.call(t, "settlement_getConfig", nil, "")
	require.Nil(t, resp.Error)

	var cfg configJSON
	resultInto(t, resp, &cfg)
	require.Equal(t, rpcAdmin.String(), cfg.Admin)
	require.Equal(t, rpcOracle.String(), cfg.Oracle)
	require.False(t, cfg.Paused)
	require.True(t, cfg.OracleEnabled)
}

func TestInvalidParams(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.call(t, "settlement_createTrade", map[string]string{"caller": "garbage"}, "")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	_, resp = env.call(t, "settlement_getTrade", nil, "")
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t, "")
	recorder, resp := env.call(t, "settlement_unknown", nil, "")
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestRejectsNonPost(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	recorder := httptest.NewRecorder()
	env.server.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not-json")))
	recorder := httptest.NewRecorder()
	env.server.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)
}

func TestMutationRateLimit(t *testing.T) {
	env := newTestEnv(t, "")
	env.fund(t, rpcBuyer, 1_000_000)

	var limited bool
	for i := 0; i < maxMutationsPerWindow+5; i++ {
		recorder, resp := env.call(t, "settlement_createTrade", createTradeBody(uint64(i+1)), "")
		if recorder.Code == http.StatusTooManyRequests {
			require.NotNil(t, resp.Error)
			require.Equal(t, codeRateLimited, resp.Error.Code)
			limited = true
			break
		}
	}
	require.True(t, limited, "expected the mutation rate limit to trip")
}

func TestRateLimiterEvictsExpiredWindows(t *testing.T) {
	env := newTestEnv(t, "")
	stale := time.Now().Add(-2 * rateLimitWindow)
	env.server.mu.Lock()
	env.server.rateLimiters["198.51.100.7"] = &rateLimiter{count: 3, windowStart: stale}
	env.server.rateLimiters["198.51.100.8"] = &rateLimiter{count: 1, windowStart: stale}
	env.server.mu.Unlock()

	require.True(t, env.server.allowMutation("192.0.2.1"))

	env.server.mu.Lock()
	defer env.server.mu.Unlock()
	require.NotContains(t, env.server.rateLimiters, "198.51.100.7")
	require.NotContains(t, env.server.rateLimiters, "198.51.100.8")
	require.Contains(t, env.server.rateLimiters, "192.0.2.1")
}

func TestClockEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	_, resp := env.call(t, "settlement_clock", nil, "")
	require.Nil(t, resp.Error)
	var tick map[string]uint64
	resultInto(t, resp, &tick)
	require.Equal(t, uint64(0), tick["tick"])
}

func TestRecentEventsWithoutJournal(t *testing.T) {
	env := newTestEnv(t, "")
	_, resp := env.call(t, "settlement_recentEvents", recentEventsParams{Limit: 5}, "")
	require.Nil(t, resp.Error)
}

func TestRecentEventsClampsLimit(t *testing.T) {
	journal, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	env := newTestEnv(t, "")
	env.server.journal = journal
	env.engine.SetEmitter(journal)
	env.fund(t, rpcBuyer, 10_000)

	_, resp := env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.Nil(t, resp.Error)

	// An unauthenticated read with an absurd limit must answer normally.
	recorder, resp := env.call(t, "settlement_recentEvents", recentEventsParams{Limit: 1 << 60}, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Nil(t, resp.Error)

	var records []audit.Record
	resultInto(t, resp, &records)
	require.Len(t, records, 1)
	require.Equal(t, settlement.EventTypeTradeCreated, records[0].Type)
}

func TestResolveDisputeOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	env.fund(t, rpcBuyer, 10_000)

	_, resp := env.call(t, "settlement_createTrade", createTradeBody(1), "")
	require.Nil(t, resp.Error)
	_, resp = env.call(t, "settlement_initiateDispute", initiateDisputeParams{Caller: rpcBuyer.String(), ID: 1, Reason: "no power delivered"}, "")
	require.Nil(t, resp.Error)
	_, resp = env.call(t, "settlement_resolveDispute", resolveDisputeParams{Caller: rpcAdmin.String(), ID: 1, FavorBuyer: true}, "")
	require.Nil(t, resp.Error)

	_, resp = env.call(t, "settlement_getBalance", addressParams{Address: rpcBuyer.String()}, "")
	require.Nil(t, resp.Error)
	var balance map[string]string
	resultInto(t, resp, &balance)
	require.Equal(t, "10000", balance["balance"])
}

func TestSettlementErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{settlement.ErrPaused, codeSettlementPaused},
		{settlement.ErrNotAuthorized, codeSettlementForbidden},
		{settlement.ErrTradeNotFound, codeSettlementNotFound},
		{settlement.ErrTradeAlreadyExists, codeSettlementConflict},
		{settlement.ErrInvalidState, codeSettlementState},
		{settlement.ErrTradeNotYetExpired, codeSettlementExpiry},
		{settlement.ErrInsufficientFunds, codeSettlementFunds},
		{settlement.ErrInvalidAmount, codeSettlementAmount},
		{settlement.ErrOracleDisabled, codeSettlementOracle},
		{settlement.ErrZeroAddress, codeSettlementAddress},
		{fmt.Errorf("boom"), codeServerError},
	}
	for _, tc := range cases {
		code, _ := settlementErrorCode(tc.err)
		require.Equal(t, tc.code, code, "error %v", tc.err)
	}
}
