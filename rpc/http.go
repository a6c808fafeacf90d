package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridsettle/audit"
	"gridsettle/clock"
	"gridsettle/native/settlement"
	"gridsettle/observability"
	"gridsettle/state"
)

const (
	jsonRPCVersion        = "2.0"
	maxRequestBytes       = 1 << 20 // 1 MiB
	rateLimitWindow       = time.Minute
	maxMutationsPerWindow = 60
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Settlement failure codes. Paused deliberately sits in its own numeric
// family, apart from the authorization and state codes.
const (
	codeSettlementForbidden = -32021
	codeSettlementNotFound  = -32022
	codeSettlementConflict  = -32023
	codeSettlementState     = -32024
	codeSettlementExpiry    = -32025
	codeSettlementFunds     = -32026
	codeSettlementAmount    = -32027
	codeSettlementOracle    = -32028
	codeSettlementAddress   = -32029
	codeSettlementPaused    = -32104
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server is the JSON-RPC front-end for the settlement engine.
type Server struct {
	engine  *settlement.Engine
	state   *state.Manager
	journal *audit.Journal
	clock   *clock.Logical
	logger  *slog.Logger
	metrics *observability.SettlementMetrics

	authToken string

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
}

// NewServer wires the RPC surface. The auth token guards mutating methods;
// an empty token leaves them open (local development only).
func NewServer(engine *settlement.Engine, st *state.Manager, journal *audit.Journal, clk *clock.Logical, logger *slog.Logger, authToken string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:       engine,
		state:        st,
		journal:      journal,
		clock:        clk,
		logger:       logger,
		metrics:      observability.Settlement(),
		authToken:    strings.TrimSpace(authToken),
		rateLimiters: make(map[string]*rateLimiter),
	}
}

// Start serves JSON-RPC on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

// RPCRequest is the inbound JSON-RPC envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is the outbound JSON-RPC envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a failure code, message and optional detail payload.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// ServeHTTP handles a single JSON-RPC request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "invalid_request", "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "invalid_request", "request body too large")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	method := strings.TrimSpace(req.Method)
	correlationID := uuid.NewString()
	started := time.Now()
	outcome := s.dispatch(w, r, &req)
	s.metrics.Observe(method, outcome, time.Since(started))
	s.logger.Info("rpc request",
		"method", method,
		"outcome", outcome,
		"correlationId", correlationID,
		"elapsedMs", time.Since(started).Milliseconds(),
	)
	if total, err := s.state.CustodyTotal(); err == nil {
		approx, _ := new(big.Float).SetInt(total).Float64()
		s.metrics.SetCustody(approx)
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	method := strings.TrimSpace(req.Method)
	if mutating(method) {
		if err := s.requireAuth(r); err != nil {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthorized", err.Error())
			return "unauthorized"
		}
		if !s.allowMutation(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate_limited", "too many mutating requests")
			return "rate_limited"
		}
	}
	switch method {
	case "settlement_createTrade":
		return s.handleCreateTrade(w, req)
	case "settlement_confirmDelivery":
		return s.handleConfirmDelivery(w, req)
	case "settlement_settleTrade":
		return s.handleSettleTrade(w, req)
	case "settlement_cancelTrade":
		return s.handleCancelTrade(w, req)
	case "settlement_initiateDispute":
		return s.handleInitiateDispute(w, req)
	case "settlement_resolveDispute":
		return s.handleResolveDispute(w, req)
	case "settlement_transferAdmin":
		return s.handleTransferAdmin(w, req)
	case "settlement_setPaused":
		return s.handleSetPaused(w, req)
	case "settlement_setOracleEnabled":
		return s.handleSetOracleEnabled(w, req)
	case "settlement_getTrade":
		return s.handleGetTrade(w, req)
	case "settlement_getBalance":
		return s.handleGetBalance(w, req)
	case "settlement_getConfig":
		return s.handleGetConfig(w, req)
	case "settlement_custody":
		return s.handleCustody(w, req)
	case "settlement_recentEvents":
		return s.handleRecentEvents(w, req)
	case "settlement_clock":
		return s.handleClock(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", fmt.Sprintf("unknown method %q", method))
		return "method_not_found"
	}
}

func mutating(method string) bool {
	switch method {
	case "settlement_createTrade", "settlement_confirmDelivery", "settlement_settleTrade",
		"settlement_cancelTrade", "settlement_initiateDispute", "settlement_resolveDispute",
		"settlement_transferAdmin", "settlement_setPaused", "settlement_setOracleEnabled":
		return true
	default:
		return false
	}
}

func (s *Server) requireAuth(r *http.Request) error {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return errors.New("invalid bearer token")
	}
	return nil
}

func (s *Server) allowMutation(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	// Drop expired windows so the map does not grow with every client IP
	// seen over the process lifetime.
	for ip, limiter := range s.rateLimiters {
		if ip != source && now.Sub(limiter.windowStart) >= rateLimitWindow {
			delete(s.rateLimiters, ip)
		}
	}
	limiter, ok := s.rateLimiters[source]
	if !ok || now.Sub(limiter.windowStart) >= rateLimitWindow {
		s.rateLimiters[source] = &rateLimiter{count: 1, windowStart: now}
		return true
	}
	if limiter.count >= maxMutationsPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// settlementErrorCode maps an engine failure to its JSON-RPC code and HTTP
// status.
func settlementErrorCode(err error) (int, int) {
	switch {
	case errors.Is(err, settlement.ErrPaused):
		return codeSettlementPaused, http.StatusConflict
	case errors.Is(err, settlement.ErrNotAuthorized):
		return codeSettlementForbidden, http.StatusForbidden
	case errors.Is(err, settlement.ErrTradeNotFound):
		return codeSettlementNotFound, http.StatusNotFound
	case errors.Is(err, settlement.ErrTradeAlreadyExists):
		return codeSettlementConflict, http.StatusConflict
	case errors.Is(err, settlement.ErrInvalidState),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, settlement.ErrDisputeAlreadyResolved):
		return codeSettlementState, http.StatusConflict
	case errors.Is(err, settlement.ErrTradeNotYetExpired):
		return codeSettlementExpiry, http.StatusConflict
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return codeSettlementFunds, http.StatusConflict
	case errors.Is(err, settlement.ErrInvalidAmount):
		return codeSettlementAmount, http.StatusBadRequest
	case errors.Is(err, settlement.ErrOracleDisabled):
		return codeSettlementOracle, http.StatusConflict
	case errors.Is(err, settlement.ErrZeroAddress):
		return codeSettlementAddress, http.StatusBadRequest
	default:
		return codeServerError, http.StatusInternalServerError
	}
}

func (s *Server) writeSettlementError(w http.ResponseWriter, id interface{}, err error) {
	code, status := settlementErrorCode(err)
	writeError(w, status, id, code, "settlement_error", err.Error())
}
