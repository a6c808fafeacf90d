package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"gridsettle/crypto"
	"gridsettle/native/settlement"
)

type createTradeParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

type tradeActorParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type initiateDisputeParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

type resolveDisputeParams struct {
	Caller     string `json:"caller"`
	ID         uint64 `json:"id"`
	FavorBuyer bool   `json:"favorBuyer"`
}

type transferAdminParams struct {
	Caller   string `json:"caller"`
	NewAdmin string `json:"newAdmin"`
}

type setFlagParams struct {
	Caller string `json:"caller"`
	Value  bool   `json:"value"`
}

type tradeIDParams struct {
	ID uint64 `json:"id"`
}

type addressParams struct {
	Address string `json:"address"`
}

type recentEventsParams struct {
	Limit int `json:"limit"`
}

const (
	defaultRecentEventsLimit = 50
	maxRecentEventsLimit     = 500
)

type tradeJSON struct {
	ID            uint64 `json:"id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Amount        string `json:"amount"`
	Price         string `json:"price"`
	EscrowFunds   string `json:"escrowFunds"`
	State         string `json:"state"`
	CreatedAt     uint64 `json:"createdAt"`
	LastUpdated   uint64 `json:"lastUpdated"`
	DisputeReason string `json:"disputeReason,omitempty"`
}

type configJSON struct {
	Admin         string `json:"admin"`
	Oracle        string `json:"oracle"`
	Paused        bool   `json:"paused"`
	OracleEnabled bool   `json:"oracleEnabled"`
}

type custodyJSON struct {
	Vault string `json:"vault"`
	Total string `json:"total"`
}

type ackResult struct {
	OK bool `json:"ok"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(raw string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Bytes(), nil
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("value is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal value %q", raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("value must be positive")
	}
	return value, nil
}

func formatTrade(t *settlement.Trade) tradeJSON {
	if t == nil {
		t = &settlement.Trade{}
	}
	sanitized := t.Clone()
	if sanitized == nil {
		sanitized = (&settlement.Trade{}).Clone()
	}
	return tradeJSON{
		ID:            sanitized.ID,
		Buyer:         crypto.EncodeAddress(sanitized.Buyer),
		Seller:        crypto.EncodeAddress(sanitized.Seller),
		Amount:        sanitized.Amount.String(),
		Price:         sanitized.Price.String(),
		EscrowFunds:   sanitized.EscrowFunds.String(),
		State:         sanitized.State.String(),
		CreatedAt:     sanitized.CreatedAt,
		LastUpdated:   sanitized.LastUpdated,
		DisputeReason: sanitized.DisputeReason,
	}
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, req *RPCRequest) string {
	var params createTradeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	seller, err := parseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	trade, err := s.engine.CreateTrade(caller, params.ID, seller, amount, price)
	if err != nil {
		s.writeSettlementError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, formatTrade(trade))
	return "ok"
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, req *RPCRequest) string {
	return s.handleActorTransition(w, req, s.engine.ConfirmDelivery)
}

func (s *Server) handleSettleTrade(w http.ResponseWriter, req *RPCRequest) string {
	return s.handleActorTransition(w, req, s.engine.SettleTrade)
}

func (s *Server) handleCancelTrade(w http.ResponseWriter, req *RPCRequest) string {
	return s.handleActorTransition(w, req, s.engine.CancelTrade)
}

func (s *Server) handleActorTransition(w http.ResponseWriter, req *RPCRequest, op func([20]byte, uint64) error) string {
	var params tradeActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := op(caller, params.ID); err != nil {
		s.writeSettlementError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, ackResult{OK: true})
	return "ok"
}

func (s *Server) handleInitiateDispute(w http.ResponseWriter, req *RPCRequest) string {
	var params initiateDisputeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.engine.InitiateDispute(caller, params.ID, params.Reason); err != nil {
		s.writeSettlementError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, ackResult{OK: true})
	return "ok"
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, req *RPCRequest) string {
	var params resolveDisputeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.engine.ResolveDispute(caller, params.ID, params.FavorBuyer); err != nil {
		s.writeSettlementError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, ackResult{OK: true})
	return "ok"
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, req *RPCRequest) string {
	var params transferAdminParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	newAdmin, err := parseAddress(params.NewAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.engine.TransferAdmin(caller, newAdmin); err != nil {
		s.writeSettlementError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, ackResult{OK: true})
	return "ok"
}

func (s *Server) handleSetPaused(w http.ResponseWriter, req *RPCRequest) string {
	return s.handleFlagUpdate(w, req, s.engine.SetPaused)
}

func (s *Server) handleSetOracleEnabled(w http.ResponseWriter, req *RPCRequest) string {
	return s.handleFlagUpdate(w, req, s.engine.SetOracleEnabled)
}

func (s *Server) handleFlagUpdate(w http.ResponseWriter, req *RPCRequest, op func([20]byte, bool) error) string {
	var params setFlagParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := op(caller, params.Value); err != nil {
		s.writeSettlementError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, ackResult{OK: true})
	return "ok"
}

// handleGetTrade returns the stored record, or a default empty record when
// the identifier is unknown.
func (s *Server) handleGetTrade(w http.ResponseWriter, req *RPCRequest) string {
	var params tradeIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	trade, ok := s.engine.GetTrade(params.ID)
	if !ok {
		writeResult(w, req.ID, formatTrade(nil))
		return "ok"
	}
	writeResult(w, req.ID, formatTrade(trade))
	return "ok"
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) string {
	var params addressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	account, err := s.state.GetAccount(addr[:])
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return "error"
	}
	writeResult(w, req.ID, map[string]string{
		"address": params.Address,
		"balance": account.Balance.String(),
	})
	return "ok"
}

func (s *Server) handleGetConfig(w http.ResponseWriter, req *RPCRequest) string {
	admin, err := s.engine.Admin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return "error"
	}
	paused, err := s.engine.IsPaused()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return "error"
	}
	oracleEnabled, err := s.engine.IsOracleEnabled()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return "error"
	}
	writeResult(w, req.ID, configJSON{
		Admin:         crypto.EncodeAddress(admin),
		Oracle:        crypto.EncodeAddress(s.engine.Oracle()),
		Paused:        paused,
		OracleEnabled: oracleEnabled,
	})
	return "ok"
}

func (s *Server) handleCustody(w http.ResponseWriter, req *RPCRequest) string {
	total, err := s.state.CustodyTotal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return "error"
	}
	writeResult(w, req.ID, custodyJSON{
		Vault: crypto.EncodeAddress(s.state.EscrowVaultAddress()),
		Total: total.String(),
	})
	return "ok"
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, req *RPCRequest) string {
	limit := defaultRecentEventsLimit
	if len(req.Params) == 1 {
		var params recentEventsParams
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return "invalid_params"
		}
		if params.Limit > 0 {
			limit = params.Limit
		}
	}
	// The limit is unauthenticated input; clamp it server-side.
	if limit > maxRecentEventsLimit {
		limit = maxRecentEventsLimit
	}
	if s.journal == nil {
		writeResult(w, req.ID, []struct{}{})
		return "ok"
	}
	records, err := s.journal.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return "error"
	}
	writeResult(w, req.ID, records)
	return "ok"
}

func (s *Server) handleClock(w http.ResponseWriter, req *RPCRequest) string {
	var tick uint64
	if s.clock != nil {
		tick = s.clock.Now()
	}
	writeResult(w, req.ID, map[string]uint64{"tick": tick})
	return "ok"
}
