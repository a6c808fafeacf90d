package settlement

import (
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"
)

// TradeState represents the lifecycle states of a settlement trade.
type TradeState uint8

const (
	TradePending TradeState = iota
	TradeDelivered
	TradeSettled
	TradeDisputed
	TradeCancelled
)

// Valid reports whether the state value is within the supported range.
func (s TradeState) Valid() bool {
	switch s {
	case TradePending, TradeDelivered, TradeSettled, TradeDisputed, TradeCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is defined from the state.
func (s TradeState) Terminal() bool {
	return s == TradeSettled || s == TradeCancelled
}

// String renders the state for logs, events and RPC payloads.
func (s TradeState) String() string {
	switch s {
	case TradePending:
		return "pending"
	case TradeDelivered:
		return "delivered"
	case TradeSettled:
		return "settled"
	case TradeDisputed:
		return "disputed"
	case TradeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Trade captures a single bilateral energy trade under custody. Amount is the
// quantity of energy units being exchanged and is informational; Price is the
// settlement value in the base currency unit, held in escrow from creation
// until exactly one payout. Timestamps are logical-clock ticks.
type Trade struct {
	ID            uint64     `json:"id"`
	Buyer         [20]byte   `json:"buyer"`
	Seller        [20]byte   `json:"seller"`
	Amount        *big.Int   `json:"amount"`
	Price         *big.Int   `json:"price"`
	EscrowFunds   *big.Int   `json:"escrowFunds"`
	State         TradeState `json:"state"`
	CreatedAt     uint64     `json:"createdAt"`
	LastUpdated   uint64     `json:"lastUpdated"`
	DisputeReason string     `json:"disputeReason,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result without touching
// the stored instance.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.Price = cloneBigInt(t.Price)
	clone.EscrowFunds = cloneBigInt(t.EscrowFunds)
	return &clone
}

// SanitizeTrade validates and normalises a trade record, returning a cloned
// instance with non-nil amount fields. The original value is not mutated.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("settlement: nil trade")
	}
	clone := t.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("settlement: trade amount must be non-negative")
	}
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("settlement: trade price must be non-negative")
	}
	if clone.EscrowFunds.Sign() < 0 {
		return nil, fmt.Errorf("settlement: escrow funds must be non-negative")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("settlement: invalid trade state %d", clone.State)
	}
	clone.DisputeReason = clipReason(clone.DisputeReason)
	return clone, nil
}

// DisputeVote records a per-voter ballot on a disputed trade. Ballots are
// persisted for audit but resolution is unilateral by the administrator;
// nothing reads them back today.
type DisputeVote struct {
	TradeID     uint64   `json:"tradeId"`
	Voter       [20]byte `json:"voter"`
	FavorsBuyer bool     `json:"favorsBuyer"`
}

// Config is the process-wide settlement configuration. It is persisted as a
// singleton and mutated only through the guarded administrator operations.
type Config struct {
	Admin         [20]byte `json:"admin"`
	Paused        bool     `json:"paused"`
	OracleEnabled bool     `json:"oracleEnabled"`
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	clone := *c
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func clipReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	if len(trimmed) <= MaxDisputeReasonLen {
		return trimmed
	}
	// Never cut through a multi-byte rune; back up to the boundary.
	cut := MaxDisputeReasonLen
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut]
}
