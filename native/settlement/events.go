package settlement

import (
	"encoding/hex"
	"strconv"
	"strings"

	"gridsettle/core/types"
)

const (
	EventTypeTradeCreated   = "settlement.trade.created"
	EventTypeTradeDelivered = "settlement.trade.delivered"
	EventTypeTradeSettled   = "settlement.trade.settled"
	EventTypeTradeCancelled = "settlement.trade.cancelled"
	EventTypeTradeDisputed  = "settlement.trade.disputed"
	EventTypeTradeResolved  = "settlement.trade.resolved"
	EventTypeConfigUpdated  = "settlement.config.updated"
)

// NewTradeCreatedEvent returns the canonical payload for a newly escrowed trade.
func NewTradeCreatedEvent(t *Trade) *types.Event { return newTradeEvent(EventTypeTradeCreated, t, "") }

// NewTradeDeliveredEvent returns the payload emitted on oracle confirmation.
func NewTradeDeliveredEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeDelivered, t, "")
}

// NewTradeSettledEvent returns the payload emitted when escrow pays the seller.
func NewTradeSettledEvent(t *Trade) *types.Event { return newTradeEvent(EventTypeTradeSettled, t, "") }

// NewTradeCancelledEvent returns the payload emitted on a timeout refund.
func NewTradeCancelledEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeCancelled, t, "")
}

// NewTradeDisputedEvent returns the payload emitted when a dispute opens.
func NewTradeDisputedEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeDisputed, t, "")
}

// NewTradeResolvedEvent returns the payload emitted when the administrator
// rules on a dispute. The outcome names the payout recipient role.
func NewTradeResolvedEvent(t *Trade, outcome string) *types.Event {
	return newTradeEvent(EventTypeTradeResolved, t, outcome)
}

// NewConfigUpdatedEvent returns the payload emitted after a guarded
// configuration change.
func NewConfigUpdatedEvent(c *Config) *types.Event {
	attrs := make(map[string]string)
	if c != nil {
		attrs["admin"] = hex.EncodeToString(c.Admin[:])
		attrs["paused"] = strconv.FormatBool(c.Paused)
		attrs["oracleEnabled"] = strconv.FormatBool(c.OracleEnabled)
	}
	return &types.Event{Type: EventTypeConfigUpdated, Attributes: attrs}
}

func newTradeEvent(eventType string, t *Trade, outcome string) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeTrade(t)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["tradeId"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["price"] = sanitized.Price.String()
	attrs["escrowFunds"] = sanitized.EscrowFunds.String()
	attrs["state"] = sanitized.State.String()
	attrs["createdAt"] = strconv.FormatUint(sanitized.CreatedAt, 10)
	attrs["lastUpdated"] = strconv.FormatUint(sanitized.LastUpdated, 10)
	if reason := strings.TrimSpace(sanitized.DisputeReason); reason != "" {
		attrs["reason"] = reason
	}
	if strings.TrimSpace(outcome) != "" {
		attrs["outcome"] = outcome
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
