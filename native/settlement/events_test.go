package settlement

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestTradeEventAttributes(t *testing.T) {
	trade := &Trade{
		ID:            42,
		Buyer:         newTestAddress(0x01),
		Seller:        newTestAddress(0x02),
		Amount:        big.NewInt(1500),
		Price:         big.NewInt(7500),
		EscrowFunds:   big.NewInt(7500),
		State:         TradeDisputed,
		CreatedAt:     10,
		LastUpdated:   12,
		DisputeReason: "meter offline",
	}
	evt := NewTradeDisputedEvent(trade)
	if evt.Type != EventTypeTradeDisputed {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	attrs := evt.Attributes
	if attrs["tradeId"] != "42" {
		t.Fatalf("unexpected tradeId %q", attrs["tradeId"])
	}
	if attrs["buyer"] != hex.EncodeToString(trade.Buyer[:]) {
		t.Fatalf("unexpected buyer %q", attrs["buyer"])
	}
	if attrs["price"] != "7500" || attrs["escrowFunds"] != "7500" {
		t.Fatalf("unexpected amounts %q / %q", attrs["price"], attrs["escrowFunds"])
	}
	if attrs["state"] != "disputed" {
		t.Fatalf("unexpected state %q", attrs["state"])
	}
	if attrs["reason"] != "meter offline" {
		t.Fatalf("unexpected reason %q", attrs["reason"])
	}
	if _, ok := attrs["outcome"]; ok {
		t.Fatalf("non-resolution events carry no outcome")
	}
}

func TestResolvedEventCarriesOutcome(t *testing.T) {
	trade := &Trade{ID: 1, State: TradeSettled, Amount: big.NewInt(1), Price: big.NewInt(1), EscrowFunds: big.NewInt(0)}
	evt := NewTradeResolvedEvent(trade, "buyer")
	if evt.Attributes["outcome"] != "buyer" {
		t.Fatalf("expected outcome attribute, got %q", evt.Attributes["outcome"])
	}
}

func TestConfigUpdatedEvent(t *testing.T) {
	cfg := &Config{Admin: newTestAddress(0x0A), Paused: true, OracleEnabled: false}
	evt := NewConfigUpdatedEvent(cfg)
	if evt.Type != EventTypeConfigUpdated {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if evt.Attributes["paused"] != "true" || evt.Attributes["oracleEnabled"] != "false" {
		t.Fatalf("unexpected flags %q / %q", evt.Attributes["paused"], evt.Attributes["oracleEnabled"])
	}
	if evt.Attributes["admin"] != hex.EncodeToString(cfg.Admin[:]) {
		t.Fatalf("unexpected admin %q", evt.Attributes["admin"])
	}
}

func TestNilTradeEventIsEmpty(t *testing.T) {
	evt := NewTradeCreatedEvent(nil)
	if evt.Type != EventTypeTradeCreated {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	if len(evt.Attributes) != 0 {
		t.Fatalf("nil trade must yield empty attributes")
	}
}
