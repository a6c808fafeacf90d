package settlement

import (
	"errors"
	"math/big"
	"sync"

	"gridsettle/core/events"
	"gridsettle/core/types"
)

const (
	// CancelTimeout is the number of logical-clock ticks that must elapse
	// after creation before a pending trade becomes cancellable. At a ten
	// minute tick this is roughly 24 hours.
	CancelTimeout uint64 = 144

	// MaxDisputeReasonLen bounds the stored dispute reason text.
	MaxDisputeReasonLen = 256
)

// DefaultMinTradeAmount is the smallest tradeable quantity of energy units.
var DefaultMinTradeAmount = big.NewInt(1)

// SettlementState is the storage backend consumed by the engine. Trade
// records, dispute ballots, the singleton configuration, account balances and
// the per-trade custody ledger all live behind it so the engine stays
// deterministic and testable.
type SettlementState interface {
	TradePut(*Trade) error
	// TradeGet returns ErrTradeNotFound for unknown identifiers. Any other
	// error means the stored record could not be read and must not be
	// treated as absent.
	TradeGet(id uint64) (*Trade, error)
	VotePut(*DisputeVote) error
	ConfigPut(*Config) error
	ConfigGet() (*Config, bool)
	EscrowCredit(id uint64, amount *big.Int) error
	EscrowDebit(id uint64, amount *big.Int) error
	EscrowBalance(id uint64) (*big.Int, error)
	CustodyTotal() (*big.Int, error)
	EscrowVaultAddress() [20]byte
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type settlementEvent struct {
	evt *types.Event
}

func (e settlementEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e settlementEvent) Event() *types.Event { return e.evt }

// Engine owns the trade lifecycle: it gates every mutating operation on the
// persisted configuration, validates state transitions, and moves funds
// between accounts and the custody vault. Public operations are mutually
// exclusive; the lock makes each read-check-write sequence indivisible so no
// caller can observe an in-progress transition.
type Engine struct {
	mu        sync.Mutex
	state     SettlementState
	emitter   events.Emitter
	oracle    [20]byte
	clockFn   func() uint64
	minAmount *big.Int
}

// NewEngine creates a settlement engine bound to the fixed oracle identity.
// The clock and state backend must be configured before use.
func NewEngine(oracle [20]byte) *Engine {
	return &Engine{
		emitter:   events.NoopEmitter{},
		oracle:    oracle,
		clockFn:   func() uint64 { return 0 },
		minAmount: new(big.Int).Set(DefaultMinTradeAmount),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state SettlementState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetClockFunc overrides the logical clock source. The clock must be
// monotonically increasing; it advances independently of any call.
func (e *Engine) SetClockFunc(clock func() uint64) {
	if clock == nil {
		e.clockFn = func() uint64 { return 0 }
		return
	}
	e.clockFn = clock
}

// SetMinTradeAmount overrides the minimum tradeable quantity.
func (e *Engine) SetMinTradeAmount(min *big.Int) {
	if min == nil || min.Sign() <= 0 {
		e.minAmount = new(big.Int).Set(DefaultMinTradeAmount)
		return
	}
	e.minAmount = new(big.Int).Set(min)
}

// Bootstrap persists the initial configuration if none exists yet. The
// administrator identity must be non-zero.
func (e *Engine) Bootstrap(admin [20]byte) error {
	if e == nil || e.state == nil {
		return errConfigMissing
	}
	if admin == ([20]byte{}) {
		return ErrZeroAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.state.ConfigGet(); ok {
		return nil
	}
	return e.state.ConfigPut(&Config{Admin: admin, Paused: false, OracleEnabled: true})
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(settlementEvent{evt: event})
}

func (e *Engine) now() uint64 {
	if e == nil || e.clockFn == nil {
		return 0
	}
	return e.clockFn()
}

// loadConfig reads the singleton configuration with the same consistency as
// the trade being mutated; a pause flipped before this call is always
// observed by the transition it gates.
func (e *Engine) loadConfig() (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errConfigMissing
	}
	cfg, ok := e.state.ConfigGet()
	if !ok {
		return nil, errConfigMissing
	}
	return cfg, nil
}

func (e *Engine) loadTrade(id uint64) (*Trade, error) {
	trade, err := e.state.TradeGet(id)
	if err != nil {
		return nil, err
	}
	return SanitizeTrade(trade)
}

// transfer moves funds between two accounts, failing before any mutation when
// the source balance is short.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// CreateTrade escrows the price from the caller (who becomes the buyer) and
// inserts a new pending trade under the caller-supplied identifier.
func (e *Engine) CreateTrade(caller [20]byte, id uint64, seller [20]byte, amount, price *big.Int) (*Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Paused {
		return nil, ErrPaused
	}
	if seller == ([20]byte{}) {
		return nil, ErrZeroAddress
	}
	if _, err := e.state.TradeGet(id); err == nil {
		return nil, ErrTradeAlreadyExists
	} else if !errors.Is(err, ErrTradeNotFound) {
		return nil, err
	}
	if amount == nil || amount.Cmp(e.minAmount) < 0 {
		return nil, ErrInvalidAmount
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	buyerAcc, err := e.state.GetAccount(caller[:])
	if err != nil {
		return nil, err
	}
	buyerAcc = ensureAccount(buyerAcc)
	if buyerAcc.Balance.Cmp(price) < 0 {
		return nil, ErrInsufficientFunds
	}
	if err := e.transfer(caller, e.state.EscrowVaultAddress(), price); err != nil {
		return nil, err
	}
	if err := e.state.EscrowCredit(id, price); err != nil {
		return nil, err
	}
	now := e.now()
	trade := &Trade{
		ID:          id,
		Buyer:       caller,
		Seller:      seller,
		Amount:      cloneBigInt(amount),
		Price:       cloneBigInt(price),
		EscrowFunds: cloneBigInt(price),
		State:       TradePending,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emit(NewTradeCreatedEvent(trade))
	return trade.Clone(), nil
}

// ConfirmDelivery records the oracle's attestation of physical delivery. The
// pause flag does not gate this operation; only the oracle toggle does.
func (e *Engine) ConfirmDelivery(caller [20]byte, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.OracleEnabled {
		return ErrOracleDisabled
	}
	if caller != e.oracle {
		return ErrNotAuthorized
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if trade.State != TradePending {
		return ErrInvalidState
	}
	trade.State = TradeDelivered
	trade.LastUpdated = e.now()
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewTradeDeliveredEvent(trade))
	return nil
}

// SettleTrade pays the full escrowed value to the seller once delivery has
// been confirmed. The transition away from Delivered happens in the same
// indivisible step as the payout, which is what prevents a double payout
// under adversarial retry.
func (e *Engine) SettleTrade(caller [20]byte, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Paused {
		return ErrPaused
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if caller != trade.Buyer {
		return ErrNotAuthorized
	}
	if trade.State != TradeDelivered {
		return ErrInvalidState
	}
	if trade.EscrowFunds.Sign() <= 0 {
		return ErrInsufficientFunds
	}
	return e.payout(trade, trade.Seller, TradeSettled, NewTradeSettledEvent)
}

// CancelTrade refunds the buyer once the cancellation timeout has elapsed on
// a still-pending trade. The buyer or the administrator may invoke it.
func (e *Engine) CancelTrade(caller [20]byte, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Paused {
		return ErrPaused
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if caller != trade.Buyer && caller != cfg.Admin {
		return ErrNotAuthorized
	}
	if trade.State != TradePending {
		return ErrInvalidState
	}
	if e.now() < trade.CreatedAt+CancelTimeout {
		return ErrTradeNotYetExpired
	}
	return e.payout(trade, trade.Buyer, TradeCancelled, NewTradeCancelledEvent)
}

// InitiateDispute moves a pending trade into arbitration. Only the buyer may
// open a dispute; the reason text is clipped to MaxDisputeReasonLen.
func (e *Engine) InitiateDispute(caller [20]byte, id uint64, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Paused {
		return ErrPaused
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if caller != trade.Buyer {
		return ErrNotAuthorized
	}
	if trade.State != TradePending {
		return ErrInvalidState
	}
	trade.State = TradeDisputed
	trade.DisputeReason = clipReason(reason)
	trade.LastUpdated = e.now()
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewTradeDisputedEvent(trade))
	return nil
}

// ResolveDispute settles a disputed trade unilaterally by the administrator,
// paying the full escrow to the buyer or the seller. The ruling is recorded
// as a ballot for audit; resolution never consults recorded ballots. The
// pause flag does not gate this operation so arbitration can conclude while
// the system is otherwise frozen.
func (e *Engine) ResolveDispute(caller [20]byte, id uint64, favorBuyer bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return ErrNotAuthorized
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if trade.State != TradeDisputed {
		return ErrInvalidState
	}
	recipient := trade.Seller
	if favorBuyer {
		recipient = trade.Buyer
	}
	if err := e.state.VotePut(&DisputeVote{TradeID: id, Voter: caller, FavorsBuyer: favorBuyer}); err != nil {
		return err
	}
	outcome := "seller"
	if favorBuyer {
		outcome = "buyer"
	}
	return e.payout(trade, recipient, TradeSettled, func(t *Trade) *types.Event {
		return NewTradeResolvedEvent(t, outcome)
	})
}

// payout transfers the entire remaining escrow for the trade to exactly one
// recipient and commits the terminal state in the same step.
func (e *Engine) payout(trade *Trade, recipient [20]byte, state TradeState, eventFn func(*Trade) *types.Event) error {
	funds := cloneBigInt(trade.EscrowFunds)
	if funds.Sign() <= 0 {
		return ErrInsufficientFunds
	}
	if err := e.transfer(e.state.EscrowVaultAddress(), recipient, funds); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(trade.ID, funds); err != nil {
		return err
	}
	trade.State = state
	trade.EscrowFunds = big.NewInt(0)
	trade.LastUpdated = e.now()
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(eventFn(trade))
	return nil
}

// TransferAdmin hands the administrator role to a new non-zero identity.
func (e *Engine) TransferAdmin(caller, newAdmin [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return ErrNotAuthorized
	}
	if newAdmin == ([20]byte{}) {
		return ErrZeroAddress
	}
	cfg.Admin = newAdmin
	if err := e.state.ConfigPut(cfg); err != nil {
		return err
	}
	e.emit(NewConfigUpdatedEvent(cfg))
	return nil
}

// SetPaused toggles the global pause flag. Administrator only.
func (e *Engine) SetPaused(caller [20]byte, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return ErrNotAuthorized
	}
	cfg.Paused = paused
	if err := e.state.ConfigPut(cfg); err != nil {
		return err
	}
	e.emit(NewConfigUpdatedEvent(cfg))
	return nil
}

// SetOracleEnabled toggles oracle integration. Administrator only.
func (e *Engine) SetOracleEnabled(caller [20]byte, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return ErrNotAuthorized
	}
	cfg.OracleEnabled = enabled
	if err := e.state.ConfigPut(cfg); err != nil {
		return err
	}
	e.emit(NewConfigUpdatedEvent(cfg))
	return nil
}

// GetTrade returns a copy of the trade record, or false when unknown.
func (e *Engine) GetTrade(id uint64) (*Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, false
	}
	trade, err := e.state.TradeGet(id)
	if err != nil {
		return nil, false
	}
	return trade.Clone(), true
}

// Admin returns the current administrator identity.
func (e *Engine) Admin() ([20]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return [20]byte{}, err
	}
	return cfg.Admin, nil
}

// IsPaused reports the global pause flag.
func (e *Engine) IsPaused() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return false, err
	}
	return cfg.Paused, nil
}

// IsOracleEnabled reports whether oracle attestations are accepted.
func (e *Engine) IsOracleEnabled() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return false, err
	}
	return cfg.OracleEnabled, nil
}

// Oracle returns the fixed oracle identity the engine trusts.
func (e *Engine) Oracle() [20]byte { return e.oracle }
