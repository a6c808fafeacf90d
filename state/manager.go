package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gridsettle/core/types"
	"gridsettle/native/settlement"
	"gridsettle/storage"
)

// vaultTag seeds the derivation of the custody vault account identifier. The
// vault is an ordinary account holding the sum of all open escrows.
const vaultTag = "gridsettle/settlement/vault"

// Manager persists settlement records as JSON blobs in a key-value store and
// implements settlement.SettlementState. All records are read and written
// through the same Database handle, so the engine's lock gives every
// operation a consistent view of trades, balances and configuration.
type Manager struct {
	db    storage.Database
	vault [20]byte
}

// NewManager wraps a key-value store.
func NewManager(db storage.Database) *Manager {
	var vault [20]byte
	digest := ethcrypto.Keccak256([]byte(vaultTag))
	copy(vault[:], digest[12:])
	return &Manager{db: db, vault: vault}
}

func tradeKey(id uint64) []byte {
	key := make([]byte, 0, len(tradePrefix)+8)
	key = append(key, tradePrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(key, buf[:]...)
}

func voteKey(id uint64, voter [20]byte) []byte {
	key := make([]byte, 0, len(votePrefix)+8+len(voter))
	key = append(key, votePrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	key = append(key, buf[:]...)
	return append(key, voter[:]...)
}

func accountKey(addr []byte) []byte {
	key := make([]byte, 0, len(accountPrefix)+len(addr))
	key = append(key, accountPrefix...)
	return append(key, addr...)
}

func escrowKey(id uint64) []byte {
	key := make([]byte, 0, len(escrowPrefix)+8)
	key = append(key, escrowPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(key, buf[:]...)
}

func (m *Manager) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, raw)
}

// TradePut validates and stores a trade record.
func (m *Manager) TradePut(t *settlement.Trade) error {
	sanitized, err := settlement.SanitizeTrade(t)
	if err != nil {
		return err
	}
	return m.putJSON(tradeKey(sanitized.ID), sanitized)
}

// TradeGet loads a trade record by identifier. A record that exists but
// cannot be decoded is reported as an error, never as absent, so a corrupt
// entry can not be silently recreated under the same identifier.
func (m *Manager) TradeGet(id uint64) (*settlement.Trade, error) {
	var trade settlement.Trade
	ok, err := m.getJSON(tradeKey(id), &trade)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, settlement.ErrTradeNotFound
	}
	return trade.Clone(), nil
}

// VotePut stores a dispute ballot keyed by trade and voter.
func (m *Manager) VotePut(v *settlement.DisputeVote) error {
	if v == nil {
		return fmt.Errorf("state: nil vote")
	}
	return m.putJSON(voteKey(v.TradeID, v.Voter), v)
}

// VoteGet loads the ballot a voter recorded on a trade, if any.
func (m *Manager) VoteGet(id uint64, voter [20]byte) (*settlement.DisputeVote, bool) {
	var vote settlement.DisputeVote
	ok, err := m.getJSON(voteKey(id, voter), &vote)
	if err != nil || !ok {
		return nil, false
	}
	return &vote, true
}

// ConfigPut stores the singleton configuration.
func (m *Manager) ConfigPut(c *settlement.Config) error {
	if c == nil {
		return fmt.Errorf("state: nil config")
	}
	return m.putJSON(configKey, c.Clone())
}

// ConfigGet loads the singleton configuration.
func (m *Manager) ConfigGet() (*settlement.Config, bool) {
	var cfg settlement.Config
	ok, err := m.getJSON(configKey, &cfg)
	if err != nil || !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// EscrowCredit increases the held balance for a trade and the custody total.
func (m *Manager) EscrowCredit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	total, err := m.CustodyTotal()
	if err != nil {
		return err
	}
	if err := m.putBig(escrowKey(id), new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return m.putBig(custodyKey, new(big.Int).Add(total, amount))
}

// EscrowDebit decreases the held balance for a trade and the custody total.
// The balance never goes negative.
func (m *Manager) EscrowDebit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: debit amount must be positive")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: escrow balance underflow for trade %d", id)
	}
	total, err := m.CustodyTotal()
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("state: custody total underflow")
	}
	if err := m.putBig(escrowKey(id), new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return m.putBig(custodyKey, new(big.Int).Sub(total, amount))
}

// EscrowBalance returns the value currently held for a trade.
func (m *Manager) EscrowBalance(id uint64) (*big.Int, error) {
	return m.getBig(escrowKey(id))
}

// CustodyTotal returns the value held across all open escrows.
func (m *Manager) CustodyTotal() (*big.Int, error) {
	return m.getBig(custodyKey)
}

// EscrowVaultAddress returns the fixed custody vault account identifier.
func (m *Manager) EscrowVaultAddress() [20]byte { return m.vault }

// GetAccount loads an account, returning a zero-balance account for unknown
// addresses.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	var acc types.Account
	ok, err := m.getJSON(accountKey(addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

// PutAccount stores an account record.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	return m.putJSON(accountKey(addr), account.Clone())
}

func (m *Manager) getBig(key []byte) (*big.Int, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt big integer at %q", key)
	}
	return value, nil
}

func (m *Manager) putBig(key []byte, v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("state: negative or nil value at %q", key)
	}
	return m.db.Put(key, []byte(v.String()))
}
