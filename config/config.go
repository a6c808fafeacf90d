package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"gridsettle/crypto"
)

// GenesisAccount allocates an initial balance to an account on first start.
// Value issuance itself lives outside the settlement core; allocations stand
// in for the external token system.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Genesis groups the first-start allocations.
type Genesis struct {
	Accounts []GenesisAccount `toml:"Account"`
}

// Config captures runtime configuration for the settlement daemon.
type Config struct {
	RPCAddress     string  `toml:"RPCAddress"`
	MetricsAddress string  `toml:"MetricsAddress"`
	DataDir        string  `toml:"DataDir"`
	AuditPath      string  `toml:"AuditPath"`
	NetworkName    string  `toml:"NetworkName"`
	RPCToken       string  `toml:"RPCToken"`
	TickInterval   string  `toml:"TickInterval"`
	Admin          string  `toml:"Admin"`
	Oracle         string  `toml:"Oracle"`
	MinTradeAmount string  `toml:"MinTradeAmount"`
	Genesis        Genesis `toml:"Genesis"`
}

// Load reads and validates the configuration from the given path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./gridsettle-data"
	}
	if strings.TrimSpace(cfg.AuditPath) == "" {
		cfg.AuditPath = "./gridsettle-audit.db"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "gridsettle-local"
	}
}

// Validate rejects malformed identities and allocations before the daemon
// touches any state.
func (c *Config) Validate() error {
	admin, err := crypto.DecodeAddress(strings.TrimSpace(c.Admin))
	if err != nil {
		return fmt.Errorf("invalid Admin address: %w", err)
	}
	if admin.IsZero() {
		return fmt.Errorf("Admin must not be the zero address")
	}
	oracle, err := crypto.DecodeAddress(strings.TrimSpace(c.Oracle))
	if err != nil {
		return fmt.Errorf("invalid Oracle address: %w", err)
	}
	if oracle.IsZero() {
		return fmt.Errorf("Oracle must not be the zero address")
	}
	if _, err := c.ParseTickInterval(); err != nil {
		return err
	}
	if _, err := c.ParseMinTradeAmount(); err != nil {
		return err
	}
	for i, alloc := range c.Genesis.Accounts {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address)); err != nil {
			return fmt.Errorf("genesis account %d: invalid address: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("genesis account %d: invalid balance %q", i, alloc.Balance)
		}
	}
	return nil
}

// AdminAddress returns the configured administrator identity.
func (c *Config) AdminAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(c.Admin))
}

// OracleAddress returns the configured oracle identity.
func (c *Config) OracleAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(c.Oracle))
}

// ParseTickInterval returns the logical clock tick interval, defaulting to
// zero (caller chooses) when unset.
func (c *Config) ParseTickInterval() (time.Duration, error) {
	raw := strings.TrimSpace(c.TickInterval)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid TickInterval: %w", err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("TickInterval must be positive")
	}
	return dur, nil
}

// ParseMinTradeAmount returns the configured minimum tradeable quantity, or
// nil when unset.
func (c *Config) ParseMinTradeAmount() (*big.Int, error) {
	raw := strings.TrimSpace(c.MinTradeAmount)
	if raw == "" {
		return nil, nil
	}
	min, ok := new(big.Int).SetString(raw, 10)
	if !ok || min.Sign() <= 0 {
		return nil, fmt.Errorf("invalid MinTradeAmount %q", c.MinTradeAmount)
	}
	return min, nil
}
