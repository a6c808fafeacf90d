package settlement

import "errors"

// Every operation surfaces exactly one of these kinds on failure. Failures are
// detected before any mutation; no operation partially applies its effect.
var (
	ErrNotAuthorized      = errors.New("settlement: caller not authorized")
	ErrInsufficientFunds  = errors.New("settlement: insufficient funds")
	ErrTradeNotFound      = errors.New("settlement: trade not found")
	ErrTradeAlreadyExists = errors.New("settlement: trade already exists")
	ErrTradeNotYetExpired = errors.New("settlement: cancellation timeout not reached")
	ErrInvalidAmount      = errors.New("settlement: amount below minimum")
	ErrOracleDisabled     = errors.New("settlement: oracle integration disabled")
	ErrInvalidState       = errors.New("settlement: transition not allowed from current state")
	ErrZeroAddress        = errors.New("settlement: zero address")

	// ErrPaused is its own kind, separate from the authorization and
	// state errors above; the RPC layer maps it to its own code family.
	ErrPaused = errors.New("settlement: system paused")

	// Reserved kinds. No operation currently returns them; the state
	// precondition on each payout path fires first.
	ErrAlreadySettled         = errors.New("settlement: trade already settled")
	ErrDisputeAlreadyResolved = errors.New("settlement: dispute already resolved")
)

var errConfigMissing = errors.New("settlement: engine not bootstrapped")
