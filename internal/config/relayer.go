// Package config holds the in-memory data model for relayer identities and
// their policy bundles. It never reads a file or an environment variable
// itself — that is cmd/relayer's job (see cmd/relayer/config.go) — so the
// core stays testable against plain struct literals.
package config

import "math/big"

// Relayer is the identity record for one configured relaying identity.
type Relayer struct {
	ID             string
	DisplayName    string
	Paused         bool
	NetworkID      string
	SignerID       string
	NotificationID string
	Policy         PolicyBundle
}

// PolicyBundle carries at most one of EVM/Solana/Stellar, selected by the
// relayer's network family.
type PolicyBundle struct {
	EVM     *EVMPolicy
	Solana  *SolanaPolicy
	Stellar *StellarPolicy
}

type EVMPolicy struct {
	GasPriceCap         *big.Int
	EIP1559Pricing      bool
	GasLimitEstimation  bool
	WhitelistReceivers  []string
	SweepAddress        string // always allowed as a receiver even when a whitelist is set
	MinBalance          *big.Int
	StrictMinBalance    bool // Open Question (a): advisory by default, strict opt-in
}

type FeePaymentStrategy string

const (
	FeePaidByUser    FeePaymentStrategy = "user"
	FeePaidByRelayer FeePaymentStrategy = "relayer"
)

type AllowedToken struct {
	Mint          string
	MaxAllowedFee *big.Int
}

type SwapConfig struct {
	Enabled bool
	// Cron-driven swap jobs are treated as an external sibling subsystem
	// this struct only carries the
	// static shape the policy evaluator needs to validate fee-payment
	// requests against, not the job scheduler itself.
}

type SolanaPolicy struct {
	FeePaymentStrategy FeePaymentStrategy
	AllowedPrograms    []string
	AllowedTokens      map[string]AllowedToken
	MinBalance         *big.Int
	StrictMinBalance   bool
	Swap               *SwapConfig
}

// StellarPolicy is base-only today; richer policy knobs are a future extension.
type StellarPolicy struct {
	MinBalance       *big.Int
	StrictMinBalance bool
}
