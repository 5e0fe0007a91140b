package txtypes

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Status is one node of the Lifecycle Engine's directed status graph.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusMined     Status = "mined"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusReplaced  Status = "replaced"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status never transitions further (invariant 5).
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusReplaced, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// FeeParams is chain-tagged so one History entry can hold whichever shape
// applies; exactly one of the pointers is populated per Chain.
type FeeParams struct {
	Chain ChainType

	// EVM legacy
	GasPrice *big.Int
	// EVM EIP-1559
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64

	// Solana
	ComputeUnitPriceMicroLamports uint64
	ComputeUnitLimit              uint32

	// Stellar
	FeeBumpMaxFeeStroops int64
}

// effectiveGweiLike returns the single comparable fee value of f:
// MaxFeePerGas, else GasPrice, else the compute-unit price. GrowthRatio
// compares it across attempts (invariant 3: monotonically non-decreasing,
// strictly increasing on bump).
func (f FeeParams) effectiveGweiLike() *big.Int {
	switch {
	case f.MaxFeePerGas != nil:
		return f.MaxFeePerGas
	case f.GasPrice != nil:
		return f.GasPrice
	default:
		return big.NewInt(int64(f.ComputeUnitPriceMicroLamports))
	}
}

// GrowthRatio returns (new/old) as a float, used to enforce the >=10% bump
// floor; returns 0 if either side has no comparable fee value.
func GrowthRatio(oldFee, newFee FeeParams) float64 {
	o := oldFee.effectiveGweiLike()
	n := newFee.effectiveGweiLike()
	if o == nil || n == nil || o.Sign() == 0 {
		return 0
	}
	of, _ := new(big.Float).SetInt(o).Float64()
	nf, _ := new(big.Float).SetInt(n).Float64()
	return nf / of
}

// HistoryEntry is one broadcast attempt.
type HistoryEntry struct {
	AttemptIndex int
	SubmittedAt  time.Time
	Hash         string
	Fee          FeeParams
	RPCEndpoint  string
}

// Assignment is populated on first signing and is immutable per AttemptIndex
// thereafter (invariant 4); a new attempt gets a new SignedPayload.
type Assignment struct {
	NonceOrSequence uint64
	Address         string // relayer address/account the nonce was allocated against
	Fee             FeeParams
	SignedPayload   []byte
	TxHash          string
}

// Record is the central entity tracked by the Transaction Store.
type Record struct {
	TransactionID string // UUID, relayer-scoped
	RelayerID     string
	CreatedAt     time.Time

	Request Request

	Assignment Assignment
	History    []HistoryEntry

	Status Status

	// CancelRequested marks a Submitted or Mined record whose current attempt is a
	// same-nonce cancellation transaction rather than the original intent;
	// once that attempt reaches confirmation depth it moves to Cancelled
	// instead of Confirmed.
	CancelRequested bool

	ValidUntil *time.Time // Stellar
	ExpiresAt  *time.Time // generic

	FailureReason string
}

func NewRecord(relayerID string, req Request) Record {
	return Record{
		TransactionID: uuid.NewString(),
		RelayerID:     relayerID,
		CreatedAt:     time.Now(),
		Request:       req,
		Status:        StatusPending,
	}
}

// AppendAttempt records a new broadcast attempt and updates the Assignment,
// preserving the immutability of prior SignedPayload values (invariant 4).
func (r *Record) AppendAttempt(fee FeeParams, signedPayload []byte, hash, endpoint string) {
	idx := len(r.History)
	r.History = append(r.History, HistoryEntry{
		AttemptIndex: idx,
		SubmittedAt:  time.Now(),
		Hash:         hash,
		Fee:          fee,
		RPCEndpoint:  endpoint,
	})
	r.Assignment.Fee = fee
	r.Assignment.SignedPayload = signedPayload
	r.Assignment.TxHash = hash
}
