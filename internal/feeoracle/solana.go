package feeoracle

import (
	"math/big"
	"sort"

	"github.com/chainrelayer/relayer/internal/config"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// ComputeUnitPriceFromSamples derives a compute-unit price (micro-lamports)
// from recent priority-fee samples (e.g. getRecentPrioritizationFees),
// taking the median as a robust default against a handful of outlier
// samples from a single congested slot.
func ComputeUnitPriceFromSamples(samples []uint64) uint64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// CheckAllowedTokenFee applies the Solana token allow-list and its
// max_allowed_fee cap from the oracle side, where the computed fee amount is
// known. It runs its own copy of the check rather than calling
// policy.CheckAllowedToken: a mint outside the list yields
// ErrDisallowedToken (KindPolicy), a fee over the cap ErrFeeCapReached
// (KindFee).
func CheckAllowedTokenFee(pol *config.SolanaPolicy, mint string, computedFeeLamports *big.Int) error {
	if pol == nil || len(pol.AllowedTokens) == 0 {
		return nil
	}
	tok, ok := pol.AllowedTokens[mint]
	if !ok {
		return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrDisallowedToken)
	}
	if tok.MaxAllowedFee != nil && computedFeeLamports != nil && computedFeeLamports.Cmp(tok.MaxAllowedFee) > 0 {
		return txtypes.Wrap(txtypes.KindFee, txtypes.ErrFeeCapReached)
	}
	return nil
}
