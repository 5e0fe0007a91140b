// Package policy implements the pure per-chain policy validators: a
// function from (Relayer, Request, ChainSnapshot) to either a
// ValidatedRequest or a PolicyError. Nothing here touches the network or
// the store — callers supply whatever on-chain state (balance, etc.) the
// check needs via ChainSnapshot.
package policy

import (
	"fmt"
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-bexpr"

	"github.com/chainrelayer/relayer/internal/config"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// ChainSnapshot is the minimal bit of live chain state a policy check
// needs; the caller (Relayer Supervisor) gathers it once per evaluation.
type ChainSnapshot struct {
	RelayerBalance      *big.Int
	EffectiveGasPrice   *big.Int // EVM: what the Fee Oracle computed before policy review
	ComputeFeeInToken   *big.Int // Solana: fee amount when paid in an SPL token
}

// ValidatedRequest is the request plus the snapshot it was validated
// against, threaded forward so the Fee Oracle and Lifecycle Engine don't
// re-derive it.
type ValidatedRequest struct {
	Request  txtypes.Request
	Snapshot ChainSnapshot
}

// allowExpr is the bexpr evaluation target for the (ADDED) generalized
// allow-rule: operators can express "receiver in whitelist OR receiver ==
// sweep address" instead of being limited to a flat list membership check.
type allowExpr struct {
	Receiver     string `bexpr:"receiver"`
	SweepAddress string `bexpr:"sweep_address"`
}

// Evaluate runs every applicable check for req.Chain and returns the first
// violation, or a ValidatedRequest on success. Policy violations are a
// *txtypes.Error tagged KindPolicy; malformed input (unknown chain type,
// gas_price together with the EIP-1559 pair, a whitelist rule that fails to
// build or evaluate, an unknown fee_payment_strategy) is returned as a plain
// error wrapping txtypes.ErrInvalidPolicy.
func Evaluate(r config.Relayer, req txtypes.Request, snap ChainSnapshot) (ValidatedRequest, error) {
	switch req.Chain {
	case txtypes.ChainEVM:
		if err := evaluateEVM(r, req.EVM, snap); err != nil {
			return ValidatedRequest{}, err
		}
	case txtypes.ChainSolana:
		if err := evaluateSolana(r, req.Solana, snap); err != nil {
			return ValidatedRequest{}, err
		}
	case txtypes.ChainStellar:
		if err := evaluateStellar(r, req.Stellar, snap); err != nil {
			return ValidatedRequest{}, err
		}
	default:
		return ValidatedRequest{}, fmt.Errorf("%w: unknown chain type %q", txtypes.ErrInvalidPolicy, req.Chain)
	}
	return ValidatedRequest{Request: req, Snapshot: snap}, nil
}

func evaluateEVM(r config.Relayer, req *txtypes.EVMRequest, snap ChainSnapshot) error {
	pol := r.Policy.EVM
	if pol == nil {
		pol = &config.EVMPolicy{}
	}

	if len(pol.WhitelistReceivers) > 0 {
		if err := checkWhitelist(pol.WhitelistReceivers, pol.SweepAddress, req.To); err != nil {
			return err
		}
	}

	if pol.GasPriceCap != nil && snap.EffectiveGasPrice != nil {
		if snap.EffectiveGasPrice.Cmp(pol.GasPriceCap) > 0 {
			return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrGasPriceOverCap)
		}
	}

	if pol.MinBalance != nil && snap.RelayerBalance != nil {
		if snap.RelayerBalance.Cmp(pol.MinBalance) < 0 {
			err := txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrInsufficientBalance)
			if pol.StrictMinBalance {
				return err
			}
			// advisory by default: the shortfall is only returned in
			// strict mode; otherwise it is dropped here, and the
			// Supervisor's periodic balance check pauses the relayer.
			_ = err
		}
	}

	if req.UsesLegacyPricing() && req.UsesEIP1559() {
		return fmt.Errorf("%w: gas_price is mutually exclusive with the EIP-1559 fee pair", txtypes.ErrInvalidPolicy)
	}

	return nil
}

// checkWhitelist allows a receiver if it is in the configured whitelist OR
// it is the relayer's own sweep address — expressed as a single bexpr
// boolean rule (ADDED, SPEC_FULL.md §4.4) rather than two hardcoded branches,
// so future allow-conditions are a rule change, not a code change.
func checkWhitelist(whitelist []string, sweepAddress, receiver string) error {
	quoted := make([]string, len(whitelist))
	for i, addr := range whitelist {
		quoted[i] = `"` + addr + `"`
	}
	expr := fmt.Sprintf(`receiver in [%s] or receiver == "%s"`, joinComma(quoted), sweepAddress)

	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return fmt.Errorf("%w: invalid whitelist rule: %v", txtypes.ErrInvalidPolicy, err)
	}
	matched, err := eval.Evaluate(allowExpr{Receiver: receiver, SweepAddress: sweepAddress})
	if err != nil {
		return fmt.Errorf("%w: evaluate whitelist rule: %v", txtypes.ErrInvalidPolicy, err)
	}
	if !matched {
		return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrReceiverNotAllowed)
	}
	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func evaluateSolana(r config.Relayer, req *txtypes.SolanaRequest, snap ChainSnapshot) error {
	pol := r.Policy.Solana
	if pol == nil {
		pol = &config.SolanaPolicy{}
	}

	if len(pol.AllowedPrograms) > 0 {
		allowed := mapset.NewThreadUnsafeSet(pol.AllowedPrograms...)
		for _, ix := range req.Instructions {
			if !allowed.Contains(ix.ProgramID) {
				return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrDisallowedProgram)
			}
		}
	}

	if pol.MinBalance != nil && snap.RelayerBalance != nil {
		if snap.RelayerBalance.Cmp(pol.MinBalance) < 0 {
			err := txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrInsufficientBalance)
			if pol.StrictMinBalance {
				return err
			}
		}
	}

	if pol.FeePaymentStrategy != "" && pol.FeePaymentStrategy != config.FeePaidByUser && pol.FeePaymentStrategy != config.FeePaidByRelayer {
		return fmt.Errorf("%w: unknown fee_payment_strategy %q", txtypes.ErrInvalidPolicy, pol.FeePaymentStrategy)
	}

	return nil
}

func evaluateStellar(r config.Relayer, req *txtypes.StellarRequest, snap ChainSnapshot) error {
	pol := r.Policy.Stellar
	if pol == nil {
		pol = &config.StellarPolicy{}
	}

	if len(req.Operations) > 0 && req.TransactionXDR != "" {
		return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrAmbiguousTransactionInput)
	}

	if req.FeeBump && req.TransactionXDR == "" {
		return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrInvalidFeeBumpRequest)
	}

	if req.Memo != nil && req.Memo.Type != txtypes.StellarMemoNone {
		for _, op := range req.Operations {
			if op.Type == txtypes.StellarOpInvokeContract || op.Type == txtypes.StellarOpCreateContract || op.Type == txtypes.StellarOpUploadWasm {
				return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrMemoNotAllowed)
			}
		}
	}

	if pol.MinBalance != nil && snap.RelayerBalance != nil {
		if snap.RelayerBalance.Cmp(pol.MinBalance) < 0 {
			err := txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrInsufficientBalance)
			if pol.StrictMinBalance {
				return err
			}
		}
	}

	return nil
}

// CheckAllowedToken enforces the Solana allowed_tokens[mint].max_allowed_fee
// cap configured for the relayer when fee payment is routed through an SPL token.
func CheckAllowedToken(pol *config.SolanaPolicy, mint string, computedFee *big.Int) error {
	if pol == nil || len(pol.AllowedTokens) == 0 {
		return nil
	}
	tok, ok := pol.AllowedTokens[mint]
	if !ok {
		return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrDisallowedToken)
	}
	if tok.MaxAllowedFee != nil && computedFee != nil && computedFee.Cmp(tok.MaxAllowedFee) > 0 {
		return txtypes.Wrap(txtypes.KindPolicy, txtypes.ErrGasPriceOverCap)
	}
	return nil
}
