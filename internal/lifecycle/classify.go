package lifecycle

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/core"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

// FailureClass is the outcome of classifying a broadcast error per
// the failure-classification table below.
type FailureClass string

const (
	FailureNonceTooLow       FailureClass = "nonce_too_low"
	FailureInsufficientFunds FailureClass = "insufficient_funds"
	FailureUnderpriced       FailureClass = "underpriced"
	FailureNetwork           FailureClass = "network"
)

// alreadyKnown and replacementUnderpriced echo go-ethereum txpool's own
// error text (txpool.ErrAlreadyKnown, txpool.ErrReplaceUnderpriced); every
// major EVM client surfaces the same strings over JSON-RPC, which is all a
// remote caller ever gets to classify against.
const (
	alreadyKnown           = "already known"
	replacementUnderpriced = "replacement transaction underpriced"
)

// Classify maps a broadcast error to one of the buckets below.
// Nonce-too-low and already-known both mean the chain already has this
// exact transaction, so the Lifecycle Engine treats them as a success
// sideband rather than a failure.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, core.ErrNonceTooLow.Error()), strings.Contains(msg, alreadyKnown):
		return FailureNonceTooLow
	case strings.Contains(msg, core.ErrInsufficientFunds.Error()):
		return FailureInsufficientFunds
	case strings.Contains(msg, "underpriced"), strings.Contains(msg, replacementUnderpriced):
		return FailureUnderpriced
	case errors.Is(err, txtypes.ErrAllEndpointsExhausted), errors.Is(err, txtypes.ErrEndpointInCooldown):
		return FailureNetwork
	default:
		return FailureNetwork
	}
}
