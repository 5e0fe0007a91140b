// Package lifecycle implements the transaction state machine of
// the status graph, its monitoring cadence, reorg handling,
// and broadcast-failure classification, driven through a per-chain
// ChainDriver rather than talking to rpcpool/signerfacade directly.
package lifecycle

import (
	"fmt"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

// Trigger names the edge a caller is asserting, so Apply can reject an
// edge that doesn't exist in the graph rather than silently accepting any
// status jump.
type Trigger string

const (
	TriggerAssignSign        Trigger = "assign_sign"
	TriggerSigningError       Trigger = "signing_error"
	TriggerValidUntilPassed   Trigger = "valid_until_passed"
	TriggerObservedOnChain    Trigger = "observed_on_chain"
	TriggerReplace            Trigger = "replace"
	TriggerReplacedByOther    Trigger = "replaced_by_other"
	TriggerDroppedFromMempool Trigger = "dropped_from_mempool"
	TriggerFeeCapReached      Trigger = "fee_cap_reached"
	TriggerConfirmationDepth  Trigger = "confirmation_depth"
	TriggerReorg              Trigger = "reorg"
	TriggerCancel             Trigger = "cancel"
	TriggerCancelConfirmed    Trigger = "cancel_confirmed"
)

// graph is the directed edge set the Lifecycle Engine walks, indexed by the
// status a record is leaving and the trigger that fires the move.
var graph = map[txtypes.Status]map[Trigger]txtypes.Status{
	txtypes.StatusPending: {
		TriggerAssignSign:       txtypes.StatusSubmitted,
		TriggerSigningError:     txtypes.StatusFailed,
		TriggerValidUntilPassed: txtypes.StatusExpired,
		TriggerCancel:           txtypes.StatusCancelled,
	},
	// Submitted has no direct TriggerCancel edge: Engine.Cancel on a
	// Submitted (or Mined) record tracks a same-nonce cancellation
	// transaction instead of jumping the status directly, since the
	// original attempt may already be on chain by the time Cancel runs.
	// It only reaches Cancelled via TriggerCancelConfirmed from Mined.
	txtypes.StatusSubmitted: {
		TriggerObservedOnChain:    txtypes.StatusMined,
		TriggerReplace:            txtypes.StatusSubmitted,
		TriggerReplacedByOther:    txtypes.StatusReplaced,
		TriggerDroppedFromMempool: txtypes.StatusPending,
		TriggerFeeCapReached:      txtypes.StatusFailed,
		TriggerValidUntilPassed:   txtypes.StatusExpired,
	},
	txtypes.StatusMined: {
		TriggerConfirmationDepth: txtypes.StatusConfirmed,
		TriggerReorg:             txtypes.StatusSubmitted,
		TriggerCancelConfirmed:   txtypes.StatusCancelled,
	},
}

// Apply validates the (from, trigger) edge and returns its destination
// status; it never mutates a Record itself, so callers can check a move
// before committing to it.
func Apply(from txtypes.Status, trigger Trigger) (txtypes.Status, error) {
	if from.Terminal() {
		return "", txtypes.Wrap(txtypes.KindConsistency, txtypes.ErrTerminalRetransition)
	}
	edges, ok := graph[from]
	if !ok {
		return "", fmt.Errorf("%w: no transitions defined from status %q", txtypes.ErrTerminalRetransition, from)
	}
	to, ok := edges[trigger]
	if !ok {
		return "", fmt.Errorf("%w: trigger %q is not valid from status %q", txtypes.ErrTerminalRetransition, trigger, from)
	}
	return to, nil
}
