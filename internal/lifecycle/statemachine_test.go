package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

func TestApplyKnownEdges(t *testing.T) {
	cases := []struct {
		from txtypes.Status
		trig Trigger
		want txtypes.Status
	}{
		{txtypes.StatusPending, TriggerAssignSign, txtypes.StatusSubmitted},
		{txtypes.StatusSubmitted, TriggerObservedOnChain, txtypes.StatusMined},
		{txtypes.StatusSubmitted, TriggerDroppedFromMempool, txtypes.StatusPending},
		{txtypes.StatusMined, TriggerConfirmationDepth, txtypes.StatusConfirmed},
		{txtypes.StatusMined, TriggerReorg, txtypes.StatusSubmitted},
		{txtypes.StatusPending, TriggerCancel, txtypes.StatusCancelled},
		{txtypes.StatusMined, TriggerCancelConfirmed, txtypes.StatusCancelled},
	}
	for _, c := range cases {
		got, err := Apply(c.from, c.trig)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestApplyRejectsUnknownTrigger(t *testing.T) {
	_, err := Apply(txtypes.StatusPending, TriggerConfirmationDepth)
	require.ErrorIs(t, err, txtypes.ErrTerminalRetransition)
}

func TestApplyRejectsMoveFromTerminalStatus(t *testing.T) {
	_, err := Apply(txtypes.StatusConfirmed, TriggerReorg)
	require.ErrorIs(t, err, txtypes.ErrTerminalRetransition)
}

// A Submitted record cancels by tracking a same-nonce replacement
// (Engine.cancelSubmitted), not by a direct status jump, since the
// original attempt may already be mined by the time Cancel runs.
func TestApplyRejectsDirectCancelFromSubmitted(t *testing.T) {
	_, err := Apply(txtypes.StatusSubmitted, TriggerCancel)
	require.ErrorIs(t, err, txtypes.ErrTerminalRetransition)
}
