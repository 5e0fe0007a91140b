package txstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetRoundTrips(t *testing.T) {
	s := openTestStore(t)

	r := txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xabc"}})
	require.NoError(t, s.Save(r))

	got, err := s.Get(r.TransactionID)
	require.NoError(t, err)
	require.Equal(t, r.TransactionID, got.TransactionID)
	require.Equal(t, txtypes.StatusPending, got.Status)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("does-not-exist")
	require.ErrorIs(t, err, txtypes.ErrNotFound)
}

func TestByRelayerStatusIndexesAndReindexesOnUpdate(t *testing.T) {
	s := openTestStore(t)

	r := txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xabc"}})
	require.NoError(t, s.Save(r))

	pending, err := s.ByRelayerStatus("r1", txtypes.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	r.Status = txtypes.StatusSubmitted
	r.AppendAttempt(txtypes.FeeParams{Chain: txtypes.ChainEVM}, []byte{0x01}, "0xhash", "https://rpc.example")
	require.NoError(t, s.Save(r))

	pending, err = s.ByRelayerStatus("r1", txtypes.StatusPending)
	require.NoError(t, err)
	require.Empty(t, pending)

	submitted, err := s.ByRelayerStatus("r1", txtypes.StatusSubmitted)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	require.Equal(t, "0xhash", submitted[0].Assignment.TxHash)
}

func TestSaveIsIdempotentOnReplay(t *testing.T) {
	s := openTestStore(t)

	r := txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xabc"}})
	r.Assignment.NonceOrSequence = 5
	require.NoError(t, s.Save(r))
	require.NoError(t, s.Save(r)) // replay: same attempt count, same status

	byNonce, err := s.ByRelayerNonce("r1", 5)
	require.NoError(t, err)
	require.Len(t, byNonce, 1)
}

func TestByRelayerNonceReindexesOnNonceChange(t *testing.T) {
	s := openTestStore(t)

	r := txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xabc"}})
	r.Assignment.NonceOrSequence = 5
	r.Status = txtypes.StatusSubmitted
	require.NoError(t, s.Save(r))

	r.Assignment.NonceOrSequence = 6
	r.AppendAttempt(txtypes.FeeParams{Chain: txtypes.ChainEVM}, []byte{0x02}, "0xhash2", "https://rpc.example")
	require.NoError(t, s.Save(r))

	atFive, err := s.ByRelayerNonce("r1", 5)
	require.NoError(t, err)
	require.Empty(t, atFive)

	atSix, err := s.ByRelayerNonce("r1", 6)
	require.NoError(t, err)
	require.Len(t, atSix, 1)
}

func TestRecoverNonTerminalSkipsTerminalStatuses(t *testing.T) {
	s := openTestStore(t)

	pending := txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0x1"}})
	require.NoError(t, s.Save(pending))

	confirmed := txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0x2"}})
	confirmed.Status = txtypes.StatusConfirmed
	require.NoError(t, s.Save(confirmed))

	recs, err := s.RecoverNonTerminal("r1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, pending.TransactionID, recs[0].TransactionID)
}

func TestCursorStoreRoundTrips(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LoadCursor("r1:0xaaa")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveCursor("r1:0xaaa", 42))

	v, ok, err := s.LoadCursor("r1:0xaaa")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), v)
}
