package solana

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/catalog"
	"github.com/chainrelayer/relayer/internal/feeoracle"
	"github.com/chainrelayer/relayer/internal/noncemgr"
	"github.com/chainrelayer/relayer/internal/rpcpool"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

func baseRecord() txtypes.Record {
	return txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainSolana, Solana: &txtypes.SolanaRequest{}})
}

type fakeCaller struct {
	results map[string]interface{}
}

func (f *fakeCaller) Call(_ context.Context, _ string, method string, _ interface{}, result interface{}) error {
	v, ok := f.results[method]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

type memCursorStore struct{ vals map[string]uint64 }

func (s *memCursorStore) LoadCursor(key string) (uint64, bool, error) {
	v, ok := s.vals[key]
	return v, ok, nil
}
func (s *memCursorStore) SaveCursor(key string, value uint64) error {
	s.vals[key] = value
	return nil
}

func newTestDriver(t *testing.T, results map[string]interface{}) *Driver {
	t.Helper()
	pool := rpcpool.New("solana-test", &fakeCaller{results: results}, []rpcpool.EndpointConfig{{URL: "https://rpc.example", Weight: 1}})
	client := rpcpool.NewSolanaClient(pool)
	return &Driver{
		Params: catalog.ChainParams{AverageBlockTimeMS: 400, ConfirmationsRequired: 32},
		Client: client,
		Nonces: noncemgr.New(&memCursorStore{vals: map[string]uint64{}}, 1<<16),
	}
}

func TestCurrentHeightReturnsSlot(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{"getSlot": uint64(12345)})
	h, err := d.CurrentHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(12345), h)
}

func TestInclusionNotYetConfirmed(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{
		"getSignatureStatuses": map[string]interface{}{"value": []interface{}{nil}},
	})
	included, _, err := d.Inclusion(context.Background(), "sig1")
	require.NoError(t, err)
	require.False(t, included)
}

func TestInclusionConfirmed(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{
		"getSignatureStatuses": map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{"slot": 500, "confirmationStatus": "confirmed"},
			},
		},
	})
	included, slot, err := d.Inclusion(context.Background(), "sig1")
	require.NoError(t, err)
	require.True(t, included)
	require.Equal(t, uint64(500), slot)
}

func TestNextFeeUsesMedianOfSamples(t *testing.T) {
	d := newTestDriver(t, nil)
	d.PrioritySamples = func() []uint64 { return []uint64{10, 50, 20} }

	fee, err := d.NextFee(context.Background(), baseRecord(), nil)
	require.NoError(t, err)
	require.Equal(t, feeoracle.ComputeUnitPriceFromSamples([]uint64{10, 50, 20}), fee.ComputeUnitPriceMicroLamports)
}

func TestNextFeeReplacementAlwaysIncreases(t *testing.T) {
	d := newTestDriver(t, nil)
	d.PrioritySamples = func() []uint64 { return []uint64{10} }
	prev := &txtypes.FeeParams{Chain: txtypes.ChainSolana, ComputeUnitPriceMicroLamports: 100}

	fee, err := d.NextFee(context.Background(), baseRecord(), prev)
	require.NoError(t, err)
	require.Greater(t, fee.ComputeUnitPriceMicroLamports, prev.ComputeUnitPriceMicroLamports)
}

func TestBlockTimeAndConfirmations(t *testing.T) {
	d := newTestDriver(t, nil)
	require.Equal(t, 400*time.Millisecond, d.BlockTime())
	require.Equal(t, uint64(32), d.ConfirmationsRequired())
	require.Equal(t, uint64(ReorgWindow), d.ReorgWindow())
}
