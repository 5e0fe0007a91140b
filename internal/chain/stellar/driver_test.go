package stellar

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
	pool := rpcpool.New("stellar-test", &fakeCaller{results: results}, []rpcpool.EndpointConfig{{URL: "https://soroban.example", Weight: 1}})
	client := rpcpool.NewStellarClient(pool)
	return &Driver{
		Params: catalog.ChainParams{AverageBlockTimeMS: 5000, ConfirmationsRequired: 1},
		Client: client,
		Nonces: noncemgr.New(&memCursorStore{vals: map[string]uint64{}}, 1<<16),
	}
}

func baseRecord() txtypes.Record {
	return txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainStellar, Stellar: &txtypes.StellarRequest{
		SourceAccount: "GABC",
		Operations:    []txtypes.StellarOperation{{Type: txtypes.StellarOpPayment, Dest: "GXYZ"}},
	}})
}

func TestCurrentHeightReturnsLedgerSequence(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{"getLatestLedger": map[string]interface{}{"sequence": 777}})
	h, err := d.CurrentHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(777), h)
}

func TestInclusionNotYetSuccessful(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{"getTransaction": map[string]interface{}{"status": "NOT_FOUND"}})
	included, _, err := d.Inclusion(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.False(t, included)
}

func TestInclusionSuccessful(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{"getTransaction": map[string]interface{}{"status": "SUCCESS", "ledger": 42}})
	included, ledger, err := d.Inclusion(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.True(t, included)
	require.Equal(t, uint64(42), ledger)
}

func TestNextFeeDefaultsFeeBumpCeiling(t *testing.T) {
	d := newTestDriver(t, nil)
	fee, err := d.NextFee(context.Background(), baseRecord(), nil)
	require.NoError(t, err)
	require.Equal(t, feeoracle.DefaultFeeBumpMaxFeeStroops, fee.FeeBumpMaxFeeStroops)
}

func TestNextFeeReplacementIncreasesCeiling(t *testing.T) {
	d := newTestDriver(t, nil)
	prev := &txtypes.FeeParams{Chain: txtypes.ChainStellar, FeeBumpMaxFeeStroops: feeoracle.DefaultFeeBumpMaxFeeStroops}
	fee, err := d.NextFee(context.Background(), baseRecord(), prev)
	require.NoError(t, err)
	require.Greater(t, fee.FeeBumpMaxFeeStroops, prev.FeeBumpMaxFeeStroops)
}

func TestBlockTimeAndConfirmations(t *testing.T) {
	d := newTestDriver(t, nil)
	require.Equal(t, 5*time.Second, d.BlockTime())
	require.Equal(t, uint64(1), d.ConfirmationsRequired())
	require.Equal(t, uint64(ReorgWindow), d.ReorgWindow())
}

func TestOnChainSequenceParsesAccount(t *testing.T) {
	pool := rpcpool.New("stellar-test", &fakeCaller{results: map[string]interface{}{
		"getAccount": map[string]interface{}{"sequence": "123456"},
	}}, []rpcpool.EndpointConfig{{URL: "https://soroban.example", Weight: 1}})
	counter := OnChainSequence{Client: rpcpool.NewStellarClient(pool)}
	n, err := counter.Latest(context.Background(), "r1", "GABC")
	require.NoError(t, err)
	require.Equal(t, uint64(123456), n)
}
