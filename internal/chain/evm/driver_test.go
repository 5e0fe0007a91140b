package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/catalog"
	"github.com/chainrelayer/relayer/internal/rpcpool"
)

// fakeCaller answers JSON-RPC calls from a fixed method->result table,
// re-marshaling through JSON the same way the real HTTP transport would.
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

func newTestDriver(t *testing.T, results map[string]interface{}) *Driver {
	t.Helper()
	pool := rpcpool.New("test-net", &fakeCaller{results: results}, []rpcpool.EndpointConfig{{URL: "https://rpc.example", Weight: 1}})
	return &Driver{
		Params: catalog.ChainParams{ChainID: 1, AverageBlockTimeMS: 12000, ConfirmationsRequired: 12},
		Client: rpcpool.NewEVMClient(pool),
		GasPriceCapFor: func(string) *big.Int { return nil },
	}
}

func TestCurrentHeight(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{"eth_blockNumber": hexutil.Uint64(100)})
	h, err := d.CurrentHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), h)
}

func TestInclusionNotYetMined(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{"eth_getTransactionReceipt": nil})
	included, _, err := d.Inclusion(context.Background(), "0x"+"00"+"11")
	require.NoError(t, err)
	require.False(t, included)
}

func TestInclusionMined(t *testing.T) {
	d := newTestDriver(t, map[string]interface{}{
		"eth_getTransactionReceipt": map[string]interface{}{
			"status":      "0x1",
			"blockNumber": "0x2a",
		},
	})
	included, height, err := d.Inclusion(context.Background(), "0xabc")
	require.NoError(t, err)
	require.True(t, included)
	require.Equal(t, uint64(42), height)
}

func TestBlockTimeAndConfirmations(t *testing.T) {
	d := newTestDriver(t, nil)
	require.Equal(t, 12*time.Second, d.BlockTime())
	require.Equal(t, uint64(12), d.ConfirmationsRequired())
	require.Equal(t, uint64(ReorgWindow), d.ReorgWindow())
}
