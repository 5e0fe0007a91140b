package feeoracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

func TestLegacyGasPriceAppliesMultiplier(t *testing.T) {
	base := uint256.NewInt(100)
	got, err := LegacyGasPrice(base, txtypes.SpeedFast, uint256.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(125), got) // 100 * 1.25
}

func TestLegacyGasPriceClampsToCap(t *testing.T) {
	base := uint256.NewInt(100)
	got, err := LegacyGasPrice(base, txtypes.SpeedFastest, uint256.NewInt(120))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(120), got) // 150 capped to 120
}

func TestEIP1559FeeDoublesBase(t *testing.T) {
	base := uint256.NewInt(50)
	priority := uint256.NewInt(3)
	maxFee, maxPriority := EIP1559Fee(base, priority, uint256.NewInt(1000))
	require.Equal(t, uint256.NewInt(103), maxFee) // 2*50+3
	require.Equal(t, priority, maxPriority)
}

func TestGasLimitForSelectorKnownAndUnknown(t *testing.T) {
	require.Equal(t, uint64(21000), GasLimitForSelector(nil))
	require.Equal(t, uint64(65000), GasLimitForSelector([]byte{0xa9, 0x05, 0x9c, 0xbb, 0x00}))
	require.Equal(t, uint64(80000), GasLimitForSelector([]byte{0x23, 0xb8, 0x72, 0xdd}))
	require.Equal(t, uint64(200000), GasLimitForSelector([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestComputeGasLimitPrefersUserSupplied(t *testing.T) {
	want := uint64(55000)
	got, err := ComputeGasLimit(&want, nil, func() (uint64, error) { t.Fatal("should not estimate"); return 0, nil })
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestComputeGasLimitPadsEstimate(t *testing.T) {
	got, err := ComputeGasLimit(nil, nil, func() (uint64, error) { return 100000, nil })
	require.NoError(t, err)
	require.InDelta(t, 110000, got, 2)
}

func TestComputeGasLimitFallsBackOnEstimationFailure(t *testing.T) {
	data := []byte{0xa9, 0x05, 0x9c, 0xbb}
	got, err := ComputeGasLimit(nil, data, func() (uint64, error) { return 0, errors.New("boom") })
	require.NoError(t, err)
	require.Equal(t, uint64(65000), got)
}

func TestComputeReplacementFeeRequiresTenPercentBump(t *testing.T) {
	old := uint256.NewInt(100)
	got, err := ComputeReplacementFee(old, uint256.NewInt(105), big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(110), got) // floor wins over the too-small desired bump
}

func TestComputeReplacementFeeHonorsLargerDesired(t *testing.T) {
	old := uint256.NewInt(100)
	got, err := ComputeReplacementFee(old, uint256.NewInt(200), big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(200), got)
}

func TestComputeReplacementFeeCapReached(t *testing.T) {
	old := uint256.NewInt(100)
	_, err := ComputeReplacementFee(old, uint256.NewInt(200), big.NewInt(105))
	require.ErrorIs(t, err, txtypes.ErrFeeCapReached)
}

func TestComputeUnitPriceFromSamplesMedian(t *testing.T) {
	got := ComputeUnitPriceFromSamples([]uint64{10, 1000, 20})
	require.Equal(t, uint64(20), got)
}

func TestFeeBumpMaxFeeDefault(t *testing.T) {
	require.Equal(t, DefaultFeeBumpMaxFeeStroops, FeeBumpMaxFee(nil))
	custom := int64(5_000_000)
	require.Equal(t, custom, FeeBumpMaxFee(&custom))
}
