// Package feeoracle implements the fee/gas computations for
// all three chain families. Gas-price-shaped values are modeled with
// github.com/holiman/uint256 rather than math/big — every quantity here is
// guaranteed to fit in 256 bits, matching the convention go-ethereum's own
// eth/gasprice package uses internally.
package feeoracle

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

// speedMultiplier is the legacy-pricing multiplier table.
var speedMultiplier = map[txtypes.Speed]float64{
	txtypes.SpeedSafest:  0.9,
	txtypes.SpeedAverage: 1.0,
	txtypes.SpeedFast:    1.25,
	txtypes.SpeedFastest: 1.5,
}

// priorityFeePercentile maps a speed tier to the eth_feeHistory reward
// percentile it draws from, interpolating the p50 (safe_low) .. p90
// (fastest) range this relayer supports.
var priorityFeePercentile = map[txtypes.Speed]float64{
	txtypes.SpeedSafest:  50,
	txtypes.SpeedAverage: 65,
	txtypes.SpeedFast:    80,
	txtypes.SpeedFastest: 90,
}

// PriorityFeePercentile returns the eth_feeHistory percentile to request for
// speed, for callers building the RPC call.
func PriorityFeePercentile(speed txtypes.Speed) float64 {
	if p, ok := priorityFeePercentile[speed]; ok {
		return p
	}
	return priorityFeePercentile[txtypes.SpeedAverage]
}

// LegacyGasPrice computes gas_price = min(cap, base × multiplier) for
// pre-EIP-1559 pricing.
func LegacyGasPrice(baseGasPrice *uint256.Int, speed txtypes.Speed, cap *uint256.Int) (*uint256.Int, error) {
	mult, ok := speedMultiplier[speed]
	if !ok {
		return nil, txtypes.Wrap(txtypes.KindFee, txtypes.ErrFeeCapReached)
	}
	// scale by a fixed-point multiplier (x1000) to stay integer-exact.
	scaled := new(uint256.Int).Mul(baseGasPrice, uint256.NewInt(uint64(mult*1000)))
	scaled.Div(scaled, uint256.NewInt(1000))

	if cap != nil && !cap.IsZero() && scaled.Gt(cap) {
		return new(uint256.Int).Set(cap), nil
	}
	return scaled, nil
}

// EIP1559Fee computes max_fee_per_gas = 2*base_fee + priority_fee, clamped
// by cap.
func EIP1559Fee(baseFeePerGas, priorityFeePerGas, cap *uint256.Int) (maxFeePerGas, maxPriorityFeePerGas *uint256.Int) {
	doubled := new(uint256.Int).Mul(baseFeePerGas, uint256.NewInt(2))
	maxFee := new(uint256.Int).Add(doubled, priorityFeePerGas)
	if cap != nil && !cap.IsZero() && maxFee.Gt(cap) {
		maxFee = new(uint256.Int).Set(cap)
	}
	return maxFee, priorityFeePerGas
}

// GasLimitForSelector implements the selector-prefix fallback table used
// when eth_estimateGas itself fails.
func GasLimitForSelector(data []byte) uint64 {
	if len(data) < 4 {
		return 21000
	}
	switch {
	case hasSelector(data, 0xa9, 0x05, 0x9c, 0xbb): // transfer(address,uint256)
		return 65000
	case hasSelector(data, 0x23, 0xb8, 0x72, 0xdd): // transferFrom(address,address,uint256)
		return 80000
	default:
		return 200000
	}
}

func hasSelector(data []byte, b0, b1, b2, b3 byte) bool {
	return data[0] == b0 && data[1] == b1 && data[2] == b2 && data[3] == b3
}

// ComputeGasLimit prefers the user-supplied limit, then a padded estimate,
// then the selector fallback table if estimation itself errors.
func ComputeGasLimit(userSupplied *uint64, data []byte, estimate func() (uint64, error)) (uint64, error) {
	if userSupplied != nil {
		return *userSupplied, nil
	}
	est, err := estimate()
	if err != nil {
		return GasLimitForSelector(data), nil
	}
	padded := float64(est) * 1.10
	return uint64(padded) + 1, nil
}

// ComputeReplacementFee enforces the >=10% bump floor (invariant 3) and the
// policy cap ceiling. If the 10% floor itself exceeds the cap, the caller
// must transition the record to failed with FeeError::CapReached.
func ComputeReplacementFee(oldFee *uint256.Int, desiredNew *uint256.Int, cap *big.Int) (*uint256.Int, error) {
	required := new(uint256.Int).Mul(oldFee, uint256.NewInt(11))
	required.Div(required, uint256.NewInt(10))

	var capU *uint256.Int
	if cap != nil && cap.Sign() > 0 {
		capU, _ = uint256.FromBig(cap)
	}

	if capU != nil && required.Gt(capU) {
		return nil, txtypes.Wrap(txtypes.KindFee, txtypes.ErrFeeCapReached)
	}

	candidate := required
	if desiredNew != nil && desiredNew.Gt(required) {
		candidate = desiredNew
	}
	if capU != nil && candidate.Gt(capU) {
		candidate = capU
	}
	return candidate, nil
}
