// Package evm adapts one EVM network into lifecycle.ChainDriver, wiring
// rpcpool's JSON-RPC client, the Signer Facade, the Nonce Manager, and the
// Fee Oracle behind the single seam the Lifecycle Engine depends on.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/chainrelayer/relayer/internal/catalog"
	"github.com/chainrelayer/relayer/internal/feeoracle"
	"github.com/chainrelayer/relayer/internal/noncemgr"
	"github.com/chainrelayer/relayer/internal/rpcpool"
	"github.com/chainrelayer/relayer/internal/signerfacade"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// ReorgWindow is the chain-specific absence window: a mined EVM
// transaction missing a receipt for more than 64 blocks is treated as
// genuinely reorged out rather than transiently between polls.
const ReorgWindow = 64

// Driver implements lifecycle.ChainDriver for one EVM network.
type Driver struct {
	Params catalog.ChainParams
	Client *rpcpool.EVMClient
	Signer *signerfacade.Facade
	Nonces *noncemgr.Manager

	// GasPriceCapFor resolves the calling relayer's policy.EVMPolicy.GasPriceCap;
	// ChainDriver is constructed per network, not per relayer, so policy
	// values are looked up through this callback instead of being baked in.
	GasPriceCapFor func(relayerID string) *big.Int
}

func (d *Driver) chainID() *big.Int { return big.NewInt(d.Params.ChainID) }

func (d *Driver) signerFor(usesEIP1559 bool) types.Signer {
	if usesEIP1559 {
		return types.NewLondonSigner(d.chainID())
	}
	return types.NewEIP155Signer(d.chainID())
}

func (d *Driver) AllocateNonce(ctx context.Context, r txtypes.Record) (uint64, string, error) {
	addr, err := d.Signer.Address(ctx, r.RelayerID)
	if err != nil {
		return 0, "", err
	}
	nonce, err := d.Nonces.Allocate(r.RelayerID, string(addr))
	if err != nil {
		return 0, "", err
	}
	return nonce, string(addr), nil
}

func (d *Driver) NextFee(ctx context.Context, r txtypes.Record, prevFee *txtypes.FeeParams) (txtypes.FeeParams, error) {
	req := r.Request.EVM
	cap := d.GasPriceCapFor(r.RelayerID)
	var capU *uint256.Int
	if cap != nil && cap.Sign() > 0 {
		capU, _ = uint256.FromBig(cap)
	}

	gasLimit, err := d.gasLimit(ctx, req)
	if err != nil {
		return txtypes.FeeParams{}, err
	}

	if prevFee != nil {
		return d.replacementFee(*prevFee, capU, gasLimit)
	}

	if req.UsesLegacyPricing() {
		return d.initialLegacyFee(ctx, req, capU, gasLimit)
	}
	return d.initialEIP1559Fee(ctx, req, capU, gasLimit)
}

func (d *Driver) gasLimit(ctx context.Context, req *txtypes.EVMRequest) (uint64, error) {
	to := common.HexToAddress(req.To)
	return feeoracle.ComputeGasLimit(req.GasLimit, req.Data, func() (uint64, error) {
		return d.Client.EstimateGas(ctx, rpcpool.CallMsg{To: &to, Data: req.Data})
	})
}

func (d *Driver) initialLegacyFee(ctx context.Context, req *txtypes.EVMRequest, capU *uint256.Int, gasLimit uint64) (txtypes.FeeParams, error) {
	base, err := d.Client.GasPrice(ctx)
	if err != nil {
		return txtypes.FeeParams{}, fmt.Errorf("%w: eth_gasPrice: %v", txtypes.ErrAllEndpointsExhausted, err)
	}
	baseU, _ := uint256.FromBig(base)
	speed := req.Speed
	if speed == "" {
		speed = txtypes.SpeedAverage
	}
	price, err := feeoracle.LegacyGasPrice(baseU, speed, capU)
	if err != nil {
		return txtypes.FeeParams{}, err
	}
	return txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: price.ToBig(), GasLimit: gasLimit}, nil
}

func (d *Driver) initialEIP1559Fee(ctx context.Context, req *txtypes.EVMRequest, capU *uint256.Int, gasLimit uint64) (txtypes.FeeParams, error) {
	speed := req.Speed
	if speed == "" {
		speed = txtypes.SpeedAverage
	}
	fh, err := d.Client.FeeHistory(ctx, 1, "latest", []float64{feeoracle.PriorityFeePercentile(speed)})
	if err != nil {
		return txtypes.FeeParams{}, fmt.Errorf("%w: eth_feeHistory: %v", txtypes.ErrAllEndpointsExhausted, err)
	}
	if len(fh.BaseFeePerGas) == 0 || len(fh.Reward) == 0 || len(fh.Reward[0]) == 0 {
		return txtypes.FeeParams{}, fmt.Errorf("%w: empty eth_feeHistory result", txtypes.ErrAllEndpointsExhausted)
	}
	baseFee, _ := uint256.FromBig((*big.Int)(&fh.BaseFeePerGas[len(fh.BaseFeePerGas)-1]))
	priority, _ := uint256.FromBig((*big.Int)(&fh.Reward[0][0]))

	maxFee, maxPriority := feeoracle.EIP1559Fee(baseFee, priority, capU)
	return txtypes.FeeParams{
		Chain:                txtypes.ChainEVM,
		MaxFeePerGas:         maxFee.ToBig(),
		MaxPriorityFeePerGas: maxPriority.ToBig(),
		GasLimit:             gasLimit,
	}, nil
}

func (d *Driver) replacementFee(prev txtypes.FeeParams, capU *uint256.Int, gasLimit uint64) (txtypes.FeeParams, error) {
	var old, desired *uint256.Int
	isEIP1559 := prev.MaxFeePerGas != nil
	if isEIP1559 {
		old, _ = uint256.FromBig(prev.MaxFeePerGas)
		desired = new(uint256.Int).Mul(old, uint256.NewInt(12)) // propose +20%, floor enforces >=10%
		desired.Div(desired, uint256.NewInt(10))
	} else {
		old, _ = uint256.FromBig(prev.GasPrice)
		desired = new(uint256.Int).Mul(old, uint256.NewInt(12))
		desired.Div(desired, uint256.NewInt(10))
	}

	var cap *big.Int
	if capU != nil {
		cap = capU.ToBig()
	}
	bumped, err := feeoracle.ComputeReplacementFee(old, desired, cap)
	if err != nil {
		return txtypes.FeeParams{}, err
	}

	if isEIP1559 {
		priority := new(uint256.Int).Set(bumped)
		if prev.MaxPriorityFeePerGas != nil {
			oldPriority, _ := uint256.FromBig(prev.MaxPriorityFeePerGas)
			priority = new(uint256.Int).Mul(oldPriority, uint256.NewInt(11))
			priority.Div(priority, uint256.NewInt(10))
		}
		return txtypes.FeeParams{Chain: txtypes.ChainEVM, MaxFeePerGas: bumped.ToBig(), MaxPriorityFeePerGas: priority.ToBig(), GasLimit: gasLimit}, nil
	}
	return txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: bumped.ToBig(), GasLimit: gasLimit}, nil
}

func (d *Driver) SignAttempt(ctx context.Context, r txtypes.Record, fee txtypes.FeeParams, nonce uint64) ([]byte, string, error) {
	req := r.Request.EVM
	to := common.HexToAddress(req.To)
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	usesEIP1559 := fee.MaxFeePerGas != nil
	var tx *types.Transaction
	if usesEIP1559 {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   d.chainID(),
			Nonce:     nonce,
			To:        &to,
			Value:     value,
			Gas:       fee.GasLimit,
			GasFeeCap: fee.MaxFeePerGas,
			GasTipCap: fee.MaxPriorityFeePerGas,
			Data:      req.Data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      fee.GasLimit,
			GasPrice: fee.GasPrice,
			Data:     req.Data,
		})
	}

	signer := d.signerFor(usesEIP1559)
	hash := signer.Hash(tx)

	sig, err := d.Signer.Sign(ctx, r.RelayerID, hash.Bytes())
	if err != nil {
		return nil, "", err
	}
	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, "", fmt.Errorf("%w: apply signature: %v", txtypes.ErrSignerPermanent, err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode signed transaction: %v", txtypes.ErrSignerPermanent, err)
	}
	return raw, signedTx.Hash().Hex(), nil
}

// Filler builds a zero-value 21000-gas legacy self-transfer at nonce,
// signed by address's relayer key, with its gas price escalated by attempt
// so repeated retries don't get stuck underpriced against a congested pool.
func (d *Driver) Filler(ctx context.Context, relayerID, address string, nonce uint64, attempt int) ([]byte, string, error) {
	base, err := d.Client.GasPrice(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: eth_gasPrice: %v", txtypes.ErrAllEndpointsExhausted, err)
	}
	baseU, _ := uint256.FromBig(base)
	scale := uint256.NewInt(uint64(12 + 2*attempt))
	price := new(uint256.Int).Mul(baseU, scale)
	price.Div(price, uint256.NewInt(10))

	if cap := d.GasPriceCapFor(relayerID); cap != nil && cap.Sign() > 0 {
		capU, _ := uint256.FromBig(cap)
		if price.Cmp(capU) > 0 {
			price = capU
		}
	}

	to := common.HexToAddress(address)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      21000,
		GasPrice: price.ToBig(),
	})

	signer := d.signerFor(false)
	hash := signer.Hash(tx)
	sig, err := d.Signer.Sign(ctx, relayerID, hash.Bytes())
	if err != nil {
		return nil, "", err
	}
	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, "", fmt.Errorf("%w: apply signature: %v", txtypes.ErrSignerPermanent, err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode signed transaction: %v", txtypes.ErrSignerPermanent, err)
	}
	return raw, signedTx.Hash().Hex(), nil
}

func (d *Driver) Broadcast(ctx context.Context, _ txtypes.Record, signedPayload []byte) error {
	_, err := d.Client.SendRawTransaction(ctx, signedPayload)
	return err
}

func (d *Driver) Inclusion(ctx context.Context, hash string) (bool, uint64, error) {
	receipt, err := d.Client.GetTransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		return false, 0, err
	}
	if receipt == nil {
		return false, 0, nil
	}
	return true, (*big.Int)(&receipt.BlockNumber).Uint64(), nil
}

func (d *Driver) CurrentHeight(ctx context.Context) (uint64, error) {
	return d.Client.BlockNumber(ctx)
}

func (d *Driver) BlockTime() time.Duration {
	return time.Duration(d.Params.AverageBlockTimeMS) * time.Millisecond
}

func (d *Driver) ConfirmationsRequired() uint64 {
	return uint64(d.Params.ConfirmationsRequired)
}

func (d *Driver) ReorgWindow() uint64 { return ReorgWindow }

// Balance implements relayersvc.BalanceReader.
func (d *Driver) Balance(ctx context.Context, _ string, address string) (*big.Int, error) {
	return d.Client.GetBalance(ctx, common.HexToAddress(address), "latest")
}

// OnChainNonce implements noncemgr.OnChainCounter for Sync at startup.
type OnChainNonce struct{ Client *rpcpool.EVMClient }

func (o OnChainNonce) Latest(ctx context.Context, _, address string) (uint64, error) {
	return o.Client.GetTransactionCount(ctx, common.HexToAddress(address), "latest")
}
