// Package stellar adapts one Stellar/Soroban network into
// lifecycle.ChainDriver: sequence-number assignment, fee-bump ceilings,
// and transaction envelope construction and signing.
package stellar

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/chainrelayer/relayer/internal/catalog"
	"github.com/chainrelayer/relayer/internal/feeoracle"
	"github.com/chainrelayer/relayer/internal/noncemgr"
	"github.com/chainrelayer/relayer/internal/rpcpool"
	"github.com/chainrelayer/relayer/internal/signerfacade"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// ReorgWindow is the Stellar-specific absence window: 120 ledgers.
const ReorgWindow = 120

// Driver implements lifecycle.ChainDriver for one Stellar network.
type Driver struct {
	Params     catalog.ChainParams
	Client     *rpcpool.StellarClient
	Signer     *signerfacade.Facade
	Nonces     *noncemgr.Manager
	Passphrase string
}

func (d *Driver) AllocateNonce(ctx context.Context, r txtypes.Record) (uint64, string, error) {
	source := sourceAccount(r.Request.Stellar)
	addr, err := d.resolveAddress(ctx, r.RelayerID, source)
	if err != nil {
		return 0, "", err
	}
	seq, err := d.Nonces.Allocate(r.RelayerID, addr)
	if err != nil {
		return 0, "", err
	}
	return seq, addr, nil
}

func sourceAccount(req *txtypes.StellarRequest) string { return req.SourceAccount }

func (d *Driver) resolveAddress(ctx context.Context, relayerID, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	addr, err := d.Signer.Address(ctx, relayerID)
	return string(addr), err
}

func (d *Driver) NextFee(ctx context.Context, r txtypes.Record, prevFee *txtypes.FeeParams) (txtypes.FeeParams, error) {
	req := r.Request.Stellar
	maxFee := feeoracle.FeeBumpMaxFee(req.MaxFee)
	if prevFee != nil && prevFee.FeeBumpMaxFeeStroops >= maxFee {
		maxFee = prevFee.FeeBumpMaxFeeStroops * 12 / 10
	}
	return txtypes.FeeParams{Chain: txtypes.ChainStellar, FeeBumpMaxFeeStroops: maxFee}, nil
}

func (d *Driver) SignAttempt(ctx context.Context, r txtypes.Record, fee txtypes.FeeParams, sequence uint64) ([]byte, string, error) {
	req := r.Request.Stellar

	if req.TransactionXDR != "" {
		return d.signEnvelopeXDR(ctx, r.RelayerID, req.TransactionXDR, req.FeeBump, fee)
	}

	source, err := d.resolveAddress(ctx, r.RelayerID, req.SourceAccount)
	if err != nil {
		return nil, "", err
	}

	ops, err := buildOperations(req)
	if err != nil {
		return nil, "", err
	}

	account := &txnbuild.SimpleAccount{AccountID: source, Sequence: int64(sequence)}
	params := txnbuild.TransactionParams{
		SourceAccount:        account,
		IncrementSequenceNum: false,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        preconditions(req),
	}
	if m := buildMemo(req.Memo); m != nil {
		params.Memo = m
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build transaction: %v", txtypes.ErrSignerPermanent, err)
	}

	signed, hash, err := d.signTransaction(ctx, r.RelayerID, tx)
	if err != nil {
		return nil, "", err
	}

	if req.FeeBump {
		return d.feeBump(ctx, r.RelayerID, signed, fee.FeeBumpMaxFeeStroops)
	}

	raw, err := signed.Base64()
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode envelope: %v", txtypes.ErrSignerPermanent, err)
	}
	return []byte(raw), hash, nil
}

func preconditions(req *txtypes.StellarRequest) txnbuild.Preconditions {
	if req.ValidUntil == nil {
		return txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()}
	}
	return txnbuild.Preconditions{TimeBounds: txnbuild.NewTimebounds(0, req.ValidUntil.Unix())}
}

func buildMemo(m *txtypes.StellarMemo) txnbuild.Memo {
	if m == nil {
		return nil
	}
	switch m.Type {
	case txtypes.StellarMemoText:
		return txnbuild.MemoText(m.Value)
	case txtypes.StellarMemoID:
		id, _ := strconv.ParseUint(m.Value, 10, 64)
		return txnbuild.MemoID(id)
	case txtypes.StellarMemoHash:
		var h [32]byte
		copy(h[:], m.Value)
		return txnbuild.MemoHash(h)
	default:
		return nil
	}
}

// buildOperations translates the portable operation list into txnbuild
// operations; invoke_contract/create_contract/upload_wasm Soroban host
// function calls require full ScVal->xdr encoding that the caller is
// expected to supply pre-built via TransactionXDR instead.
func buildOperations(req *txtypes.StellarRequest) ([]txnbuild.Operation, error) {
	ops := make([]txnbuild.Operation, 0, len(req.Operations))
	for _, op := range req.Operations {
		switch op.Type {
		case txtypes.StellarOpPayment:
			ops = append(ops, &txnbuild.Payment{
				Destination: op.Dest,
				Amount:      stroopsToLumens(op.Amount),
				Asset:       txnbuild.NativeAsset{},
			})
		default:
			return nil, fmt.Errorf("%w: operation type %q requires a pre-built transaction_xdr", txtypes.ErrSignerPermanent, op.Type)
		}
	}
	return ops, nil
}

func stroopsToLumens(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	whole := new(big.Int).Quo(amount, big.NewInt(10_000_000))
	frac := new(big.Int).Mod(amount, big.NewInt(10_000_000))
	return fmt.Sprintf("%d.%07d", whole, frac)
}

func (d *Driver) signEnvelopeXDR(ctx context.Context, relayerID, envelopeXDR string, feeBump bool, fee txtypes.FeeParams) ([]byte, string, error) {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parse transaction_xdr: %v", txtypes.ErrSignerPermanent, err)
	}
	genericTx, ok := generic.Transaction()
	if !ok {
		return nil, "", fmt.Errorf("%w: transaction_xdr must not already be a fee-bump envelope", txtypes.ErrSignerPermanent)
	}

	signed, hash, err := d.signTransaction(ctx, relayerID, genericTx)
	if err != nil {
		return nil, "", err
	}

	if feeBump {
		return d.feeBump(ctx, relayerID, signed, fee.FeeBumpMaxFeeStroops)
	}

	raw, err := signed.Base64()
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode envelope: %v", txtypes.ErrSignerPermanent, err)
	}
	return []byte(raw), hash, nil
}

func (d *Driver) signTransaction(ctx context.Context, relayerID string, tx *txnbuild.Transaction) (*txnbuild.Transaction, string, error) {
	passphrase := d.passphrase()
	hash, err := tx.Hash(passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("%w: hash transaction: %v", txtypes.ErrSignerPermanent, err)
	}

	sig, err := d.Signer.Sign(ctx, relayerID, hash[:])
	if err != nil {
		return nil, "", err
	}
	addr, err := d.Signer.Address(ctx, relayerID)
	if err != nil {
		return nil, "", err
	}
	kp, err := keypair.ParseAddress(string(addr))
	if err != nil {
		return nil, "", fmt.Errorf("%w: parse relayer stellar address: %v", txtypes.ErrSignerPermanent, err)
	}

	decorated := xdr.DecoratedSignature{
		Hint:      xdr.SignatureHint(kp.Hint()),
		Signature: xdr.Signature(sig),
	}
	signed, err := tx.AddSignatureDecorated(decorated)
	if err != nil {
		return nil, "", fmt.Errorf("%w: attach signature: %v", txtypes.ErrSignerPermanent, err)
	}
	hashHex := fmt.Sprintf("%x", hash)
	return signed, hashHex, nil
}

func (d *Driver) feeBump(ctx context.Context, relayerID string, inner *txnbuild.Transaction, maxFeeStroops int64) ([]byte, string, error) {
	addr, err := d.Signer.Address(ctx, relayerID)
	if err != nil {
		return nil, "", err
	}
	fbParams := txnbuild.FeeBumpTransactionParams{
		Inner:      inner,
		FeeAccount: string(addr),
		BaseFee:    maxFeeStroops,
	}
	fb, err := txnbuild.NewFeeBumpTransaction(fbParams)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build fee-bump transaction: %v", txtypes.ErrSignerPermanent, err)
	}

	passphrase := d.passphrase()
	hash, err := fb.Hash(passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("%w: hash fee-bump transaction: %v", txtypes.ErrSignerPermanent, err)
	}
	sig, err := d.Signer.Sign(ctx, relayerID, hash[:])
	if err != nil {
		return nil, "", err
	}
	kp, err := keypair.ParseAddress(string(addr))
	if err != nil {
		return nil, "", fmt.Errorf("%w: parse relayer stellar address: %v", txtypes.ErrSignerPermanent, err)
	}
	decorated := xdr.DecoratedSignature{Hint: xdr.SignatureHint(kp.Hint()), Signature: xdr.Signature(sig)}
	signedFB, err := fb.AddSignatureDecorated(decorated)
	if err != nil {
		return nil, "", fmt.Errorf("%w: attach fee-bump signature: %v", txtypes.ErrSignerPermanent, err)
	}

	raw, err := signedFB.Base64()
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode fee-bump envelope: %v", txtypes.ErrSignerPermanent, err)
	}
	return []byte(raw), fmt.Sprintf("%x", hash), nil
}

// Filler builds a zero-amount self-payment at sequence, fee-bumped with an
// escalating ceiling so repeated attempts stay ahead of a congested surge
// queue; used to burn a stuck sequence slot or to track a Cancel request.
func (d *Driver) Filler(ctx context.Context, relayerID, address string, sequence uint64, attempt int) ([]byte, string, error) {
	account := &txnbuild.SimpleAccount{AccountID: address, Sequence: int64(sequence)}
	params := txnbuild.TransactionParams{
		SourceAccount:        account,
		IncrementSequenceNum: false,
		Operations: []txnbuild.Operation{&txnbuild.Payment{
			Destination: address,
			Amount:      "0",
			Asset:       txnbuild.NativeAsset{},
		}},
		BaseFee:       txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build filler transaction: %v", txtypes.ErrSignerPermanent, err)
	}

	signed, hash, err := d.signTransaction(ctx, relayerID, tx)
	if err != nil {
		return nil, "", err
	}

	maxFee := feeoracle.FeeBumpMaxFee(nil) * int64(1+attempt)
	return d.feeBump(ctx, relayerID, signed, maxFee)
}

func (d *Driver) passphrase() string {
	if d.Passphrase != "" {
		return d.Passphrase
	}
	return network.PublicNetworkPassphrase
}

func (d *Driver) Broadcast(ctx context.Context, _ txtypes.Record, signedPayload []byte) error {
	_, err := d.Client.SendTransaction(ctx, string(signedPayload))
	return err
}

func (d *Driver) Inclusion(ctx context.Context, hash string) (bool, uint64, error) {
	result, err := d.Client.GetTransaction(ctx, hash)
	if err != nil {
		return false, 0, err
	}
	if result.Status != "SUCCESS" {
		return false, 0, nil
	}
	return true, uint64(result.Ledger), nil
}

func (d *Driver) CurrentHeight(ctx context.Context) (uint64, error) {
	r, err := d.Client.GetLatestLedger(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(r.Sequence), nil
}

func (d *Driver) BlockTime() time.Duration {
	return time.Duration(d.Params.AverageBlockTimeMS) * time.Millisecond
}

func (d *Driver) ConfirmationsRequired() uint64 {
	return uint64(d.Params.ConfirmationsRequired)
}

func (d *Driver) ReorgWindow() uint64 { return ReorgWindow }

// OnChainSequence implements noncemgr.OnChainCounter, seeding the Nonce
// Manager's assigned_high_water from the account's current sequence number.
type OnChainSequence struct{ Client *rpcpool.StellarClient }

func (o OnChainSequence) Latest(ctx context.Context, _, address string) (uint64, error) {
	acct, err := o.Client.GetAccount(ctx, address)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseUint(acct.Sequence, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse account sequence %q: %w", acct.Sequence, err)
	}
	return seq, nil
}
