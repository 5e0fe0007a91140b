package signerfacade

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// LocalBackend wraps a go-ethereum encrypted keystore. Unlock happens once
// at construction using a passphrase supplied by the caller (typically
// read from KEYSTORE_PASSPHRASE); the passphrase bytes are zeroed
// immediately after the unlock call returns, matching the scoped-credential
// "scoped acquisition" requirement.
type LocalBackend struct {
	ks       *keystore.KeyStore
	accounts map[string]accounts.Account // relayerID -> unlocked account
	chainID  *uint64
}

// NewLocalBackend opens (or creates) an encrypted keystore directory and
// unlocks the accounts named in relayerToAddress. passphrase is zeroed
// before this function returns.
func NewLocalBackend(keydir string, relayerToAddress map[string]string, passphrase []byte, chainID uint64) (*LocalBackend, error) {
	defer zero(passphrase)

	ks := keystore.NewKeyStore(keydir, keystore.StandardScryptN, keystore.StandardScryptP)
	lb := &LocalBackend{ks: ks, accounts: make(map[string]accounts.Account), chainID: &chainID}

	for relayerID, addrHex := range relayerToAddress {
		addr := common.HexToAddress(addrHex)
		acc := accounts.Account{Address: addr}
		found, err := ks.Find(acc)
		if err != nil {
			return nil, fmt.Errorf("local signer: account %s for relayer %s not found in keystore: %w", addrHex, relayerID, err)
		}
		if err := ks.Unlock(found, string(passphrase)); err != nil {
			return nil, fmt.Errorf("local signer: unlock %s: %w", addrHex, err)
		}
		lb.accounts[relayerID] = found
	}

	log.Info("local keystore signer ready", "relayers", len(lb.accounts))
	return lb, nil
}

// NewLocalBackendFromAzureBlob downloads an encrypted keystore file from
// an Azure Blob container into keydir before delegating to
// NewLocalBackend — for fleets that keep their encrypted keystores in
// object storage rather than on the relayer host's own disk (ADDED,
// SPEC_FULL.md §4.3).
func NewLocalBackendFromAzureBlob(ctx context.Context, serviceURL, containerName, blobName, keydir string, cred azblob.SharedKeyCredential, relayerToAddress map[string]string, passphrase []byte, chainID uint64) (*LocalBackend, error) {
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, &cred, nil)
	if err != nil {
		zero(passphrase)
		return nil, fmt.Errorf("local signer: azure blob client: %w", err)
	}

	resp, err := client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		zero(passphrase)
		return nil, fmt.Errorf("local signer: download keystore blob %s: %w", blobName, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(keydir, 0o700); err != nil {
		zero(passphrase)
		return nil, err
	}
	f, err := os.OpenFile(keydir+"/"+blobName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		zero(passphrase)
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		zero(passphrase)
		return nil, err
	}

	return NewLocalBackend(keydir, relayerToAddress, passphrase, chainID)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (b *LocalBackend) Address(_ context.Context, relayerID string) (ChainAddress, error) {
	acc, ok := b.accounts[relayerID]
	if !ok {
		return "", fmt.Errorf("local signer: no account for relayer %s", relayerID)
	}
	return ChainAddress(acc.Address.Hex()), nil
}

// Sign treats payload as the 32-byte transaction signing hash produced by
// the EVM tx builder, and returns a 65-byte secp256k1 signature via the
// keystore's SignHash.
func (b *LocalBackend) Sign(_ context.Context, relayerID string, payload []byte) (Signature, error) {
	acc, ok := b.accounts[relayerID]
	if !ok {
		return nil, fmt.Errorf("local signer: no account for relayer %s", relayerID)
	}
	sig, err := b.ks.SignHash(acc, payload)
	if err != nil {
		return nil, err
	}
	return Signature(sig), nil
}

// SignTx is a typed convenience for callers holding a *LocalBackend that
// want the keystore to sign a whole *types.Transaction; the EVM chain
// driver does not use it and signs the hash through Facade.Sign.
func (b *LocalBackend) SignTx(relayerID string, tx *types.Transaction, chainID *uint64) (*types.Transaction, error) {
	acc, ok := b.accounts[relayerID]
	if !ok {
		return nil, fmt.Errorf("local signer: no account for relayer %s", relayerID)
	}
	id := b.chainID
	if chainID != nil {
		id = chainID
	}
	return b.ks.SignTx(acc, tx, new(big.Int).SetUint64(*id))
}
