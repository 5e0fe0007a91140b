// Package signerfacade exposes a uniform signing capability over
// heterogeneous backends. The facade owns no key material:
// each Backend implementation is responsible for its own credential
// acquisition, and for local keystores that acquisition is scoped — the
// passphrase is read once at startup and zeroed immediately after use.
package signerfacade

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

// ChainAddress is a chain-tagged address string: 0x-hex for EVM, base58
// for Solana, a G... strkey for Stellar.
type ChainAddress string

// Signature is the raw signature bytes a Backend returns; the caller
// (chain-specific transaction builder) knows how to fold it into a wire
// transaction for its chain.
type Signature []byte

// Backend is the capability contract every backend satisfies: {address(), sign()}.
// No inheritance — composition over interfaces: LocalBackend, VaultBackend
// (which also serves VaultCloud), TurnkeyBackend, AwsKmsBackend and
// HardwareWalletBackend. GcpKms is a BackendKind with no Backend struct.
type Backend interface {
	Address(ctx context.Context, relayerID string) (ChainAddress, error)
	Sign(ctx context.Context, relayerID string, payload []byte) (Signature, error)
}

// BackendKind names the configured variant, kept even for backends this
// build does not compile a real client for (see GcpKms), so configuration
// stays forward compatible.
type BackendKind string

const (
	BackendLocal          BackendKind = "local"
	BackendVault          BackendKind = "vault"
	BackendVaultCloud     BackendKind = "vault_cloud"
	BackendTurnkey        BackendKind = "turnkey"
	BackendGcpKms         BackendKind = "gcp_kms"
	BackendAwsKms         BackendKind = "aws_kms"
	BackendHardwareWallet BackendKind = "hardware_wallet"
)

// Facade multiplexes relayer id -> backend. Most deployments have one
// backend instance shared by many relayers (e.g. one keystore directory,
// one KMS account) distinguished by relayer-scoped key identifiers inside
// the backend; Facade just routes.
type Facade struct {
	mu       sync.RWMutex
	backends map[string]Backend // relayerID -> backend
}

func New() *Facade {
	return &Facade{backends: make(map[string]Backend)}
}

func (f *Facade) Register(relayerID string, b Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[relayerID] = b
}

func (f *Facade) backendFor(relayerID string) (Backend, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[relayerID]
	if !ok {
		return nil, fmt.Errorf("%w: no signer backend registered for relayer %s", txtypes.ErrBackendUnavailable, relayerID)
	}
	return b, nil
}

// Address returns the chain address of a relayer's signing key.
func (f *Facade) Address(ctx context.Context, relayerID string) (ChainAddress, error) {
	b, err := f.backendFor(relayerID)
	if err != nil {
		return "", err
	}
	return b.Address(ctx, relayerID)
}

// Sign is assumed blocking/suspendable and possibly slow (cloud RTT);
// callers must not hold the nonce-allocation lock across it except at the
// one explicit pairing point the Lifecycle Engine relies on.
func (f *Facade) Sign(ctx context.Context, relayerID string, payload []byte) (Signature, error) {
	b, err := f.backendFor(relayerID)
	if err != nil {
		return nil, err
	}
	sig, err := b.Sign(ctx, relayerID, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", txtypes.ErrSignerTransient, err)
	}
	return sig, nil
}
