// Package noncemgr implements the Nonce/Sequence Manager: the single source of truth for
// the next nonce or sequence number a relayer may use on a given chain
// address. Allocation is serialized per (relayer_id, address) with an
// in-process mutex; the durable high-water mark lives behind CursorStore,
// fronted by a fastcache read-through layer (ADDED, SPEC_FULL.md §4.5) so a
// busy relayer doesn't round-trip the store on every allocation.
package noncemgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

// OnChainCounter reads the chain's authoritative next-nonce/sequence value:
// eth_getTransactionCount(latest) for EVM, the account sequence for
// Stellar, or the slot-derived nonce account state for Solana.
type OnChainCounter interface {
	Latest(ctx context.Context, relayerID, address string) (uint64, error)
}

// Manager owns allocation and gap reconciliation for every (relayer,
// address) pair it is asked about; it holds no chain-specific knowledge
// beyond the OnChainCounter it's handed at Sync time.
type Manager struct {
	store CursorStore
	cache *fastcache.Cache

	mus sync.Map // cursorKey -> *sync.Mutex
}

// New builds a Manager with a fastcache sized cacheBytes (a few hundred
// bytes per hot relayer address is plenty; the store is the source of truth).
func New(store CursorStore, cacheBytes int) *Manager {
	return &Manager{
		store: store,
		cache: fastcache.New(cacheBytes),
	}
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	v, _ := m.mus.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Sync pulls the on-chain counter and raises the cursor if the chain is
// ahead of what was recorded locally. It never lowers the
// cursor — only ReconcileFailure does that, and only under the no-later-
// nonce-in-flight condition.
func (m *Manager) Sync(ctx context.Context, relayerID, address string, onChain OnChainCounter) error {
	key := cursorKey(relayerID, address)
	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	latest, err := onChain.Latest(ctx, relayerID, address)
	if err != nil {
		return fmt.Errorf("%w: nonce sync for %s: %v", txtypes.ErrAllEndpointsExhausted, key, err)
	}
	var onChainHighWater uint64
	if latest > 0 {
		onChainHighWater = latest - 1
	}

	cur, err := m.load(key)
	if err != nil {
		return err
	}
	if onChainHighWater > cur {
		return m.save(key, onChainHighWater)
	}
	return nil
}

// Allocate returns assigned_high_water + 1 and advances the cursor. The
// critical section spans the read-modify-write so two concurrent callers
// for the same (relayer, address) can never receive the same nonce.
func (m *Manager) Allocate(relayerID, address string) (uint64, error) {
	key := cursorKey(relayerID, address)
	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	cur, err := m.load(key)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := m.save(key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// FillerRequest describes the zero-value self-transfer the Lifecycle
// Engine must submit, with escalating fee on each retry, to burn a stuck
// nonce slot that a later nonce already depends on.
type FillerRequest struct {
	RelayerID string
	Address   string
	Nonce     uint64
}

// ReconcileFailure runs the gap-reconciliation step after a
// record holding failedNonce reaches a terminal failed status (not
// replaced). When nothing later is in flight the high-water mark simply
// rolls back so the slot is reused; otherwise the caller must submit the
// returned filler to unblock whatever is waiting behind it.
func (m *Manager) ReconcileFailure(relayerID, address string, failedNonce uint64, laterNonceInFlight bool) (*FillerRequest, error) {
	key := cursorKey(relayerID, address)
	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if !laterNonceInFlight {
		rollback := uint64(0)
		if failedNonce > 0 {
			rollback = failedNonce - 1
		}
		cur, err := m.load(key)
		if err != nil {
			return nil, err
		}
		if cur > rollback {
			if err := m.save(key, rollback); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	return &FillerRequest{RelayerID: relayerID, Address: address, Nonce: failedNonce}, nil
}
