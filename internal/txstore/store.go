// Package txstore implements the durable projection of the Transaction Store on top
// of github.com/cockroachdb/pebble, an embedded LSM-tree engine rather than
// an abstract "assumed" KV interface — the same way go-ethereum treats
// pebble as just another ethdb.KeyValueStore. Replication, backup, and HA
// are explicitly out of scope; this is the
// single-node crash-safe backend underneath that boundary.
package txstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

// recordCacheSize bounds the in-memory read cache of hot records —
// Get is on the critical path of every lifecycle poll tick, and most of
// those polls re-read the same handful of in-flight transactions.
const recordCacheSize = 4096

// Store is the Transaction Store plus the durable side of the Nonce
// Manager's cursor (noncemgr.CursorStore) — both are small KV projections
// over the same embedded engine, so one pebble.DB instance serves both.
type Store struct {
	db    *pebble.DB
	cache *lru.Cache[string, txtypes.Record]
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble store at %s: %v", txtypes.ErrWriteFailed, dir, err)
	}
	cache, err := lru.New[string, txtypes.Record](recordCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate record cache: %v", txtypes.ErrWriteFailed, err)
	}
	return &Store{db: db, cache: cache}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save upserts a Record and its secondary indexes. Writes are idempotent
// by (transaction_id, attempt_index): replaying a write that carries no new
// attempt and no status change is a no-op rather than rewriting indexes.
func (s *Store) Save(r txtypes.Record) error {
	existing, err := s.Get(r.TransactionID)
	if err != nil && !errors.Is(err, txtypes.ErrNotFound) {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if existing != nil {
		if len(r.History) <= len(existing.History) && r.Status == existing.Status {
			return nil
		}
		if existing.Status != r.Status {
			if err := batch.Delete(statusIndexKey(r.RelayerID, string(existing.Status), r.TransactionID), nil); err != nil {
				return err
			}
		}
		if existing.Assignment.NonceOrSequence != r.Assignment.NonceOrSequence {
			if err := batch.Delete(nonceIndexKey(r.RelayerID, existing.Assignment.NonceOrSequence, r.TransactionID), nil); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: marshal record %s: %v", txtypes.ErrWriteFailed, r.TransactionID, err)
	}
	if err := batch.Set(idKey(r.TransactionID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(statusIndexKey(r.RelayerID, string(r.Status), r.TransactionID), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(nonceIndexKey(r.RelayerID, r.Assignment.NonceOrSequence, r.TransactionID), nil, nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: commit record %s: %v", txtypes.ErrWriteFailed, r.TransactionID, err)
	}
	s.cache.Add(r.TransactionID, r)
	return nil
}

func (s *Store) Get(txID string) (*txtypes.Record, error) {
	if r, ok := s.cache.Get(txID); ok {
		return &r, nil
	}

	v, closer, err := s.db.Get(idKey(txID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, txtypes.Wrap(txtypes.KindStore, txtypes.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var r txtypes.Record
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, fmt.Errorf("%w: unmarshal record %s: %v", txtypes.ErrWriteFailed, txID, err)
	}
	s.cache.Add(txID, r)
	return &r, nil
}

// ByRelayerStatus is tx_by_relayer_status.
func (s *Store) ByRelayerStatus(relayerID string, status txtypes.Status) ([]txtypes.Record, error) {
	prefix := statusPrefix(relayerID, string(status))
	return s.scanIndex(prefix)
}

// ByRelayerNonce is tx_by_relayer_nonce.
func (s *Store) ByRelayerNonce(relayerID string, nonce uint64) ([]txtypes.Record, error) {
	prefix := noncePrefix(relayerID, nonce)
	return s.scanIndex(prefix)
}

func (s *Store) scanIndex(prefix []byte) ([]txtypes.Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []txtypes.Record
	for iter.First(); iter.Valid(); iter.Next() {
		txID := string(iter.Key()[len(prefix):])
		rec, err := s.Get(txID)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, iter.Error()
}

// allStatuses drives ByRelayer's full-history scan for the list API.
var allStatuses = []txtypes.Status{
	txtypes.StatusPending, txtypes.StatusSubmitted, txtypes.StatusMined,
	txtypes.StatusConfirmed, txtypes.StatusFailed, txtypes.StatusReplaced,
	txtypes.StatusExpired, txtypes.StatusCancelled,
}

// ByRelayer lists every record for relayerID across all statuses, for the
// paginated GET /transactions endpoint.
func (s *Store) ByRelayer(relayerID string) ([]txtypes.Record, error) {
	var out []txtypes.Record
	for _, st := range allStatuses {
		recs, err := s.ByRelayerStatus(relayerID, st)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// nonTerminalStatuses is every status a crash could have left a record in
// mid-flight; Replaced/Expired/Cancelled/Confirmed/Failed are terminal and
// need no rehydration.
var nonTerminalStatuses = []txtypes.Status{
	txtypes.StatusPending,
	txtypes.StatusSubmitted,
	txtypes.StatusMined,
}

// RecoverNonTerminal rehydrates every in-flight record for relayerID at
// startup.
func (s *Store) RecoverNonTerminal(relayerID string) ([]txtypes.Record, error) {
	var out []txtypes.Record
	for _, st := range nonTerminalStatuses {
		recs, err := s.ByRelayerStatus(relayerID, st)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// HasLaterNonceInFlight reports whether any non-terminal record for
// relayerID holds a nonce/sequence strictly greater than nonce; noncemgr's
// ReconcileFailure uses this to decide whether a terminal failure can just
// roll the high-water mark back or needs an unblocking filler transaction.
func (s *Store) HasLaterNonceInFlight(relayerID string, nonce uint64) (bool, error) {
	recs, err := s.RecoverNonTerminal(relayerID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.Assignment.NonceOrSequence > nonce {
			return true, nil
		}
	}
	return false, nil
}

// LoadCursor and SaveCursor implement noncemgr.CursorStore directly against
// the same pebble.DB, so the nonce high-water mark survives restarts
// alongside the records it governs.
func (s *Store) LoadCursor(key string) (uint64, bool, error) {
	v, closer, err := s.db.Get(cursorKeyBytes(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(v), true, nil
}

func (s *Store) SaveCursor(key string, value uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, value)
	return s.db.Set(cursorKeyBytes(key), buf, pebble.Sync)
}
