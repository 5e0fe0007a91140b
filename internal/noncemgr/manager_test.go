package noncemgr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	vals map[string]uint64
}

func newMemStore() *memStore { return &memStore{vals: make(map[string]uint64)} }

func (s *memStore) LoadCursor(key string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	return v, ok, nil
}

func (s *memStore) SaveCursor(key string, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
	return nil
}

type fixedCounter struct{ latest uint64 }

func (c fixedCounter) Latest(_ context.Context, _, _ string) (uint64, error) {
	return c.latest, nil
}

func TestAllocateIncrementsFromZero(t *testing.T) {
	m := New(newMemStore(), 1<<16)

	n1, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n1)

	n2, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	require.Equal(t, uint64(2), n2)
}

func TestAllocateIsolatedPerAddress(t *testing.T) {
	m := New(newMemStore(), 1<<16)

	a, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	require.Equal(t, uint64(1), a)

	b, err := m.Allocate("r1", "0xbbb")
	require.NoError(t, err)
	require.Equal(t, uint64(1), b)
}

func TestSyncRaisesCursorFromOnChain(t *testing.T) {
	m := New(newMemStore(), 1<<16)

	err := m.Sync(context.Background(), "r1", "0xaaa", fixedCounter{latest: 42})
	require.NoError(t, err)

	n, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestSyncNeverLowersCursor(t *testing.T) {
	m := New(newMemStore(), 1<<16)

	_, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	_, err = m.Allocate("r1", "0xaaa")
	require.NoError(t, err)

	err = m.Sync(context.Background(), "r1", "0xaaa", fixedCounter{latest: 1})
	require.NoError(t, err)

	n, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}

func TestReconcileFailureRollsBackWhenNothingLaterInFlight(t *testing.T) {
	m := New(newMemStore(), 1<<16)

	for i := 0; i < 5; i++ {
		_, err := m.Allocate("r1", "0xaaa")
		require.NoError(t, err)
	}

	filler, err := m.ReconcileFailure("r1", "0xaaa", 5, false)
	require.NoError(t, err)
	require.Nil(t, filler)

	n, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)
}

func TestReconcileFailureEmitsFillerWhenLaterInFlight(t *testing.T) {
	m := New(newMemStore(), 1<<16)

	for i := 0; i < 5; i++ {
		_, err := m.Allocate("r1", "0xaaa")
		require.NoError(t, err)
	}

	filler, err := m.ReconcileFailure("r1", "0xaaa", 3, true)
	require.NoError(t, err)
	require.NotNil(t, filler)
	require.Equal(t, uint64(3), filler.Nonce)

	n, err := m.Allocate("r1", "0xaaa")
	require.NoError(t, err)
	require.Equal(t, uint64(6), n)
}

func TestAllocateConcurrentNeverDuplicates(t *testing.T) {
	m := New(newMemStore(), 1<<16)

	const workers = 50
	results := make(chan uint64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			n, err := m.Allocate("r1", "0xaaa")
			require.NoError(t, err)
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		require.False(t, seen[n], "duplicate nonce %d allocated", n)
		seen[n] = true
	}
	require.Len(t, seen, workers)
}
