package noncemgr

import "encoding/binary"

// CursorStore is the durable side of a nonce cursor, implemented by
// internal/txstore. Reads that miss the cache fall through here; writes go
// to both.
type CursorStore interface {
	LoadCursor(key string) (uint64, bool, error)
	SaveCursor(key string, value uint64) error
}

func cursorKey(relayerID, address string) string {
	return relayerID + ":" + address
}

func (m *Manager) load(key string) (uint64, error) {
	if buf := m.cache.Get(nil, []byte(key)); buf != nil && len(buf) == 8 {
		return binary.BigEndian.Uint64(buf), nil
	}
	v, ok, err := m.store.LoadCursor(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	m.fill(key, v)
	return v, nil
}

func (m *Manager) save(key string, v uint64) error {
	if err := m.store.SaveCursor(key, v); err != nil {
		return err
	}
	m.fill(key, v)
	return nil
}

// fill writes the cache layer only; callers that need durability go through
// save, which writes CursorStore first.
func (m *Manager) fill(key string, v uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	m.cache.Set([]byte(key), buf)
}
