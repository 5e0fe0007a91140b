package txstore

import "fmt"

// Key layout:
//   tx:id:<txID>                                     -> JSON-encoded Record
//   idx:status:<relayerID>:<status>:<txID>            -> empty (tx_by_relayer_status)
//   idx:nonce:<relayerID>:<nonce, zero-padded>:<txID>  -> empty (tx_by_relayer_nonce)
//   nonce:cursor:<relayerID>:<address>                -> 8-byte big-endian uint64 (noncemgr.CursorStore)

func idKey(txID string) []byte {
	return []byte("tx:id:" + txID)
}

func statusIndexKey(relayerID, status, txID string) []byte {
	return []byte(fmt.Sprintf("idx:status:%s:%s:%s", relayerID, status, txID))
}

func statusPrefix(relayerID, status string) []byte {
	return []byte(fmt.Sprintf("idx:status:%s:%s:", relayerID, status))
}

func nonceIndexKey(relayerID string, nonce uint64, txID string) []byte {
	return []byte(fmt.Sprintf("idx:nonce:%s:%020d:%s", relayerID, nonce, txID))
}

func noncePrefix(relayerID string, nonce uint64) []byte {
	return []byte(fmt.Sprintf("idx:nonce:%s:%020d:", relayerID, nonce))
}

func cursorKeyBytes(key string) []byte {
	return []byte("nonce:cursor:" + key)
}

// upperBound returns the smallest key strictly greater than every key with
// the given prefix, for use as a pebble iterator UpperBound; nil means
// unbounded (prefix is all 0xff, never produced by the schemes above).
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
