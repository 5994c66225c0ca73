package pebbleq

import "encoding/binary"

// Keyspace, all under q/{name}/:
//
//	msg/{id}                 - serialized message, present while queued or in flight
//	ready/{ts_ms}{seq}       - queued index, FIFO by enqueue time then sequence
//	eph/{taken_ms}{id}       - in-flight index ordered by take time
//	ephid/{id}               - reverse in-flight lookup, value is taken_ms
//	meta                     - last sequence number
const (
	prefixMsg   = "msg/"
	prefixReady = "ready/"
	prefixEph   = "eph/"
	prefixEphID = "ephid/"
	metaSuffix  = "meta"
)

func queuePrefix(name string) string { return "q/" + name + "/" }

func msgKey(name, id string) []byte {
	return []byte(queuePrefix(name) + prefixMsg + id)
}

func msgPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixMsg)
}

func readyKey(name string, tsMs int64, seq uint64) []byte {
	prefix := queuePrefix(name) + prefixReady
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(tsMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

func readyPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixReady)
}

func ephKey(name string, takenMs int64, id string) []byte {
	prefix := queuePrefix(name) + prefixEph
	key := make([]byte, len(prefix)+8+len(id))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(takenMs))
	copy(key[len(prefix)+8:], id)
	return key
}

func ephPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixEph)
}

func ephIDKey(name, id string) []byte {
	return []byte(queuePrefix(name) + prefixEphID + id)
}

func ephIDPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixEphID)
}

func metaKey(name string) []byte {
	return []byte(queuePrefix(name) + metaSuffix)
}

// parseEphKey splits an eph index key into take time and id.
func parseEphKey(name string, key []byte) (takenMs int64, id string, ok bool) {
	prefix := queuePrefix(name) + prefixEph
	if len(key) < len(prefix)+8 {
		return 0, "", false
	}
	takenMs = int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
	id = string(key[len(prefix)+8:])
	return takenMs, id, true
}
