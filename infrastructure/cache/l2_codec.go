package cache

import (
	"encoding/binary"
	"time"
)

// encodeL2Value serializes a demoted L1 entry as:
// i64 expires_at_unix_ms (0 = no expiry) | u8 kind (0=string,1=bytes) | value.
// Only string and []byte values are representable; other kinds return
// ok=false and are dropped rather than demoted.
func encodeL2Value(value interface{}, expiresAt time.Time, hasTTL bool) ([]byte, bool) {
	var kind byte
	var payload []byte
	switch v := value.(type) {
	case string:
		kind = 0
		payload = []byte(v)
	case []byte:
		kind = 1
		payload = v
	default:
		return nil, false
	}

	var expiresAtMs int64
	if hasTTL {
		expiresAtMs = expiresAt.UnixMilli()
	}

	buf := make([]byte, 8+1+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(expiresAtMs))
	buf[8] = kind
	copy(buf[9:], payload)
	return buf, true
}

// decodeL2Value is the inverse of encodeL2Value. ok is false if raw is
// too short to be a valid record.
func decodeL2Value(raw []byte) (value interface{}, expiresAt time.Time, ok bool) {
	if len(raw) < 9 {
		return nil, time.Time{}, false
	}
	expiresAtMs := int64(binary.BigEndian.Uint64(raw[0:8]))
	kind := raw[8]
	payload := raw[9:]

	if expiresAtMs != 0 {
		expiresAt = time.UnixMilli(expiresAtMs)
	}
	switch kind {
	case 0:
		return string(payload), expiresAt, true
	case 1:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return cp, expiresAt, true
	default:
		return nil, time.Time{}, false
	}
}
