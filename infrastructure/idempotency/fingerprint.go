package idempotency

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives a stable idempotency key from a request payload,
// for callers that don't already carry a caller-supplied key (e.g. a
// client that doesn't send an Idempotency-Key header). blake2b is used
// rather than a legacy hash for its collision resistance margin at the
// scale an idempotency key space can reach.
func Fingerprint(namespace string, payload []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
