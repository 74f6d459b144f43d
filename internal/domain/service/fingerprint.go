package service

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives a stable content hash from method, path and body. Two
// requests carry the same fingerprint iff all three parts are byte-identical;
// it is used to detect reuse of an idempotency key with a different payload.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
