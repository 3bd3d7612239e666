package encryption

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digester produces deterministic lookup digests of secrets.
type Digester struct {
	key []byte
}

// NewDigester returns a Digester. A nil key yields an unkeyed BLAKE2b-256.
// Keys longer than 64 bytes are truncated.
func NewDigester(key []byte) *Digester {
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	return &Digester{key: key}
}

// Digest returns the hex encoded BLAKE2b-256 of secret.
func (d *Digester) Digest(secret string) string {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// only reachable with an oversized key, which NewDigester prevents
		panic(err)
	}
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}
