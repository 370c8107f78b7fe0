package helpers

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// ContentHash returns the base58-encoded sha256 digest of data. It is
// the transaction hash NEAR tooling reports for a serialized signed
// transaction.
func ContentHash(data []byte) string {
	digest := sha256.Sum256(data)
	return base58.Encode(digest[:])
}
