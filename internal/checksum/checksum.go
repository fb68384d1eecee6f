// Package checksum produces content digests used as ETags and snapshot
// fingerprints.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// JSON returns the digest of v's JSON encoding. Map keys are sorted by
// encoding/json, so equal values always produce equal digests.
func JSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("checksum: marshal: %w", err)
	}
	return Sum(data), nil
}
