package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "duet/pkg/errors"
)

// Digest returns the lowercase hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks data against an expected digest and size. An empty digest
// or a non-positive size skips that check.
func Verify(id, expectedSHA256 string, expectedBytes int64, data []byte) error {
	if expectedBytes > 0 && int64(len(data)) != expectedBytes {
		return apperrors.NewIntegrityError(
			fmt.Sprintf("asset %s: size mismatch: expected %d bytes, got %d", id, expectedBytes, len(data))).
			WithContext("asset_id", id)
	}
	if expectedSHA256 == "" {
		return nil
	}
	if got := Digest(data); !strings.EqualFold(got, expectedSHA256) {
		return apperrors.NewIntegrityError(
			fmt.Sprintf("asset %s: sha256 mismatch: expected %s, got %s", id, strings.ToLower(expectedSHA256), got)).
			WithContext("asset_id", id)
	}
	return nil
}

// Describe builds a manifest entry for data.
func Describe(id string, data []byte) Entry {
	return Entry{ID: id, SHA256: Digest(data), Bytes: int64(len(data))}
}
