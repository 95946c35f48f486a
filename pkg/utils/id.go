package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateRoomID generates a unique room ID
func GenerateRoomID() string {
	return uuid.NewString()
}

// GenerateParticipantID generates a unique participant ID
func GenerateParticipantID() string {
	return uuid.NewString()
}

// GenerateTxnID generates a control-channel transaction ID
func GenerateTxnID() string {
	return GenerateID("txn")
}

// GenerateTokenID generates the jti of a bearer token
func GenerateTokenID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}

// GenerateSalt returns n random bytes
func GenerateSalt(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
