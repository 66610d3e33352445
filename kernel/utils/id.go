package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random unique ID (UUIDv4)
func GenerateID() string {
	return uuid.NewString()
}

// GenerateToken generates an opaque capability token id.
// Tokens are markers, not secrets: uniqueness is all that is required.
func GenerateToken() string {
	return "tok_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
