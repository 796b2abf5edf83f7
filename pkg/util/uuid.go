// Package util provides utility functions shared by the server packages.
package util

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateSessionID returns a random (version 4) UUID drawn from crypto/rand.
// Unlike uuid.New it reports entropy failures instead of panicking.
func GenerateSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return id.String(), nil
}

// IsSessionID reports whether s has the textual shape of a session id.
func IsSessionID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
