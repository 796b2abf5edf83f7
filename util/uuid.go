package util

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// NewRequestID returns a short identifier used to correlate the log lines of
// one HTTP request. It is not a session id and carries no security weight.
func NewRequestID() string {
	id := uuid.New()
	bytes, _ := id.MarshalBinary()

	encoded := base64.RawURLEncoding.EncodeToString(bytes)
	encoded = strings.NewReplacer("-", "", "_", "").Replace(encoded)

	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}
