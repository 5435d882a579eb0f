package types

import (
	"strings"

	"github.com/google/uuid"
)

// requestIDPrefix distinguishes request IDs from other identifiers in logs
// and error responses.
const requestIDPrefix = "req_"

// NewRequestID generates a request identifier from a UUIDv7. The ID keeps
// the UUID's 48-bit random tail, not its timestamp prefix; IDs minted in
// the same millisecond must still differ. 12 hex chars is enough for
// correlation, the queue never keys on the ID.
func NewRequestID() RequestID {
	raw := strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
	return RequestID(requestIDPrefix + raw[len(raw)-12:])
}
