package cascade

import "github.com/google/uuid"

// NewSessionID generates a globally unique, time-sortable UUIDv7
// (RFC 9562) identifying one engine run.
func NewSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}
