package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562). Used
// for worker identities, which leases record as their holder.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
