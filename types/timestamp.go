package types

import (
	"time"
)

type (
	// Timestamp is a Unix time in seconds.
	Timestamp uint64
)

// CurrentTimestamp returns the current time as a Timestamp.
func CurrentTimestamp() Timestamp {
	return Timestamp(time.Now().Unix())
}
