package storage

import (
	"time"

	"github.com/MichaelHDesigns/lux/persist"

	"gitlab.com/NebulousLabs/errors"
)

const (
	// Names of the various persistent files in the storage controller.
	dbFilename   = "storage.db"
	logFile      = "storage.log"
	settingsFile = "storage.json"

	// scratchExtension is the extension of scratch files created from the
	// wall clock: replica staging on the keeper and Merkle tree files on
	// the customer.
	scratchExtension = ".luxfs"

	// connectRetries and connectRetrySleep bound the attempts to reach a
	// peer that is not yet connected before giving up on it.
	connectRetries    = 10
	connectRetrySleep = 500 * time.Millisecond
)

var (
	// dbMetadata is the header that gets applied to the database to
	// identify a version and indicate what type of data is being stored.
	dbMetadata = persist.Metadata{
		Header:  "Lux Storage DB",
		Version: "1.0.0",
	}

	// settingsMetadata is the header that gets added to the settings file.
	settingsMetadata = persist.Metadata{
		Header:  "Lux Storage",
		Version: "1.0.0",
	}
)

// The error kinds of the storage controller. Concrete failures extend one of
// these, so callers can match with errors.Contains.
var (
	// ErrCapacityExhausted is returned when no chunk can fit an allocation.
	ErrCapacityExhausted = errors.New("no storage chunk has enough free space")

	// ErrCryptoFailed is returned when RSA or AES material cannot be
	// generated or applied.
	ErrCryptoFailed = errors.New("replica crypto operation failed")

	// ErrIOFailed is returned when a disk operation on a replica or chunk
	// fails.
	ErrIOFailed = errors.New("storage io operation failed")

	// ErrProtocolViolation is returned when a message references unknown
	// state or carries a replica that fails verification.
	ErrProtocolViolation = errors.New("storage protocol violation")

	// ErrTimeout is returned when a handshake or order wait expires.
	ErrTimeout = errors.New("storage operation timed out")

	// ErrPeerUnreachable is returned when the connect loop to a
	// counterparty is exhausted.
	ErrPeerUnreachable = errors.New("peer is unreachable")

	// errUnknownOrder is returned by lookups on orders that are not
	// announced.
	errUnknownOrder = errors.Extend(errors.New("order is not announced"), ErrProtocolViolation)
)
