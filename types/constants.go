package types

// constants.go contains the storage protocol constants. Depending on which
// build tags are used, the constants will be initialized to different
// values.

import (
	"time"

	"github.com/MichaelHDesigns/lux/build"
)

const (
	// DefaultDFSPort is the port advertised inside handshakes for replica
	// transfer.
	DefaultDFSPort uint16 = 26016

	// StorageMinRate is the lowest rate a keeper will advertise.
	StorageMinRate uint64 = 1

	// MsgStorageOrderAnnounce is the inventory type tag used when
	// rebroadcasting a storage order to the gossip network.
	MsgStorageOrderAnnounce uint32 = 20

	// MaxReplicaChunkSize bounds the length-prefixed chunks that carry
	// replica ciphertext inside a dfssend payload.
	MaxReplicaChunkSize = 4096

	// MaxStoragePeers is the connected-peer threshold above which the
	// controller drops the connection to a counterparty once their message
	// exchange is complete.
	MaxStoragePeers = 5
)

var (
	// DefaultStorageSize is the capacity given to a freshly created chunk in
	// each of the durable and temp heaps.
	DefaultStorageSize uint64

	// OrderTimeout is how long a customer collects proposals for an
	// announced order before driving keeper selection.
	OrderTimeout time.Duration

	// HandshakeTimeout is how long a customer waits for a keeper to signal
	// ready-to-receive before advancing to the next proposal.
	HandshakeTimeout time.Duration

	// IPRefreshInterval is how often the self-address discovery loop
	// re-probes the network once a valid address is known.
	IPRefreshInterval time.Duration
)

// init checks which build constant is in place and initializes the variables
// accordingly.
func init() {
	if build.Release == "dev" {
		DefaultStorageSize = 1 << 30 // 1 GiB
		OrderTimeout = 10 * time.Second
		HandshakeTimeout = 5 * time.Second
		IPRefreshInterval = 10 * time.Minute
	} else if build.Release == "standard" {
		DefaultStorageSize = 10 << 30 // 10 GiB
		OrderTimeout = 60 * time.Second
		HandshakeTimeout = 30 * time.Second
		IPRefreshInterval = time.Hour
	} else if build.Release == "testing" {
		DefaultStorageSize = 1 << 20 // 1 MiB
		OrderTimeout = 2 * time.Second
		HandshakeTimeout = 1 * time.Second
		IPRefreshInterval = 5 * time.Second
	} else {
		panic("unrecognized build.Release: " + build.Release)
	}
}
