package modules

import (
	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/types"
)

const (
	// StorageDir is the name of the directory that holds the durable
	// replica heap.
	StorageDir = "dfs"

	// StorageTempDir is the name of the directory that holds the scratch
	// heap used for replica staging and Merkle tree files.
	StorageTempDir = "dfstemp"
)

type (
	// AllocatedFileInfo describes one live allocation inside a chunk.
	AllocatedFileInfo struct {
		URI      crypto.Hash `json:"uri"`
		FullPath string      `json:"fullpath"`
		Size     uint64      `json:"size"`
		HasKeys  bool        `json:"haskeys"`
	}

	// StorageChunkInfo describes one chunk of a heap.
	StorageChunkInfo struct {
		Path      string              `json:"path"`
		Capacity  uint64              `json:"capacity"`
		FreeSpace uint64              `json:"freespace"`
		Files     []AllocatedFileInfo `json:"files"`
	}
)

// A StorageController coordinates the distributed file storage overlay: it
// announces orders as a customer, bids on them as a keeper, and drives
// replica transfer and verification in both roles.
type StorageController interface {
	// AnnounceOrder publishes an order observed from the network. It is
	// idempotent on the order hash.
	AnnounceOrder(order types.StorageOrder) error

	// AnnounceOrderWithFile publishes a locally originated order backed by
	// the plaintext file at path, and begins collecting proposals for it.
	AnnounceOrderWithFile(order types.StorageOrder, path string) error

	// CancelOrder withdraws an order together with its proposals, local
	// file binding, and listen flag. It returns false if the order is
	// unknown.
	CancelOrder(orderHash crypto.Hash) bool

	// ClearOldAnnouncments drops every order older than the given
	// timestamp, with the same cleanup as CancelOrder.
	ClearOldAnnouncments(timestamp types.Timestamp)

	// DecryptReplica reconstructs the plaintext of a stored replica into
	// destPath.
	DecryptReplica(orderHash crypto.Hash, destPath string) error

	// GetAnnouncements returns all currently announced orders.
	GetAnnouncements() []types.StorageOrder

	// GetAnnounce returns the announced order with the given hash.
	GetAnnounce(orderHash crypto.Hash) (types.StorageOrder, bool)

	// GetProposals returns the proposals received for an order.
	GetProposals(orderHash crypto.Hash) []types.StorageProposal

	// GetProposal returns a single proposal by order and proposal hash.
	GetProposal(orderHash, proposalHash crypto.Hash) (types.StorageProposal, bool)

	// GetChunks describes the chunks of the durable heap, or of the temp
	// heap when temp is true.
	GetChunks(temp bool) []StorageChunkInfo

	// MoveChunk relocates a chunk and every live allocation inside it to a
	// new directory.
	MoveChunk(index int, newPath string, temp bool) error

	// ProcessStorageMessage dispatches one inbound network message. It
	// reports whether the command belonged to the storage protocol.
	ProcessStorageMessage(peer Peer, cmd string, payload []byte) bool

	// Close shuts down the worker loops and releases the controller's
	// resources.
	Close() error
}
