// Package modules contains the interfaces crossed between the lux
// subsystems: the gossip-network capability consumed by the storage
// controller, and the controller surface consumed by node frontends.
package modules

import (
	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/types"
)

// An Inv is an inventory vector: a typed hash gossiped to peers, which then
// request the full object from whoever advertised it.
type Inv struct {
	Type uint32
	Hash crypto.Hash
}

// A Peer is a live connection to a remote node.
type Peer interface {
	// Addr returns the remote end of the connection.
	Addr() types.NetAddress

	// Version returns the protocol version negotiated with the peer.
	Version() int

	// PushMessage sends a command and its serialized payload to the peer.
	PushMessage(cmd string, payload []byte) error

	// CloseConnection drops the connection to the peer.
	CloseConnection() error
}

// A Network is the peer-to-peer messaging substrate the storage controller
// rides on. The controller never dials sockets itself; it asks the network
// for peers and pushes framed messages at them.
type Network interface {
	// FindNode returns the live peer with the given address, or nil if no
	// such connection exists.
	FindNode(addr types.NetAddress) Peer

	// OpenNetworkConnection asynchronously attempts an outbound connection
	// to the given address.
	OpenNetworkConnection(addr types.NetAddress) error

	// Peers returns the set of currently connected peers.
	Peers() []Peer

	// BroadcastInventory relays inventory vectors to every connected peer
	// running at least the active protocol version.
	BroadcastInventory(invs []Inv)

	// GetListenPort returns the local inbound port.
	GetListenPort() uint16

	// ActiveProtocol returns the minimum protocol version messages are
	// broadcast to.
	ActiveProtocol() int
}
