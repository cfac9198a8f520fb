package storage

// update.go is the inbound message dispatcher. The network layer invokes
// ProcessStorageMessage for every message; the dispatcher claims the seven
// storage commands and silently discards malformed or out-of-state
// messages, optionally scoring the sender through the misbehavior hook.
// Handlers snapshot the shared indices under the lock and perform network
// and disk work without it.

import (
	"bytes"
	"os"

	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/encoding"
	"github.com/MichaelHDesigns/lux/modules"
	"github.com/MichaelHDesigns/lux/types"
)

// maxReplicaHeaderLen bounds the length-prefixed ReplicaHeader of a dfssend
// payload. The header carries two hashes, an AES key, and a PEM block.
const maxReplicaHeaderLen = 1 << 16

// ProcessStorageMessage dispatches one inbound network message. It reports
// whether the command belonged to the storage protocol.
func (sc *StorageController) ProcessStorageMessage(peer modules.Peer, cmd string, payload []byte) bool {
	switch cmd {
	case "dfsannounce":
		sc.managedHandleAnnounce(peer, payload)
	case "dfsproposal":
		sc.managedHandleProposal(peer, payload)
	case "dfshandshake":
		sc.managedHandleHandshake(peer, payload)
	case "dfsrr":
		sc.managedHandleReadyToReceive(peer, payload)
	case "dfssend":
		sc.managedHandleSend(peer, payload)
	case "dfsresv":
		sc.managedHandleReceived(peer, payload)
	case "dfsping":
		sc.managedHandlePing(peer)
	case "dfspong":
		sc.managedHandlePong(payload)
	default:
		return false
	}
	return true
}

// managedMisbehavior reports a protocol violation to the network layer.
func (sc *StorageController) managedMisbehavior(addr types.NetAddress, score int) {
	sc.mu.RLock()
	fn := sc.misbehaviorFn
	sc.mu.RUnlock()
	if fn != nil {
		fn(addr, score)
	}
}

// managedHandleAnnounce stores a newly seen order, rebroadcasts it, and
// bids on it when the local node has room and the order's terms meet the
// keeper's pricing.
func (sc *StorageController) managedHandleAnnounce(peer modules.Peer, payload []byte) {
	var order types.StorageOrder
	if err := encoding.Unmarshal(payload, &order); err != nil {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}
	hash := order.Hash()

	sc.mu.Lock()
	_, known := sc.mapAnnouncements[hash]
	if !known {
		sc.mapAnnouncements[hash] = order
	}
	canStore := sc.storageHeap.MaxAllocateSize() > order.FileSize &&
		sc.tempStorageHeap.MaxAllocateSize() > order.FileSize
	rate := sc.rate
	maxGap := sc.maxGap
	ownAddress := sc.address
	sc.mu.Unlock()
	if known {
		return
	}

	sc.network.BroadcastInventory([]modules.Inv{{Type: types.MsgStorageOrderAnnounce, Hash: hash}})

	if !canStore || order.MaxRate < rate || order.MaxGap < maxGap {
		return
	}
	proposal := types.StorageProposal{
		Time:      types.CurrentTimestamp(),
		OrderHash: hash,
		Rate:      rate,
		Address:   ownAddress,
	}
	customer := sc.managedConnectToNode(order.Address)
	if customer == nil {
		sc.log.Println("customer", order.Address, "is unreachable, dropping proposal")
		return
	}
	if err := customer.PushMessage("dfsproposal", encoding.Marshal(proposal)); err != nil {
		sc.log.Println("could not send proposal to", order.Address, "-", err)
	}
}

// managedHandleProposal records a keeper's bid for an order the local node
// is listening to as a customer.
func (sc *StorageController) managedHandleProposal(peer modules.Peer, payload []byte) {
	var proposal types.StorageProposal
	if err := encoding.Unmarshal(payload, &proposal); err != nil {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	sc.mu.Lock()
	order, known := sc.mapAnnouncements[proposal.OrderHash]
	if known && sc.proposalsAgent.IsListening(proposal.OrderHash) && order.MaxRate > proposal.Rate {
		sc.proposalsAgent.AddProposal(proposal)
	}
	sc.mu.Unlock()
	if !known {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	// Connection capacity management: the bid is recorded, the connection
	// is only needed again once the keeper wins.
	if len(sc.network.Peers()) > types.MaxStoragePeers {
		if keeper := sc.network.FindNode(proposal.Address); keeper != nil {
			keeper.CloseConnection()
		}
	}
}

// managedHandleHandshake is the keeper side of an accept notice: if there
// is still room for the replica, the handshake is registered and the
// customer is told the keeper is ready to receive.
func (sc *StorageController) managedHandleHandshake(peer modules.Peer, payload []byte) {
	var handshake types.StorageHandshake
	if err := encoding.Unmarshal(payload, &handshake); err != nil {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	sc.mu.Lock()
	order, known := sc.mapAnnouncements[handshake.OrderHash]
	canStore := known &&
		sc.storageHeap.MaxAllocateSize() > order.FileSize &&
		sc.tempStorageHeap.MaxAllocateSize() > order.FileSize
	if canStore {
		sc.handshakeAgent.register(handshake)
	}
	sc.mu.Unlock()
	if !known {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}
	if !canStore {
		// Capacity was taken since the proposal went out. Stay silent; the
		// customer times out and advances to its next proposal.
		return
	}

	reply := types.StorageHandshake{
		Time:         types.CurrentTimestamp(),
		OrderHash:    handshake.OrderHash,
		ProposalHash: handshake.ProposalHash,
		Port:         types.DefaultDFSPort,
	}
	customer := sc.network.FindNode(order.Address)
	if customer == nil {
		sc.log.Println("dfshandshake handler has no connection to the order sender")
		return
	}
	if err := customer.PushMessage("dfsrr", encoding.Marshal(reply)); err != nil {
		sc.log.Println("could not send dfsrr to", order.Address, "-", err)
	}
}

// managedHandleReadyToReceive is the customer side of a keeper's
// ready-to-receive notice: the handshake timer is cancelled and the
// transfer is handed to the handshake worker.
func (sc *StorageController) managedHandleReadyToReceive(peer modules.Peer, payload []byte) {
	var handshake types.StorageHandshake
	if err := encoding.Unmarshal(payload, &handshake); err != nil {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	sc.mu.RLock()
	_, known := sc.mapAnnouncements[handshake.OrderHash]
	sc.mu.RUnlock()
	if !known {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	// Only a handshake that is actually being waited on may resolve; a
	// duplicate dfsrr must not trigger a second transfer.
	if !sc.managedCancelHandshakeWait(handshake.OrderHash) {
		return
	}
	sc.mu.Lock()
	sc.handshakeAgent.register(handshake)
	sc.mu.Unlock()
	sc.pushHandshakeEvent(handshakeEvent{success: true, handshake: handshake})
}

// managedHandleSend is the keeper side of the replica transfer: the stream
// is staged into the temp heap, verified by size and Merkle root, and only
// then moved into the durable heap with its keys persisted.
func (sc *StorageController) managedHandleSend(peer modules.Peer, payload []byte) {
	r := bytes.NewReader(payload)
	var header types.ReplicaHeader
	if err := encoding.ReadObject(r, maxReplicaHeaderLen, &header); err != nil {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	sc.mu.RLock()
	order, known := sc.mapAnnouncements[header.OrderHash]
	_, handshakeOK := sc.handshakeAgent.find(header.OrderHash)
	sc.mu.RUnlock()
	if !known || !handshakeOK {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}
	expectedSize := GetCryptoReplicaSize(order.FileSize)

	// Stage the stream into a scratch file.
	sc.mu.Lock()
	scratch, err := sc.tempStorageHeap.AllocateFile(crypto.Hash{}, expectedSize)
	sc.mu.Unlock()
	if err != nil {
		sc.log.Println("could not stage replica for order", header.OrderHash, "-", err)
		return
	}
	discard := func() {
		sc.mu.Lock()
		sc.tempStorageHeap.FreeAllocation(scratch)
		delete(sc.handshakeAgent.handshakes, header.OrderHash)
		sc.mu.Unlock()
	}

	received, err := writeReplicaChunks(scratch.FullPath, r)
	if err != nil {
		sc.log.Println("replica stream for order", header.OrderHash, "is malformed:", err)
		discard()
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	// Verify what was received before accepting it.
	if received != expectedSize {
		sc.log.Println("replica for order", header.OrderHash, "has wrong size:", received)
		discard()
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}
	root, err := readerMerkleRootOfFile(scratch.FullPath)
	if err != nil || root != header.MerkleRoot {
		sc.log.Println("replica for order", header.OrderHash, "failed merkle verification")
		discard()
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	// Move the verified replica into the durable heap.
	sc.mu.Lock()
	durable, err := sc.storageHeap.AllocateFile(order.FileURI, expectedSize)
	sc.mu.Unlock()
	if err != nil {
		sc.log.Println("could not store replica for order", header.OrderHash, "-", err)
		discard()
		return
	}
	if err := copyFileContents(scratch.FullPath, durable.FullPath); err != nil {
		sc.log.Println("could not move replica for order", header.OrderHash, "-", err)
		sc.mu.Lock()
		sc.storageHeap.FreeAllocation(durable)
		sc.mu.Unlock()
		discard()
		return
	}
	discard()

	sc.mu.Lock()
	err = sc.storageHeap.SetDecryptionKeys(order.FileURI, header.Keys)
	if err == nil {
		err = sc.saveAllocations()
	}
	delete(sc.handshakeAgent.handshakes, header.OrderHash)
	sc.mu.Unlock()
	if err != nil {
		sc.log.Println("could not persist replica metadata for order", header.OrderHash, "-", err)
	}

	if err := peer.PushMessage("dfsresv", encoding.Marshal(header.OrderHash)); err != nil {
		sc.log.Println("could not confirm replica for order", header.OrderHash, "-", err)
	}
}

// managedHandleReceived is the customer side of the transfer confirmation:
// the order's remaining queued proposals are dropped and the proposal
// worker advances.
func (sc *StorageController) managedHandleReceived(peer modules.Peer, payload []byte) {
	var orderHash crypto.Hash
	if err := encoding.Unmarshal(payload, &orderHash); err != nil {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}

	sc.mu.RLock()
	_, known := sc.mapAnnouncements[orderHash]
	sc.mu.RUnlock()
	if !known {
		sc.managedMisbehavior(peer.Addr(), 10)
		return
	}
	sc.managedRemoveHandshake(orderHash)

	// Remove only this order's entries from the queue; proposals for
	// unrelated in-flight orders stay queued.
	sc.jobsMu.Lock()
	kept := sc.qProposals[:0]
	for _, p := range sc.qProposals {
		if p.OrderHash != orderHash {
			kept = append(kept, p)
		}
	}
	sc.qProposals = kept
	sc.jobsMu.Unlock()

	sc.notifyJob(jobAcceptProposal)
}

// managedHandlePing answers an address probe with the sender's observed
// address.
func (sc *StorageController) managedHandlePing(peer modules.Peer) {
	if err := peer.PushMessage("dfspong", encoding.Marshal(peer.Addr())); err != nil {
		sc.log.Println("could not answer ping from", peer.Addr(), "-", err)
	}
}

// managedHandlePong records the node's own address as observed by a peer,
// combined with the local listen port.
func (sc *StorageController) managedHandlePong(payload []byte) {
	var observed types.NetAddress
	if err := encoding.Unmarshal(payload, &observed); err != nil {
		return
	}
	host := observed.Host()
	if host == "" {
		return
	}
	sc.mu.Lock()
	sc.address = types.JoinHostPort(host, sc.network.GetListenPort())
	sc.mu.Unlock()
}

// writeReplicaChunks writes a stream of length-prefixed ciphertext chunks
// to path and returns the number of bytes written.
func writeReplicaChunks(path string, r *bytes.Reader) (uint64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var total uint64
	for r.Len() > 0 {
		chunk, err := encoding.ReadPrefix(r, types.MaxReplicaChunkSize)
		if err != nil {
			return total, err
		}
		if _, err := f.Write(chunk); err != nil {
			return total, err
		}
		total += uint64(len(chunk))
	}
	return total, f.Sync()
}

// readerMerkleRootOfFile recomputes the replica Merkle root of a file.
func readerMerkleRootOfFile(path string) (crypto.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return crypto.Hash{}, err
	}
	defer f.Close()
	return crypto.ReaderMerkleRoot(f)
}

// copyFileContents copies the contents of src over dst, preserving dst's
// allocation entry.
func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}
