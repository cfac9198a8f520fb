package storage

// workers.go holds the controller's three long-running loops and the queue
// plumbing between them. The proposal worker turns CHECK_PROPOSALS jobs into
// handshake attempts; the handshake worker turns successful handshakes into
// replica transfers; the IP loop keeps the node's own address current. All
// three exit when the thread group stops.

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/encoding"
	"github.com/MichaelHDesigns/lux/modules"
	"github.com/MichaelHDesigns/lux/types"
)

// jobType enumerates the events consumed by the proposal worker.
type jobType int

const (
	jobCheckProposals jobType = iota
	jobAcceptProposal
	jobFailHandshake
)

// handshakeEvent is the resolution of a pending handshake.
type handshakeEvent struct {
	success   bool
	handshake types.StorageHandshake
}

// notifyJob appends a job to qJobs and wakes the proposal worker.
func (sc *StorageController) notifyJob(job jobType) {
	sc.jobsMu.Lock()
	sc.qJobs = append(sc.qJobs, job)
	sc.jobsMu.Unlock()
	sc.jobsCond.Signal()
}

// pushHandshakeEvent appends an event to qHandshakes and wakes the
// handshake worker.
func (sc *StorageController) pushHandshakeEvent(ev handshakeEvent) {
	sc.handshakesMu.Lock()
	sc.qHandshakes = append(sc.qHandshakes, ev)
	sc.handshakesMu.Unlock()
	sc.handshakesCond.Signal()
}

// managedConnectToNode returns a live peer for the address, dialing it if
// necessary. The dial is retried with bounded sleeps; nil is returned when
// the peer stays unreachable or shutdown begins.
func (sc *StorageController) managedConnectToNode(addr types.NetAddress) modules.Peer {
	if peer := sc.network.FindNode(addr); peer != nil {
		return peer
	}
	for i := 0; i < connectRetries; i++ {
		if err := sc.network.OpenNetworkConnection(addr); err != nil {
			sc.log.Println("could not open connection to", addr, "-", err)
		}
		select {
		case <-sc.tg.StopChan():
			return nil
		case <-time.After(connectRetrySleep):
		}
		if peer := sc.network.FindNode(addr); peer != nil {
			return peer
		}
	}
	return nil
}

// threadedFoundMyIP probes the network for the node's own address. The node
// asks every peer once per second until one answers with a dfspong, then
// re-probes on the refresh interval.
func (sc *StorageController) threadedFoundMyIP() {
	for {
		select {
		case <-sc.tg.StopChan():
			return
		case <-time.After(time.Second):
		}

		sc.mu.RLock()
		addr := sc.address
		lastCheck := sc.lastCheckIP
		sc.mu.RUnlock()
		if addr.IsValid() && time.Since(lastCheck) < types.IPRefreshInterval {
			continue
		}

		for _, peer := range sc.network.Peers() {
			if err := peer.PushMessage("dfsping", nil); err != nil {
				sc.log.Println("could not ping peer", peer.Addr(), "-", err)
			}
		}
		sc.mu.Lock()
		sc.lastCheckIP = time.Now()
		sc.mu.Unlock()
	}
}

// threadedProcessProposalsMessages consumes qJobs. A CHECK_PROPOSALS job
// moves the sorted proposals of every listened order into qProposals;
// ACCEPT_PROPOSAL and FAIL_HANDSHAKE release the next queued proposal into
// a handshake attempt.
func (sc *StorageController) threadedProcessProposalsMessages() {
	getNext := false
	for {
		sc.jobsMu.Lock()
		for len(sc.qJobs) == 0 && !sc.shutdownThreads {
			sc.jobsCond.Wait()
		}
		if sc.shutdownThreads {
			sc.jobsMu.Unlock()
			return
		}
		job := sc.qJobs[0]
		sc.qJobs = sc.qJobs[1:]
		sc.jobsMu.Unlock()

		switch job {
		case jobCheckProposals:
			var enqueue []types.StorageProposal
			sc.mu.Lock()
			for _, orderHash := range sc.proposalsAgent.GetListenProposals() {
				sorted := sc.proposalsAgent.GetSortedProposals(orderHash)
				if len(sorted) == 0 {
					sc.proposalsAgent.StopListenProposals(orderHash)
					continue
				}
				enqueue = append(enqueue, sorted...)
				getNext = true
			}
			sc.mu.Unlock()
			if len(enqueue) > 0 {
				sc.jobsMu.Lock()
				sc.qProposals = append(sc.qProposals, enqueue...)
				sc.jobsMu.Unlock()
			}
		case jobAcceptProposal, jobFailHandshake:
			getNext = true
		}

		if !getNext {
			continue
		}
		sc.jobsMu.Lock()
		var proposal types.StorageProposal
		haveProposal := len(sc.qProposals) > 0
		if haveProposal {
			proposal = sc.qProposals[0]
			sc.qProposals = sc.qProposals[1:]
		}
		sc.jobsMu.Unlock()
		if haveProposal {
			getNext = false
			sc.managedAcceptProposal(proposal)
		}
	}
}

// managedAcceptProposal connects to the proposal's keeper and opens the
// handshake. A keeper that cannot be reached counts as a failed handshake
// so the worker advances to the next proposal.
func (sc *StorageController) managedAcceptProposal(proposal types.StorageProposal) {
	peer := sc.managedConnectToNode(proposal.Address)
	if peer == nil {
		sc.log.Println("keeper", proposal.Address, "is unreachable, skipping proposal")
		sc.notifyJob(jobFailHandshake)
		return
	}
	if err := sc.managedStartHandshake(proposal, peer); err != nil {
		sc.log.Println("could not start handshake with", proposal.Address, "-", err)
		sc.notifyJob(jobFailHandshake)
	}
}

// threadedProcessHandshakesMessages consumes qHandshakes. Failed handshakes
// advance the proposal worker; successful ones trigger the replica build
// and transfer.
func (sc *StorageController) threadedProcessHandshakesMessages() {
	for {
		sc.handshakesMu.Lock()
		for len(sc.qHandshakes) == 0 && !sc.shutdownThreads {
			sc.handshakesCond.Wait()
		}
		if sc.shutdownThreads {
			sc.handshakesMu.Unlock()
			return
		}
		ev := sc.qHandshakes[0]
		sc.qHandshakes = sc.qHandshakes[1:]
		sc.handshakesMu.Unlock()

		if ev.success {
			sc.managedSendReplica(ev.handshake)
		} else {
			sc.managedHandshakeFailed(ev.handshake)
		}
	}
}

// managedHandshakeFailed cleans up after a handshake that timed out or
// could not be serviced, dropping the keeper's connection when the peer set
// is above capacity.
func (sc *StorageController) managedHandshakeFailed(h types.StorageHandshake) {
	sc.mu.RLock()
	proposal, exists := sc.proposalsAgent.GetProposal(h.OrderHash, h.ProposalHash)
	sc.mu.RUnlock()

	if exists && len(sc.network.Peers()) > types.MaxStoragePeers {
		if peer := sc.network.FindNode(proposal.Address); peer != nil {
			peer.CloseConnection()
		}
	}
	sc.notifyJob(jobFailHandshake)
}

// managedSendReplica builds the encrypted replica for a ready keeper and
// streams it over. Fresh RSA and AES keys are generated per replica; the
// private RSA half stays attached to the customer's temp-heap copy so the
// plaintext can be reconstructed locally.
func (sc *StorageController) managedSendReplica(h types.StorageHandshake) {
	sc.mu.RLock()
	order, orderExists := sc.mapAnnouncements[h.OrderHash]
	proposal, proposalExists := sc.proposalsAgent.GetProposal(h.OrderHash, h.ProposalHash)
	path, fileExists := sc.mapLocalFiles[h.OrderHash]
	sc.mu.RUnlock()
	if !orderExists || !proposalExists || !fileExists {
		sc.log.Println("handshake for order", h.OrderHash, "references unknown state")
		sc.notifyJob(jobFailHandshake)
		return
	}

	rsa, err := crypto.GenerateRSAKey()
	if err != nil {
		sc.log.Println("could not generate replica rsa key:", err)
		sc.notifyJob(jobFailHandshake)
		return
	}
	keys := types.DecryptionKeys{
		RSAKey: rsa.MarshalPrivatePEM(),
		AESKey: crypto.GenerateAESKey(),
	}

	tempFile, err := sc.managedCreateReplica(path, order, keys, rsa)
	if err != nil {
		sc.log.Println("could not build replica for order", h.OrderHash, "-", err)
		sc.notifyJob(jobFailHandshake)
		return
	}
	abort := func() {
		sc.mu.Lock()
		sc.tempStorageHeap.FreeAllocation(tempFile)
		sc.mu.Unlock()
		sc.notifyJob(jobFailHandshake)
	}

	root, err := sc.managedConstructMerkleTree(tempFile.FullPath, tempFile.Size)
	if err != nil {
		sc.log.Println("could not build merkle tree for order", h.OrderHash, "-", err)
		abort()
		return
	}
	wireKeys, err := keys.PublicOnly()
	if err != nil {
		sc.log.Println("could not derive wire keys for order", h.OrderHash, "-", err)
		abort()
		return
	}
	payload, err := buildReplicaPayload(h.OrderHash, root, wireKeys, tempFile.FullPath)
	if err != nil {
		sc.log.Println("could not read replica for order", h.OrderHash, "-", err)
		abort()
		return
	}

	peer := sc.managedConnectToNode(proposal.Address)
	if peer == nil {
		sc.log.Println("keeper", proposal.Address, "is unreachable, dropping replica")
		abort()
		return
	}
	// Await the keeper's dfsresv under a fresh timeout. If the keeper
	// discards the replica, the timer fires and the next proposal runs. The
	// wait is armed before the send so a fast confirmation cannot race it.
	sc.managedAddHandshake(h)
	if err := peer.PushMessage("dfssend", payload); err != nil {
		sc.log.Println("could not send replica to", proposal.Address, "-", err)
		sc.managedRemoveHandshake(h.OrderHash)
		abort()
		return
	}
}

// buildReplicaPayload frames a replica for the wire: a ReplicaHeader
// followed by the ciphertext in length-prefixed chunks.
func buildReplicaPayload(orderHash, merkleRoot crypto.Hash, keys types.DecryptionKeys, replicaPath string) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := encoding.WriteObject(buf, types.ReplicaHeader{
		OrderHash:  orderHash,
		MerkleRoot: merkleRoot,
		Keys:       keys,
	})
	if err != nil {
		return nil, err
	}

	src, err := os.Open(replicaPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	chunk := make([]byte, types.MaxReplicaChunkSize)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			if _, err := encoding.WritePrefix(buf, chunk[:n]); err != nil {
				return nil, err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
