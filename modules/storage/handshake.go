package storage

// handshake.go implements the handshake agent. The agent tracks the
// registry of received handshakes and, for handshakes the local node is
// waiting on as a customer, a per-handshake cancellable timer. A timer that
// fires removes the handshake and pushes a failure event into the handshake
// queue; a dfsrr arriving in time cancels the timer through CancelWait.

import (
	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/encoding"
	"github.com/MichaelHDesigns/lux/modules"
	"github.com/MichaelHDesigns/lux/types"

	"gitlab.com/NebulousLabs/errors"
)

// handshakeAgent holds the handshake registry and the pending-wait timers.
// The maps are guarded by the controller mutex; only the managed methods on
// the controller may be called without it.
type handshakeAgent struct {
	handshakes map[crypto.Hash]types.StorageHandshake
	timers     map[crypto.Hash]*cancellableTimer
}

func newHandshakeAgent() handshakeAgent {
	return handshakeAgent{
		handshakes: make(map[crypto.Hash]types.StorageHandshake),
		timers:     make(map[crypto.Hash]*cancellableTimer),
	}
}

// register stores a handshake in the registry without a timer. The caller
// holds the controller mutex.
func (ha *handshakeAgent) register(h types.StorageHandshake) {
	ha.handshakes[h.OrderHash] = h
}

// find returns the registered handshake for an order. The caller holds the
// controller mutex.
func (ha *handshakeAgent) find(orderHash crypto.Hash) (types.StorageHandshake, bool) {
	h, exists := ha.handshakes[orderHash]
	return h, exists
}

// remove drops the handshake and any pending timer for an order, returning
// the timer so the caller can cancel it outside the lock. The caller holds
// the controller mutex.
func (ha *handshakeAgent) remove(orderHash crypto.Hash) *cancellableTimer {
	delete(ha.handshakes, orderHash)
	timer := ha.timers[orderHash]
	delete(ha.timers, orderHash)
	return timer
}

// managedAddHandshake registers a handshake and starts its timeout. If the
// timer fires before CancelWait, the handshake is removed and a failure
// event enters the handshake queue.
func (sc *StorageController) managedAddHandshake(h types.StorageHandshake) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.handshakeAgent.register(h)
	sc.handshakeAgent.timers[h.OrderHash] = newCancellableTimer(sc.handshakeTimeout, func() {
		sc.managedHandshakeTimeout(h.OrderHash)
	})
}

// managedHandshakeTimeout is the timer callback for a pending handshake.
func (sc *StorageController) managedHandshakeTimeout(orderHash crypto.Hash) {
	sc.mu.Lock()
	h, exists := sc.handshakeAgent.handshakes[orderHash]
	if exists {
		delete(sc.handshakeAgent.handshakes, orderHash)
		delete(sc.handshakeAgent.timers, orderHash)
	}
	sc.mu.Unlock()
	if exists {
		sc.pushHandshakeEvent(handshakeEvent{success: false, handshake: h})
	}
}

// managedCancelHandshakeWait stops the timeout of a pending handshake while
// keeping the handshake registered. It reports whether a wait was pending.
func (sc *StorageController) managedCancelHandshakeWait(orderHash crypto.Hash) bool {
	sc.mu.Lock()
	timer, exists := sc.handshakeAgent.timers[orderHash]
	delete(sc.handshakeAgent.timers, orderHash)
	sc.mu.Unlock()
	// Cancelling outside the lock: the timer callback acquires the
	// controller mutex.
	if exists {
		timer.Cancel()
	}
	return exists
}

// managedRemoveHandshake drops a handshake and cancels any pending wait.
func (sc *StorageController) managedRemoveHandshake(orderHash crypto.Hash) {
	sc.mu.Lock()
	timer := sc.handshakeAgent.remove(orderHash)
	sc.mu.Unlock()
	if timer != nil {
		timer.Cancel()
	}
}

// managedStartHandshake opens the handshake for an accepted proposal: it
// registers a pending wait and pushes dfshandshake at the keeper. On a send
// failure the pending wait is rolled back.
func (sc *StorageController) managedStartHandshake(proposal types.StorageProposal, peer modules.Peer) error {
	handshake := types.StorageHandshake{
		Time:         types.CurrentTimestamp(),
		OrderHash:    proposal.OrderHash,
		ProposalHash: proposal.Hash(),
		Port:         types.DefaultDFSPort,
	}
	sc.managedAddHandshake(handshake)
	err := peer.PushMessage("dfshandshake", encoding.Marshal(handshake))
	if err != nil {
		sc.managedRemoveHandshake(handshake.OrderHash)
		return errors.Extend(err, ErrPeerUnreachable)
	}
	return nil
}
