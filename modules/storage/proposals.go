package storage

// proposals.go implements the proposals agent: the set of orders the local
// node is listening to as a customer, and the proposals received against
// them. The agent performs no locking of its own; every caller holds the
// controller mutex.

import (
	"bytes"
	"sort"

	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/types"
)

type proposalsAgent struct {
	listen    map[crypto.Hash]struct{}
	proposals map[crypto.Hash][]types.StorageProposal
}

func newProposalsAgent() proposalsAgent {
	return proposalsAgent{
		listen:    make(map[crypto.Hash]struct{}),
		proposals: make(map[crypto.Hash][]types.StorageProposal),
	}
}

// ListenProposals marks an order as accepting proposals.
func (pa *proposalsAgent) ListenProposals(orderHash crypto.Hash) {
	pa.listen[orderHash] = struct{}{}
}

// StopListenProposals stops accepting proposals for an order. Proposals
// already received are kept until erased.
func (pa *proposalsAgent) StopListenProposals(orderHash crypto.Hash) {
	delete(pa.listen, orderHash)
}

// IsListening reports whether the order accepts proposals.
func (pa *proposalsAgent) IsListening(orderHash crypto.Hash) bool {
	_, exists := pa.listen[orderHash]
	return exists
}

// GetListenProposals returns the orders currently accepting proposals.
func (pa *proposalsAgent) GetListenProposals() []crypto.Hash {
	hashes := make([]crypto.Hash, 0, len(pa.listen))
	for h := range pa.listen {
		hashes = append(hashes, h)
	}
	return hashes
}

// AddProposal stores a proposal for an order in the listen-set,
// deduplicating by proposal hash. It reports whether the proposal was
// added.
func (pa *proposalsAgent) AddProposal(p types.StorageProposal) bool {
	if !pa.IsListening(p.OrderHash) {
		return false
	}
	hash := p.Hash()
	for _, existing := range pa.proposals[p.OrderHash] {
		if existing.Hash() == hash {
			return false
		}
	}
	pa.proposals[p.OrderHash] = append(pa.proposals[p.OrderHash], p)
	return true
}

// GetProposals returns the proposals received for an order, in insertion
// order.
func (pa *proposalsAgent) GetProposals(orderHash crypto.Hash) []types.StorageProposal {
	return append([]types.StorageProposal(nil), pa.proposals[orderHash]...)
}

// GetSortedProposals returns the proposals for an order sorted by ascending
// rate. Ties break on the earliest time, then on the lexicographically
// smallest proposal hash.
func (pa *proposalsAgent) GetSortedProposals(orderHash crypto.Hash) []types.StorageProposal {
	sorted := pa.GetProposals(orderHash)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rate != sorted[j].Rate {
			return sorted[i].Rate < sorted[j].Rate
		}
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		hi, hj := sorted[i].Hash(), sorted[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
	return sorted
}

// GetProposal returns the proposal with the given hash for an order.
func (pa *proposalsAgent) GetProposal(orderHash, proposalHash crypto.Hash) (types.StorageProposal, bool) {
	for _, p := range pa.proposals[orderHash] {
		if p.Hash() == proposalHash {
			return p, true
		}
	}
	return types.StorageProposal{}, false
}

// EraseOrdersProposals drops every proposal received for an order.
func (pa *proposalsAgent) EraseOrdersProposals(orderHash crypto.Hash) {
	delete(pa.proposals, orderHash)
}
