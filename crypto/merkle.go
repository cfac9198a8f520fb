package crypto

// merkle.go provides the two Merkle flavors used by the storage protocol.
//
// The replica tree summarizes a replica for transfer verification: leaves
// are double SHA-256 digests of consecutive BlockSizeRSA-byte segments, a
// level with an odd node count duplicates its last node, and the root of an
// empty replica is the zero hash. Both sides of a transfer recompute it over
// the full replica.
//
// Storage proofs use the merkletree package's tree instead, which supports
// logarithmic proofs of possession for a single segment without reading the
// whole replica on the verifier side.

import (
	"io"

	"gitlab.com/NebulousLabs/merkletree"
)

const (
	// SegmentSize is the number of bytes in each leaf segment of both Merkle
	// flavors. It equals the replica block size so that every encrypted
	// block is exactly one leaf.
	SegmentSize = BlockSizeRSA
)

// MerkleLevels builds the full replica tree bottom-up and returns every
// level, leaves first. The final level holds the single root node. An empty
// leaf set produces a single level holding the zero hash.
func MerkleLevels(leaves []Hash) [][]Hash {
	if len(leaves) == 0 {
		return [][]Hash{{{}}}
	}
	levels := [][]Hash{leaves}
	for level := leaves; len(level) > 1; {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = JoinHash(level[2*i], level[2*i+1])
		}
		levels = append(levels, next)
		level = next
	}
	return levels
}

// MerkleRoot returns the root of the replica tree over the given leaves.
func MerkleRoot(leaves []Hash) Hash {
	levels := MerkleLevels(leaves)
	return levels[len(levels)-1][0]
}

// ReaderMerkleLeaves hashes r in SegmentSize pieces and returns the leaf
// set of the replica tree. A trailing short segment is hashed as-is.
func ReaderMerkleLeaves(r io.Reader) ([]Hash, error) {
	var leaves []Hash
	buf := make([]byte, SegmentSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leaves = append(leaves, DoubleHashBytes(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return leaves, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReaderMerkleRoot returns the replica tree root of a reader.
func ReaderMerkleRoot(r io.Reader) (Hash, error) {
	leaves, err := ReaderMerkleLeaves(r)
	if err != nil {
		return Hash{}, err
	}
	return MerkleRoot(leaves), nil
}

// CalculateLeaves returns the number of leaf segments covering a replica of
// the given size.
func CalculateLeaves(replicaSize uint64) (numSegments uint64) {
	numSegments = replicaSize / SegmentSize
	if replicaSize%SegmentSize != 0 {
		numSegments++
	}
	return
}

// ReaderProofRoot returns the storage-proof root of a reader. This root
// belongs to the proof tree, not the replica tree; proofs built with
// BuildReaderProof verify against it.
func ReaderProofRoot(r io.Reader) (h Hash, err error) {
	root, err := merkletree.ReaderRoot(r, NewHash(), SegmentSize)
	if err != nil {
		return
	}
	copy(h[:], root)
	return
}

// BuildReaderProof builds a storage proof for the segment at proofIndex.
// The base segment is returned separately from the accompanying hash set.
func BuildReaderProof(r io.Reader, proofIndex uint64) (base []byte, hashSet []Hash, err error) {
	_, proofSet, _, err := merkletree.BuildReaderProof(r, NewHash(), SegmentSize, proofIndex)
	if err != nil {
		return
	}
	base = proofSet[0]
	hashSet = make([]Hash, len(proofSet)-1)
	for i, proof := range proofSet[1:] {
		copy(hashSet[i][:], proof)
	}
	return
}

// VerifySegment verifies that a segment, given the proof, is part of a
// storage-proof root.
func VerifySegment(base []byte, hashSet []Hash, numSegments, proofIndex uint64, root Hash) bool {
	proofSet := make([][]byte, len(hashSet)+1)
	proofSet[0] = base
	for i := range hashSet {
		proofSet[i+1] = hashSet[i][:]
	}
	return merkletree.VerifyProof(NewHash(), root[:], proofSet, proofIndex, numSegments)
}
