package crypto

import (
	"bytes"
	"testing"

	"gitlab.com/NebulousLabs/fastrand"
)

// TestMerkleRootEmpty verifies that the empty replica has the zero root.
func TestMerkleRootEmpty(t *testing.T) {
	if !MerkleRoot(nil).IsZero() {
		t.Error("empty leaf set did not produce the zero root")
	}
}

// TestMerkleRootStructure spot-checks the tree construction, including the
// duplicate-last rule for odd levels.
func TestMerkleRootStructure(t *testing.T) {
	a := DoubleHashBytes([]byte("a"))
	b := DoubleHashBytes([]byte("b"))
	c := DoubleHashBytes([]byte("c"))

	if MerkleRoot([]Hash{a}) != a {
		t.Error("single leaf is not its own root")
	}
	if MerkleRoot([]Hash{a, b}) != JoinHash(a, b) {
		t.Error("two-leaf root mismatch")
	}
	// Odd level: the last node is duplicated.
	expected := JoinHash(JoinHash(a, b), JoinHash(c, c))
	if MerkleRoot([]Hash{a, b, c}) != expected {
		t.Error("three-leaf root does not duplicate the last node")
	}
}

// TestMerkleLevels verifies the level layout written to tree files.
func TestMerkleLevels(t *testing.T) {
	a := DoubleHashBytes([]byte("a"))
	b := DoubleHashBytes([]byte("b"))
	c := DoubleHashBytes([]byte("c"))
	levels := MerkleLevels([]Hash{a, b, c})
	if len(levels) != 3 {
		t.Fatal("expected 3 levels, got", len(levels))
	}
	if len(levels[0]) != 3 || len(levels[1]) != 2 || len(levels[2]) != 1 {
		t.Error("unexpected level sizes")
	}
	if levels[2][0] != MerkleRoot([]Hash{a, b, c}) {
		t.Error("final level does not hold the root")
	}
}

// TestReaderMerkleRoot verifies determinism and segment chunking.
func TestReaderMerkleRoot(t *testing.T) {
	data := fastrand.Bytes(SegmentSize * 5)
	root1, err := ReaderMerkleRoot(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	root2, err := ReaderMerkleRoot(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if root1 != root2 {
		t.Error("root is not deterministic")
	}

	leaves, err := ReaderMerkleLeaves(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(leaves)) != CalculateLeaves(uint64(len(data))) {
		t.Error("leaf count does not match CalculateLeaves")
	}

	// Flipping one byte must change the root.
	data[17]++
	root3, err := ReaderMerkleRoot(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if root1 == root3 {
		t.Error("root did not change with the data")
	}
}

// TestCalculateLeaves probes the segment arithmetic.
func TestCalculateLeaves(t *testing.T) {
	trials := []struct {
		size   uint64
		leaves uint64
	}{
		{0, 0},
		{1, 1},
		{SegmentSize, 1},
		{SegmentSize + 1, 2},
		{10 * SegmentSize, 10},
	}
	for _, trial := range trials {
		if CalculateLeaves(trial.size) != trial.leaves {
			t.Error("wrong leaf count for size", trial.size)
		}
	}
}

// TestStorageProof verifies proof construction and verification against the
// proof root, and that verification rejects a corrupted segment.
func TestStorageProof(t *testing.T) {
	data := fastrand.Bytes(SegmentSize * 7)
	root, err := ReaderProofRoot(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	numSegments := CalculateLeaves(uint64(len(data)))
	for _, index := range []uint64{0, 3, 6} {
		base, hashSet, err := BuildReaderProof(bytes.NewReader(data), index)
		if err != nil {
			t.Fatal(err)
		}
		if !VerifySegment(base, hashSet, numSegments, index, root) {
			t.Error("valid proof rejected at index", index)
		}
		base[0]++
		if VerifySegment(base, hashSet, numSegments, index, root) {
			t.Error("corrupted proof accepted at index", index)
		}
	}
}
