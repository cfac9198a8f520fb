package crypto

// hash.go supplies the hashing functions used across the protocol. Object
// hashes and Merkle nodes use double SHA-256, matching the rest of the lux
// wire format; single SHA-256 is exposed for callers that interoperate with
// external tooling.

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/MichaelHDesigns/lux/encoding"
)

const (
	// HashSize is the length of a Hash in bytes.
	HashSize = 32
)

type (
	// Hash is a 32-byte digest. Order hashes, proposal hashes, file URIs,
	// and Merkle nodes are all Hashes.
	Hash [HashSize]byte
)

// NewHash returns a new instance of the hash used to build Merkle proofs.
func NewHash() hash.Hash {
	return sha256.New()
}

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// DoubleHashBytes returns the double SHA-256 digest of data.
func DoubleHashBytes(data []byte) Hash {
	first := sha256.Sum256(data)
	return Hash(sha256.Sum256(first[:]))
}

// HashObject encodes an object and returns the double SHA-256 digest of the
// encoding.
func HashObject(obj interface{}) Hash {
	return DoubleHashBytes(encoding.Marshal(obj))
}

// HashAll encodes a set of objects, concatenates the encodings, and returns
// the double SHA-256 digest of the result. Protocol object hashes are
// HashAll over the object's fields in declaration order.
func HashAll(objs ...interface{}) Hash {
	return DoubleHashBytes(encoding.MarshalAll(objs...))
}

// JoinHash concatenates two hashes and hashes the result. JoinHash is the
// parent function of the replica Merkle tree.
func JoinHash(left, right Hash) Hash {
	return DoubleHashBytes(append(left[:], right[:]...))
}

// IsZero returns true if the hash is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String prints the hash in hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
