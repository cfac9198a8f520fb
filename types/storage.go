package types

// storage.go defines the wire objects of the distributed file storage
// protocol. All of them are immutable after creation; their hashes are
// double SHA-256 over the canonical encoding of every field in declaration
// order, so field order here is part of the protocol.

import (
	"github.com/MichaelHDesigns/lux/crypto"
)

type (
	// A StorageOrder is a customer's offer to pay for keeping a file. It is
	// announced to the gossip network and rebroadcast as inventory by every
	// node that sees it for the first time.
	StorageOrder struct {
		Time     Timestamp
		FileURI  crypto.Hash
		Filename string
		FileSize uint64
		MaxRate  uint64
		MaxGap   uint64
		Address  NetAddress
	}

	// A StorageProposal is a keeper's bid against an order.
	StorageProposal struct {
		Time      Timestamp
		OrderHash crypto.Hash
		Rate      uint64
		Address   NetAddress
	}

	// A StorageHandshake is the per-transfer token exchanged once both sides
	// have settled on a specific proposal. It gates the replica transfer.
	StorageHandshake struct {
		Time         Timestamp
		OrderHash    crypto.Hash
		ProposalHash crypto.Hash
		Port         uint16
	}

	// DecryptionKeys is the key material attached to a replica. RSAKey is a
	// PKCS#1 PEM block: the private key on the customer that generated it,
	// the public key everywhere else.
	DecryptionKeys struct {
		RSAKey []byte
		AESKey crypto.AESKey
	}

	// A ReplicaHeader opens a dfssend payload. The replica ciphertext
	// follows it on the wire as a sequence of length-prefixed chunks of at
	// most MaxReplicaChunkSize bytes.
	ReplicaHeader struct {
		OrderHash  crypto.Hash
		MerkleRoot crypto.Hash
		Keys       DecryptionKeys
	}
)

// Hash returns the order's protocol hash.
func (so StorageOrder) Hash() crypto.Hash {
	return crypto.HashObject(so)
}

// Hash returns the proposal's protocol hash.
func (sp StorageProposal) Hash() crypto.Hash {
	return crypto.HashObject(sp)
}

// Hash returns the handshake's protocol hash.
func (sh StorageHandshake) Hash() crypto.Hash {
	return crypto.HashObject(sh)
}

// PublicOnly returns a copy of the keys with the RSA private part replaced
// by its public half. The copy is what travels inside a ReplicaHeader.
func (dk DecryptionKeys) PublicOnly() (DecryptionKeys, error) {
	key, err := crypto.ParseRSAKey(dk.RSAKey)
	if err != nil {
		return DecryptionKeys{}, err
	}
	return DecryptionKeys{
		RSAKey: key.MarshalPublicPEM(),
		AESKey: dk.AESKey,
	}, nil
}
