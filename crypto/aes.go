package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"gitlab.com/NebulousLabs/fastrand"
)

const (
	// AESKeySize is the length of a replica's AES key, selecting AES-128.
	AESKeySize = 16
)

type (
	// AESKey is the symmetric half of a replica's hybrid encryption. A fresh
	// key is generated for every replica.
	AESKey [AESKeySize]byte
)

// GenerateAESKey produces a fresh random AES key.
func GenerateAESKey() (key AESKey) {
	fastrand.Read(key[:])
	return
}

// AESCrypt applies AES-128-CTR keyed on key to buf and returns the result.
// The counter is seeded with blockIndex in its high 8 bytes, so each replica
// block draws from a disjoint region of the keystream. CTR is an involution:
// applying AESCrypt to its own output with the same key and index recovers
// the input.
func AESCrypt(key AESKey, blockIndex uint64, buf []byte) []byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on invalid key sizes, and AESKey has a
		// fixed valid size.
		panic(err)
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[:8], blockIndex)
	out := make([]byte, len(buf))
	cipher.NewCTR(block, iv).XORKeyStream(out, buf)
	return out
}
