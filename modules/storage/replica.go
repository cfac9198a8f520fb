package storage

// replica.go implements the encrypted-replica pipeline. A replica is the
// fixed-block-aligned hybrid encryption of a plaintext file: every
// PlainBlockSize-byte piece of plaintext is AES-CTR encrypted under the
// replica's AES key, then textbook-RSA encrypted into exactly BlockSizeRSA
// bytes. The final piece is implicitly right-padded with zeros; the
// plaintext length is recovered from the order's file size on decryption.

import (
	"bufio"
	"io"
	"os"

	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/types"

	"gitlab.com/NebulousLabs/errors"
)

// GetCryptoReplicaSize returns the size of the replica of a plaintext file
// of the given size.
func GetCryptoReplicaSize(fileSize uint64) uint64 {
	blocks := (fileSize + crypto.PlainBlockSize - 1) / crypto.PlainBlockSize
	return blocks * crypto.BlockSizeRSA
}

// EncryptFileToReplica streams the plaintext at sourcePath through the
// hybrid pipeline into destPath. The destination is truncated first.
func EncryptFileToReplica(sourcePath, destPath string, aesKey crypto.AESKey, rsa *crypto.RSAKey) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	defer src.Close()
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	defer dst.Close()

	in := bufio.NewReader(src)
	out := bufio.NewWriter(dst)
	buf := make([]byte, crypto.PlainBlockSize)
	for blockIndex := uint64(0); ; blockIndex++ {
		n, err := io.ReadFull(in, buf)
		if n > 0 {
			block, encErr := rsa.EncryptBlock(crypto.AESCrypt(aesKey, blockIndex, buf[:n]))
			if encErr != nil {
				return errors.Extend(encErr, ErrCryptoFailed)
			}
			if _, wErr := out.Write(block); wErr != nil {
				return errors.Extend(wErr, ErrIOFailed)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return errors.Extend(err, ErrIOFailed)
		}
	}
	if err := out.Flush(); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	if err := dst.Sync(); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	return nil
}

// DecryptReplicaToFile inverts EncryptFileToReplica, writing exactly
// fileSize bytes of plaintext to destPath. The RSA key must carry its
// private part.
func DecryptReplicaToFile(replicaPath, destPath string, fileSize uint64, aesKey crypto.AESKey, rsa *crypto.RSAKey) error {
	src, err := os.Open(replicaPath)
	if err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	defer src.Close()
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	defer dst.Close()

	in := bufio.NewReader(src)
	out := bufio.NewWriter(dst)
	buf := make([]byte, crypto.BlockSizeRSA)
	remaining := fileSize
	for blockIndex := uint64(0); remaining > 0; blockIndex++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return errors.Extend(err, ErrIOFailed)
		}
		padded, decErr := rsa.DecryptBlock(buf)
		if decErr != nil {
			return errors.Extend(decErr, ErrCryptoFailed)
		}
		plain := crypto.AESCrypt(aesKey, blockIndex, padded)
		n := uint64(len(plain))
		if n > remaining {
			n = remaining
		}
		if _, err := out.Write(plain[:n]); err != nil {
			return errors.Extend(err, ErrIOFailed)
		}
		remaining -= n
	}
	if err := out.Flush(); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	if err := dst.Sync(); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	return nil
}

// BuildMerkleTreeFile computes the replica Merkle tree of replicaPath,
// writes every tree level into treePath, and returns the root. The tree
// file holds the concatenated level nodes bottom-up, leaves first.
func BuildMerkleTreeFile(replicaPath, treePath string) (crypto.Hash, error) {
	src, err := os.Open(replicaPath)
	if err != nil {
		return crypto.Hash{}, errors.Extend(err, ErrIOFailed)
	}
	defer src.Close()
	leaves, err := crypto.ReaderMerkleLeaves(bufio.NewReader(src))
	if err != nil {
		return crypto.Hash{}, errors.Extend(err, ErrIOFailed)
	}
	levels := crypto.MerkleLevels(leaves)

	dst, err := os.OpenFile(treePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return crypto.Hash{}, errors.Extend(err, ErrIOFailed)
	}
	defer dst.Close()
	out := bufio.NewWriter(dst)
	for _, level := range levels {
		for _, node := range level {
			if _, err := out.Write(node[:]); err != nil {
				return crypto.Hash{}, errors.Extend(err, ErrIOFailed)
			}
		}
	}
	if err := out.Flush(); err != nil {
		return crypto.Hash{}, errors.Extend(err, ErrIOFailed)
	}
	return levels[len(levels)-1][0], nil
}

// merkleTreeSize returns the total number of nodes written by
// BuildMerkleTreeFile for a replica of the given size, in bytes.
func merkleTreeSize(replicaSize uint64) uint64 {
	count := crypto.CalculateLeaves(replicaSize)
	if count == 0 {
		return crypto.HashSize
	}
	total := count
	for count > 1 {
		if count%2 != 0 {
			count++
		}
		count /= 2
		total += count
	}
	return total * crypto.HashSize
}

// managedCreateReplica encrypts the plaintext at sourcePath into a fresh
// allocation in the temp heap and attaches the keys to it. The allocation
// is keyed on the order's file URI.
func (sc *StorageController) managedCreateReplica(sourcePath string, order types.StorageOrder, keys types.DecryptionKeys, rsa *crypto.RSAKey) (*AllocatedFile, error) {
	replicaSize := GetCryptoReplicaSize(order.FileSize)

	sc.mu.Lock()
	// A retry for the same order replaces the stale replica copy.
	if stale := sc.tempStorageHeap.GetFile(order.FileURI); stale != nil {
		sc.tempStorageHeap.FreeAllocation(stale)
	}
	tempFile, err := sc.tempStorageHeap.AllocateFile(order.FileURI, replicaSize)
	sc.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// The heap lock is not held across the encryption of a large file.
	err = EncryptFileToReplica(sourcePath, tempFile.FullPath, keys.AESKey, rsa)
	if err != nil {
		sc.mu.Lock()
		sc.tempStorageHeap.FreeAllocation(tempFile)
		sc.mu.Unlock()
		return nil, err
	}

	sc.mu.Lock()
	err = sc.tempStorageHeap.SetDecryptionKeys(order.FileURI, keys)
	sc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return tempFile, nil
}

// managedConstructMerkleTree builds the Merkle tree of a replica using a
// scratch tree file in the temp heap. The scratch allocation is always
// freed before returning; only the root survives.
func (sc *StorageController) managedConstructMerkleTree(replicaPath string, replicaSize uint64) (crypto.Hash, error) {
	sc.mu.Lock()
	treeFile, err := sc.tempStorageHeap.AllocateFile(crypto.Hash{}, merkleTreeSize(replicaSize))
	sc.mu.Unlock()
	if err != nil {
		return crypto.Hash{}, err
	}
	defer func() {
		sc.mu.Lock()
		sc.tempStorageHeap.FreeAllocation(treeFile)
		sc.mu.Unlock()
	}()
	return BuildMerkleTreeFile(replicaPath, treeFile.FullPath)
}
