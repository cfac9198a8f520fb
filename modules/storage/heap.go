package storage

// heap.go implements the local disk-quota abstraction. A heap is an ordered
// sequence of chunks; each chunk is a directory with a fixed capacity that
// tracks the allocations living inside it. The heap performs no locking of
// its own: every caller holds the controller mutex.

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MichaelHDesigns/lux/build"
	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/modules"
	"github.com/MichaelHDesigns/lux/persist"
	"github.com/MichaelHDesigns/lux/types"

	"gitlab.com/NebulousLabs/errors"
)

type (
	// An AllocatedFile is a reservation inside a chunk. URI equals the
	// order's file URI for replica files and is zero for scratch files;
	// Keys is set once decryption keys are attached.
	AllocatedFile struct {
		URI      crypto.Hash
		FullPath string
		Size     uint64
		Keys     *types.DecryptionKeys
	}

	// A storageChunk is a directory-rooted region with a capacity. The sum
	// of the live allocation sizes never exceeds the capacity.
	storageChunk struct {
		path      string
		capacity  uint64
		freeSpace uint64
		files     []*AllocatedFile
	}

	// A storageHeap is an ordered sequence of chunks. Allocation is
	// first-fit across the sequence.
	storageHeap struct {
		chunks []*storageChunk
	}
)

// allocationName derives the on-disk filename for an allocation. Replica
// files are named after their URI in hex; scratch files are keyed on the
// current wall-clock second with a random suffix against same-second
// collisions.
func allocationName(uri crypto.Hash) string {
	if uri.IsZero() {
		return fmt.Sprintf("%d_%s%s", time.Now().Unix(), persist.RandomSuffix(), scratchExtension)
	}
	return uri.String()
}

// AddChunk registers a new backing directory with the given capacity.
func (sh *storageHeap) AddChunk(path string, capacity uint64) {
	sh.chunks = append(sh.chunks, &storageChunk{
		path:      path,
		capacity:  capacity,
		freeSpace: capacity,
		files:     nil,
	})
}

// AllocateFile reserves size bytes in the first chunk with enough free
// space and creates the backing file on disk, truncated to exactly the
// reserved size. A non-zero uri may have at most one live allocation across
// the heap.
func (sh *storageHeap) AllocateFile(uri crypto.Hash, size uint64) (*AllocatedFile, error) {
	if !uri.IsZero() && sh.GetFile(uri) != nil {
		return nil, errors.Extend(errors.New("uri already has a live allocation"), ErrIOFailed)
	}
	for _, chunk := range sh.chunks {
		if chunk.freeSpace < size {
			continue
		}
		file := &AllocatedFile{
			URI:      uri,
			FullPath: filepath.Join(chunk.path, allocationName(uri)),
			Size:     size,
		}
		f, err := os.OpenFile(file.FullPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return nil, errors.Extend(err, ErrIOFailed)
		}
		err = errors.Compose(f.Truncate(int64(size)), f.Close())
		if err != nil {
			os.Remove(file.FullPath)
			return nil, errors.Extend(err, ErrIOFailed)
		}
		chunk.files = append(chunk.files, file)
		chunk.freeSpace -= size
		return file, nil
	}
	return nil, ErrCapacityExhausted
}

// FreeFile releases the reservation with the given uri and unlinks its
// backing file.
func (sh *storageHeap) FreeFile(uri crypto.Hash) error {
	file := sh.GetFile(uri)
	if file == nil {
		return errors.New("uri has no live allocation")
	}
	return sh.FreeAllocation(file)
}

// FreeAllocation releases a specific allocation. It is the only way to free
// scratch files, which share the zero uri.
func (sh *storageHeap) FreeAllocation(file *AllocatedFile) error {
	for _, chunk := range sh.chunks {
		for i, f := range chunk.files {
			if f != file {
				continue
			}
			chunk.files = append(chunk.files[:i], chunk.files[i+1:]...)
			chunk.freeSpace += f.Size
			if chunk.freeSpace > chunk.capacity {
				build.Critical("chunk free space exceeds its capacity after free")
			}
			if err := os.Remove(f.FullPath); err != nil {
				return errors.Extend(err, ErrIOFailed)
			}
			return nil
		}
	}
	return errors.New("allocation does not belong to this heap")
}

// GetFile returns the live allocation with the given non-zero uri, or nil.
func (sh *storageHeap) GetFile(uri crypto.Hash) *AllocatedFile {
	if uri.IsZero() {
		return nil
	}
	for _, chunk := range sh.chunks {
		for _, f := range chunk.files {
			if f.URI == uri {
				return f
			}
		}
	}
	return nil
}

// SetDecryptionKeys attaches keys to an existing allocation.
func (sh *storageHeap) SetDecryptionKeys(uri crypto.Hash, keys types.DecryptionKeys) error {
	file := sh.GetFile(uri)
	if file == nil {
		return errors.New("uri has no live allocation")
	}
	file.Keys = &keys
	return nil
}

// MaxAllocateSize returns the largest single allocation the heap can
// currently satisfy.
func (sh *storageHeap) MaxAllocateSize() (max uint64) {
	for _, chunk := range sh.chunks {
		if chunk.freeSpace > max {
			max = chunk.freeSpace
		}
	}
	return
}

// MoveChunk relocates every live allocation of the chunk at the given index
// into newPath. Files are copied first, the index is swapped second, and the
// old files are unlinked last; a failed copy rolls the move back.
func (sh *storageHeap) MoveChunk(index int, newPath string) error {
	if index < 0 || index >= len(sh.chunks) {
		return errors.New("chunk index out of range")
	}
	chunk := sh.chunks[index]
	if err := os.MkdirAll(newPath, 0700); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}

	// Copy every file into the new directory.
	copied := make([]string, 0, len(chunk.files))
	for _, f := range chunk.files {
		dst := filepath.Join(newPath, filepath.Base(f.FullPath))
		if err := build.CopyFile(f.FullPath, dst); err != nil {
			for _, c := range copied {
				os.Remove(c)
			}
			return errors.Extend(err, ErrIOFailed)
		}
		copied = append(copied, dst)
	}

	// Swap the index, then unlink the old files.
	oldPaths := make([]string, len(chunk.files))
	for i, f := range chunk.files {
		oldPaths[i] = f.FullPath
		f.FullPath = filepath.Join(newPath, filepath.Base(f.FullPath))
	}
	chunk.path = newPath
	var err error
	for _, old := range oldPaths {
		err = errors.Compose(err, os.Remove(old))
	}
	if err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	return nil
}

// Info describes the heap's chunks and allocations for the facade.
func (sh *storageHeap) Info() []modules.StorageChunkInfo {
	infos := make([]modules.StorageChunkInfo, 0, len(sh.chunks))
	for _, chunk := range sh.chunks {
		info := modules.StorageChunkInfo{
			Path:      chunk.path,
			Capacity:  chunk.capacity,
			FreeSpace: chunk.freeSpace,
		}
		for _, f := range chunk.files {
			info.Files = append(info.Files, modules.AllocatedFileInfo{
				URI:      f.URI,
				FullPath: f.FullPath,
				Size:     f.Size,
				HasKeys:  f.Keys != nil,
			})
		}
		infos = append(infos, info)
	}
	return infos
}
