package storage

// persist.go handles the controller's durable state: a settings file with
// the keeper's pricing and discovered address, and a bolt database indexing
// the durable heap's allocations and their decryption keys. The database is
// what lets DecryptReplica keep working across restarts.

import (
	"os"
	"path/filepath"

	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/encoding"
	"github.com/MichaelHDesigns/lux/persist"
	"github.com/MichaelHDesigns/lux/types"

	"gitlab.com/NebulousLabs/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAllocations = []byte("Allocations")
	bucketKeys        = []byte("DecryptionKeys")
)

// persistedAllocation is the database record of one durable allocation.
type persistedAllocation struct {
	FullPath string
	Size     uint64
}

// settings is the JSON shape of the controller's tunables.
type settings struct {
	Rate    uint64           `json:"rate"`
	MaxGap  uint64           `json:"maxgap"`
	Address types.NetAddress `json:"address"`
}

// initPersist sets up the persist directory, logger, database, and settings
// of the controller.
func (sc *StorageController) initPersist() error {
	if err := os.MkdirAll(sc.persistDir, 0700); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}

	var err error
	sc.log, err = persist.NewLogger(filepath.Join(sc.persistDir, logFile))
	if err != nil {
		return err
	}

	sc.db, err = persist.OpenDatabase(dbMetadata, filepath.Join(sc.persistDir, dbFilename))
	if err != nil {
		return err
	}
	err = sc.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAllocations, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return sc.loadSettings()
}

// loadSettings reads the settings file, keeping the defaults on first
// startup.
func (sc *StorageController) loadSettings() error {
	var s settings
	err := persist.LoadJSON(settingsMetadata, &s, filepath.Join(sc.persistDir, settingsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	sc.rate = s.Rate
	sc.maxGap = s.MaxGap
	sc.address = s.Address
	return nil
}

// saveSettings writes the settings file. The caller holds the controller
// mutex.
func (sc *StorageController) saveSettings() error {
	s := settings{
		Rate:    sc.rate,
		MaxGap:  sc.maxGap,
		Address: sc.address,
	}
	return persist.SaveJSON(settingsMetadata, s, filepath.Join(sc.persistDir, settingsFile))
}

// saveAllocations rewrites the allocation and key buckets from the durable
// heap. The caller holds the controller mutex.
func (sc *StorageController) saveAllocations() error {
	return sc.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAllocations, bucketKeys} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		allocations := tx.Bucket(bucketAllocations)
		keys := tx.Bucket(bucketKeys)
		for _, chunk := range sc.storageHeap.chunks {
			for _, f := range chunk.files {
				if f.URI.IsZero() {
					continue
				}
				record := persistedAllocation{FullPath: f.FullPath, Size: f.Size}
				if err := allocations.Put(f.URI[:], encoding.Marshal(record)); err != nil {
					return err
				}
				if f.Keys != nil {
					if err := keys.Put(f.URI[:], encoding.Marshal(*f.Keys)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// loadAllocations restores the durable heap's allocations from the
// database. Records whose backing file has vanished are dropped. The caller
// holds the controller mutex.
func (sc *StorageController) loadAllocations() error {
	var stale [][]byte
	err := sc.db.View(func(tx *bolt.Tx) error {
		allocations := tx.Bucket(bucketAllocations)
		keys := tx.Bucket(bucketKeys)
		return allocations.ForEach(func(k, v []byte) error {
			var record persistedAllocation
			if err := encoding.Unmarshal(v, &record); err != nil {
				return err
			}
			var uri crypto.Hash
			copy(uri[:], k)

			info, err := os.Stat(record.FullPath)
			if err != nil || uint64(info.Size()) != record.Size {
				sc.log.Println("dropping stale allocation record for", uri)
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}

			file := &AllocatedFile{
				URI:      uri,
				FullPath: record.FullPath,
				Size:     record.Size,
			}
			if kv := keys.Get(k); kv != nil {
				var dk types.DecryptionKeys
				if err := encoding.Unmarshal(kv, &dk); err != nil {
					return err
				}
				file.Keys = &dk
			}
			return sc.restoreAllocation(file)
		})
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	return sc.db.Update(func(tx *bolt.Tx) error {
		for _, k := range stale {
			if err := tx.Bucket(bucketAllocations).Delete(k); err != nil {
				return err
			}
			if err := tx.Bucket(bucketKeys).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// restoreAllocation re-registers a persisted allocation, preferring the
// chunk whose directory contains the backing file. An allocation moved out
// of every chunk directory is still accounted against the first chunk with
// room so its keys remain reachable.
func (sc *StorageController) restoreAllocation(file *AllocatedFile) error {
	dir := filepath.Dir(file.FullPath)
	var fallback *storageChunk
	for _, chunk := range sc.storageHeap.chunks {
		if chunk.path == dir {
			if chunk.freeSpace < file.Size {
				return errors.Extend(errors.New("persisted allocations exceed chunk capacity"), ErrCapacityExhausted)
			}
			chunk.files = append(chunk.files, file)
			chunk.freeSpace -= file.Size
			return nil
		}
		if fallback == nil && chunk.freeSpace >= file.Size {
			fallback = chunk
		}
	}
	if fallback == nil {
		sc.log.Println("allocation", file.URI, "does not fit any chunk, dropping")
		return nil
	}
	fallback.files = append(fallback.files, file)
	fallback.freeSpace -= file.Size
	return nil
}
