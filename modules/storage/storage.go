// Package storage implements the distributed file storage controller. A
// customer announces an order for a file, keepers bid on it, and the
// customer drives the winning bids through handshake, encrypted replica
// transfer, and Merkle verification. The controller plugs into the gossip
// network through the modules.Network capability and owns the local disk
// quota for replicas.
package storage

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/modules"
	"github.com/MichaelHDesigns/lux/persist"
	luxsync "github.com/MichaelHDesigns/lux/sync"
	"github.com/MichaelHDesigns/lux/types"

	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"
)

// A StorageController coordinates the storage overlay for one node. One
// long-lived controller exists per node; callers thread it as an explicit
// handle.
type StorageController struct {
	// Dependencies.
	network modules.Network

	// Node identity and keeper pricing, protected by mu.
	address     types.NetAddress
	lastCheckIP time.Time
	rate        uint64
	maxGap      uint64

	// Shared indices, protected by mu.
	storageHeap      *storageHeap
	tempStorageHeap  *storageHeap
	mapAnnouncements map[crypto.Hash]types.StorageOrder
	mapLocalFiles    map[crypto.Hash]string
	mapTimers        map[crypto.Hash]*cancellableTimer
	proposalsAgent   proposalsAgent
	handshakeAgent   handshakeAgent

	// The proposal-processing queue pair, protected by jobsMu. qProposals
	// holds accepted proposals still to be driven through handshake.
	jobsMu     sync.Mutex
	jobsCond   *sync.Cond
	qJobs      []jobType
	qProposals []types.StorageProposal

	// The handshake-event queue, protected by handshakesMu.
	handshakesMu   sync.Mutex
	handshakesCond *sync.Cond
	qHandshakes    []handshakeEvent

	// shutdownThreads is written under both queue mutexes so that a worker
	// holding either mutex observes it before waiting.
	shutdownThreads bool

	// Timeouts, set from the protocol constants; tests shorten them.
	orderTimeout     time.Duration
	handshakeTimeout time.Duration

	// misbehaviorFn, when set, is invoked for protocol violations so the
	// network layer can score the offending peer.
	misbehaviorFn func(types.NetAddress, int)

	// Utilities.
	db         *persist.BoltDatabase
	log        *persist.Logger
	persistDir string
	mu         demotemutex.DemoteMutex
	tg         luxsync.ThreadGroup
}

// New creates a storage controller rooted at persistDir, restores its
// durable state, and launches the worker loops.
func New(network modules.Network, persistDir string) (*StorageController, error) {
	sc := &StorageController{
		network:          network,
		rate:             types.StorageMinRate,
		maxGap:           0,
		mapAnnouncements: make(map[crypto.Hash]types.StorageOrder),
		mapLocalFiles:    make(map[crypto.Hash]string),
		mapTimers:        make(map[crypto.Hash]*cancellableTimer),
		proposalsAgent:   newProposalsAgent(),
		handshakeAgent:   newHandshakeAgent(),
		orderTimeout:     types.OrderTimeout,
		handshakeTimeout: types.HandshakeTimeout,
		persistDir:       persistDir,
	}
	sc.jobsCond = sync.NewCond(&sc.jobsMu)
	sc.handshakesCond = sync.NewCond(&sc.handshakesMu)

	if err := sc.initPersist(); err != nil {
		return nil, err
	}
	if err := sc.InitStorages(filepath.Join(persistDir, modules.StorageDir), filepath.Join(persistDir, modules.StorageTempDir)); err != nil {
		return nil, err
	}

	// Launch the worker loops.
	for _, loop := range []func(){
		sc.threadedFoundMyIP,
		sc.threadedProcessProposalsMessages,
		sc.threadedProcessHandshakesMessages,
	} {
		if err := sc.tg.Add(); err != nil {
			return nil, err
		}
		go func(fn func()) {
			defer sc.tg.Done()
			fn()
		}(loop)
	}

	// Wake the queue workers during Stop, and cancel outstanding timers
	// once every worker has returned.
	sc.tg.BeforeStop(func() {
		sc.jobsMu.Lock()
		sc.handshakesMu.Lock()
		sc.shutdownThreads = true
		sc.handshakesMu.Unlock()
		sc.jobsMu.Unlock()
		sc.jobsCond.Broadcast()
		sc.handshakesCond.Broadcast()
	})
	sc.tg.AfterStop(func() {
		sc.mu.Lock()
		timers := make([]*cancellableTimer, 0, len(sc.mapTimers))
		for _, t := range sc.mapTimers {
			timers = append(timers, t)
		}
		sc.mapTimers = make(map[crypto.Hash]*cancellableTimer)
		for hash := range sc.handshakeAgent.timers {
			timers = append(timers, sc.handshakeAgent.timers[hash])
		}
		sc.handshakeAgent.timers = make(map[crypto.Hash]*cancellableTimer)
		sc.mu.Unlock()
		for _, t := range timers {
			t.Cancel()
		}

		if err := sc.db.Close(); err != nil {
			sc.log.Println("ERROR: could not close the storage database:", err)
		}
		if err := sc.log.Close(); err != nil {
			// The logger is gone; stderr is all that is left.
			os.Stderr.WriteString("could not close the storage log: " + err.Error() + "\n")
		}
	})
	return sc, nil
}

// InitStorages registers the default chunk of each heap. The temp heap is
// scratch space; any files left over from a previous run are discarded.
func (sc *StorageController) InitStorages(dataDir, tempDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	if err := os.RemoveAll(tempDir); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	if err := os.MkdirAll(tempDir, 0700); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.storageHeap = &storageHeap{}
	sc.storageHeap.AddChunk(dataDir, types.DefaultStorageSize)
	sc.tempStorageHeap = &storageHeap{}
	sc.tempStorageHeap.AddChunk(tempDir, types.DefaultStorageSize)
	return sc.loadAllocations()
}

// Close shuts down the worker loops and releases the controller's
// resources. Close is the facade's StopThreads.
func (sc *StorageController) Close() error {
	return sc.tg.Stop()
}

// SetMisbehaviorHook installs a callback invoked with the address and score
// of peers that send protocol-violating messages.
func (sc *StorageController) SetMisbehaviorHook(fn func(types.NetAddress, int)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.misbehaviorFn = fn
}

// AnnounceOrder records an order and rebroadcasts it to the network as
// inventory. Announcing the same order twice leaves a single entry.
func (sc *StorageController) AnnounceOrder(order types.StorageOrder) error {
	hash := order.Hash()
	sc.mu.Lock()
	sc.mapAnnouncements[hash] = order
	sc.mu.Unlock()

	// The broadcast happens without the lock.
	sc.network.BroadcastInventory([]modules.Inv{{Type: types.MsgStorageOrderAnnounce, Hash: hash}})
	sc.CreateOrderTransaction(order)
	return nil
}

// AnnounceOrderWithFile records a locally originated order backed by the
// plaintext at path, starts collecting proposals for it, and arms the order
// expiry timer.
func (sc *StorageController) AnnounceOrderWithFile(order types.StorageOrder, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Extend(err, ErrIOFailed)
	}
	hash := order.Hash()

	// The listen flag and expiry timer must be in place before the order is
	// broadcast, or a fast keeper's proposal would be dropped.
	sc.mu.Lock()
	sc.mapAnnouncements[hash] = order
	sc.mapLocalFiles[hash] = path
	sc.proposalsAgent.ListenProposals(hash)
	if _, exists := sc.mapTimers[hash]; !exists {
		sc.mapTimers[hash] = newCancellableTimer(sc.orderTimeout, func() {
			sc.managedOrderTimeout(hash)
		})
	}
	sc.mu.Unlock()

	sc.network.BroadcastInventory([]modules.Inv{{Type: types.MsgStorageOrderAnnounce, Hash: hash}})
	sc.CreateOrderTransaction(order)
	return nil
}

// managedOrderTimeout fires when an order's proposal-collection window
// closes, handing the order to the proposal worker.
func (sc *StorageController) managedOrderTimeout(orderHash crypto.Hash) {
	sc.mu.Lock()
	delete(sc.mapTimers, orderHash)
	sc.mu.Unlock()
	sc.notifyJob(jobCheckProposals)
}

// CancelOrder withdraws an order along with its proposals, listen flag, and
// local-file binding. It returns false if the order is unknown.
func (sc *StorageController) CancelOrder(orderHash crypto.Hash) bool {
	sc.mu.Lock()
	_, exists := sc.mapAnnouncements[orderHash]
	var timer *cancellableTimer
	if exists {
		delete(sc.mapAnnouncements, orderHash)
		delete(sc.mapLocalFiles, orderHash)
		sc.proposalsAgent.StopListenProposals(orderHash)
		sc.proposalsAgent.EraseOrdersProposals(orderHash)
		timer = sc.mapTimers[orderHash]
		delete(sc.mapTimers, orderHash)
	}
	sc.mu.Unlock()
	if timer != nil {
		timer.Cancel()
	}
	return exists
}

// ClearOldAnnouncments drops every order older than the given timestamp,
// with the same cleanup as CancelOrder.
func (sc *StorageController) ClearOldAnnouncments(timestamp types.Timestamp) {
	sc.mu.Lock()
	var timers []*cancellableTimer
	for hash, order := range sc.mapAnnouncements {
		if order.Time >= timestamp {
			continue
		}
		delete(sc.mapAnnouncements, hash)
		delete(sc.mapLocalFiles, hash)
		sc.proposalsAgent.StopListenProposals(hash)
		sc.proposalsAgent.EraseOrdersProposals(hash)
		if timer, exists := sc.mapTimers[hash]; exists {
			timers = append(timers, timer)
			delete(sc.mapTimers, hash)
		}
	}
	sc.mu.Unlock()
	for _, timer := range timers {
		timer.Cancel()
	}
}

// DecryptReplica reconstructs the plaintext of the replica stored for an
// order into destPath. It works wherever the replica bytes and a private
// RSA key are both on record: on a keeper only if it generated the keys,
// and on the customer for replicas it built.
func (sc *StorageController) DecryptReplica(orderHash crypto.Hash, destPath string) error {
	sc.mu.RLock()
	order, exists := sc.mapAnnouncements[orderHash]
	var file *AllocatedFile
	if exists {
		file = sc.storageHeap.GetFile(order.FileURI)
		if file == nil {
			file = sc.tempStorageHeap.GetFile(order.FileURI)
		}
	}
	var keys *types.DecryptionKeys
	if file != nil {
		keys = file.Keys
	}
	sc.mu.RUnlock()

	if !exists {
		return errUnknownOrder
	}
	if file == nil {
		return errors.Extend(errors.New("no replica stored for order"), ErrIOFailed)
	}
	if keys == nil {
		return errors.Extend(errors.New("no decryption keys stored for replica"), ErrCryptoFailed)
	}
	rsa, err := crypto.ParseRSAKey(keys.RSAKey)
	if err != nil {
		return errors.Extend(err, ErrCryptoFailed)
	}
	return DecryptReplicaToFile(file.FullPath, destPath, order.FileSize, keys.AESKey, rsa)
}

// GetAnnouncements returns all currently announced orders.
func (sc *StorageController) GetAnnouncements() []types.StorageOrder {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	orders := make([]types.StorageOrder, 0, len(sc.mapAnnouncements))
	for _, order := range sc.mapAnnouncements {
		orders = append(orders, order)
	}
	return orders
}

// GetAnnounce returns the announced order with the given hash.
func (sc *StorageController) GetAnnounce(orderHash crypto.Hash) (types.StorageOrder, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	order, exists := sc.mapAnnouncements[orderHash]
	return order, exists
}

// GetProposals returns the proposals received for an order.
func (sc *StorageController) GetProposals(orderHash crypto.Hash) []types.StorageProposal {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.proposalsAgent.GetProposals(orderHash)
}

// GetProposal returns a single proposal by order and proposal hash.
func (sc *StorageController) GetProposal(orderHash, proposalHash crypto.Hash) (types.StorageProposal, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.proposalsAgent.GetProposal(orderHash, proposalHash)
}

// GetChunks describes the chunks of the durable heap, or of the temp heap
// when temp is true.
func (sc *StorageController) GetChunks(temp bool) []modules.StorageChunkInfo {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if temp {
		return sc.tempStorageHeap.Info()
	}
	return sc.storageHeap.Info()
}

// MoveChunk relocates a chunk of the selected heap and every live
// allocation inside it to a new directory.
func (sc *StorageController) MoveChunk(index int, newPath string, temp bool) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	heap := sc.storageHeap
	if temp {
		heap = sc.tempStorageHeap
	}
	if err := heap.MoveChunk(index, newPath); err != nil {
		return err
	}
	if !temp {
		return sc.saveAllocations()
	}
	return nil
}

// Rate returns the keeper's advertised storage rate.
func (sc *StorageController) Rate() uint64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.rate
}

// SetRate updates the keeper's advertised storage rate.
func (sc *StorageController) SetRate(rate uint64) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if rate < types.StorageMinRate {
		return errors.New("rate is below the protocol minimum")
	}
	sc.rate = rate
	return sc.saveSettings()
}

// MaxGap returns the keeper's accepted freshness bound in blocks.
func (sc *StorageController) MaxGap() uint64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.maxGap
}

// SetMaxGap updates the keeper's accepted freshness bound.
func (sc *StorageController) SetMaxGap(maxGap uint64) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.maxGap = maxGap
	return sc.saveSettings()
}

// Address returns the node's own discovered network address.
func (sc *StorageController) Address() types.NetAddress {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.address
}

// BuildReplicaProof builds a storage proof for one segment of the replica
// stored for an order: the raw segment, the accompanying hash set, the
// proof root, and the total segment count.
func (sc *StorageController) BuildReplicaProof(orderHash crypto.Hash, segmentIndex uint64) (base []byte, hashSet []crypto.Hash, root crypto.Hash, numSegments uint64, err error) {
	sc.mu.RLock()
	order, exists := sc.mapAnnouncements[orderHash]
	var file *AllocatedFile
	if exists {
		file = sc.storageHeap.GetFile(order.FileURI)
	}
	sc.mu.RUnlock()

	if !exists {
		err = errUnknownOrder
		return
	}
	if file == nil {
		err = errors.Extend(errors.New("no replica stored for order"), ErrIOFailed)
		return
	}

	f, err := os.Open(file.FullPath)
	if err != nil {
		err = errors.Extend(err, ErrIOFailed)
		return
	}
	defer f.Close()
	root, err = crypto.ReaderProofRoot(f)
	if err != nil {
		err = errors.Extend(err, ErrIOFailed)
		return
	}
	if _, err = f.Seek(0, 0); err != nil {
		err = errors.Extend(err, ErrIOFailed)
		return
	}
	base, hashSet, err = crypto.BuildReaderProof(f, segmentIndex)
	if err != nil {
		err = errors.Extend(err, ErrIOFailed)
		return
	}
	numSegments = crypto.CalculateLeaves(file.Size)
	return
}

// VerifyReplicaProof checks a storage proof against a proof root.
func VerifyReplicaProof(base []byte, hashSet []crypto.Hash, numSegments, segmentIndex uint64, root crypto.Hash) bool {
	return crypto.VerifySegment(base, hashSet, numSegments, segmentIndex, root)
}

// CreateOrderTransaction is the extension point for committing an announced
// order to the chain. It does nothing until a chain collaborator exists.
func (sc *StorageController) CreateOrderTransaction(order types.StorageOrder) {
}

// CreateProofTransaction is the extension point for submitting a storage
// proof to the chain. It does nothing until a chain collaborator exists.
func (sc *StorageController) CreateProofTransaction(orderHash crypto.Hash, segmentIndex uint64) {
}
