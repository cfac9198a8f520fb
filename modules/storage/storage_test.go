package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MichaelHDesigns/lux/build"
	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/encoding"
	"github.com/MichaelHDesigns/lux/modules"
	"github.com/MichaelHDesigns/lux/types"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
)

// emptyNetwork is a Network with no peers; broadcasts vanish.
type emptyNetwork struct{}

func (emptyNetwork) FindNode(types.NetAddress) modules.Peer          { return nil }
func (emptyNetwork) OpenNetworkConnection(types.NetAddress) error    { return nil }
func (emptyNetwork) Peers() []modules.Peer                           { return nil }
func (emptyNetwork) BroadcastInventory([]modules.Inv)                {}
func (emptyNetwork) GetListenPort() uint16                           { return types.DefaultDFSPort }
func (emptyNetwork) ActiveProtocol() int                             { return 1 }

// capturedMsg is one message pushed at a capturePeer.
type capturedMsg struct {
	cmd     string
	payload []byte
}

// capturePeer records every message pushed at it.
type capturePeer struct {
	mu   sync.Mutex
	addr types.NetAddress
	msgs []capturedMsg
}

func (cp *capturePeer) Addr() types.NetAddress { return cp.addr }
func (cp *capturePeer) Version() int           { return 1 }
func (cp *capturePeer) CloseConnection() error { return nil }
func (cp *capturePeer) PushMessage(cmd string, payload []byte) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.msgs = append(cp.msgs, capturedMsg{cmd: cmd, payload: payload})
	return nil
}

// messages returns a snapshot of the captured messages.
func (cp *capturePeer) messages() []capturedMsg {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]capturedMsg(nil), cp.msgs...)
}

// peerNetwork resolves every address to a single fixed peer.
type peerNetwork struct {
	peer modules.Peer
}

func (pn peerNetwork) FindNode(types.NetAddress) modules.Peer       { return pn.peer }
func (pn peerNetwork) OpenNetworkConnection(types.NetAddress) error { return nil }
func (pn peerNetwork) Peers() []modules.Peer                        { return []modules.Peer{pn.peer} }
func (pn peerNetwork) BroadcastInventory([]modules.Inv)             {}
func (pn peerNetwork) GetListenPort() uint16                        { return types.DefaultDFSPort }
func (pn peerNetwork) ActiveProtocol() int                          { return 1 }

// newBareController builds a controller with live heaps, database, and
// logger but without the worker loops, so queues can be inspected directly.
func newBareController(t *testing.T, net modules.Network) *StorageController {
	dir := build.TempDir("storage", t.Name())
	sc := &StorageController{
		network:          net,
		rate:             types.StorageMinRate,
		mapAnnouncements: make(map[crypto.Hash]types.StorageOrder),
		mapLocalFiles:    make(map[crypto.Hash]string),
		mapTimers:        make(map[crypto.Hash]*cancellableTimer),
		proposalsAgent:   newProposalsAgent(),
		handshakeAgent:   newHandshakeAgent(),
		orderTimeout:     50 * time.Millisecond,
		handshakeTimeout: 50 * time.Millisecond,
		persistDir:       dir,
	}
	sc.jobsCond = sync.NewCond(&sc.jobsMu)
	sc.handshakesCond = sync.NewCond(&sc.handshakesMu)
	if err := sc.initPersist(); err != nil {
		t.Fatal(err)
	}
	err := sc.InitStorages(filepath.Join(dir, modules.StorageDir), filepath.Join(dir, modules.StorageTempDir))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sc.db.Close()
		sc.log.Close()
	})
	return sc
}

// testFabric wires several controllers together with synchronous message
// delivery, standing in for the gossip network.
type testFabric struct {
	mu    sync.Mutex
	nodes map[types.NetAddress]*testNode
}

type testNode struct {
	fabric *testFabric
	addr   types.NetAddress
	sc     *StorageController
}

func newTestFabric() *testFabric {
	return &testFabric{nodes: make(map[types.NetAddress]*testNode)}
}

// fabricPeer is the connection between two fabric nodes, seen from local.
type fabricPeer struct {
	local  *testNode
	remote *testNode
}

func (fp *fabricPeer) Addr() types.NetAddress { return fp.remote.addr }
func (fp *fabricPeer) Version() int           { return 1 }
func (fp *fabricPeer) CloseConnection() error { return nil }
func (fp *fabricPeer) PushMessage(cmd string, payload []byte) error {
	// The receiving handler sees a peer that points back at the sender.
	fp.remote.sc.ProcessStorageMessage(&fabricPeer{local: fp.remote, remote: fp.local}, cmd, payload)
	return nil
}

// fabricNetwork is one node's view of the fabric.
type fabricNetwork struct {
	fabric *testFabric
	self   *testNode
}

func (fn *fabricNetwork) FindNode(addr types.NetAddress) modules.Peer {
	fn.fabric.mu.Lock()
	node, exists := fn.fabric.nodes[addr]
	fn.fabric.mu.Unlock()
	if !exists || node == fn.self {
		return nil
	}
	return &fabricPeer{local: fn.self, remote: node}
}

func (fn *fabricNetwork) OpenNetworkConnection(types.NetAddress) error { return nil }

func (fn *fabricNetwork) Peers() []modules.Peer {
	fn.fabric.mu.Lock()
	defer fn.fabric.mu.Unlock()
	var peers []modules.Peer
	for _, node := range fn.fabric.nodes {
		if node == fn.self {
			continue
		}
		peers = append(peers, &fabricPeer{local: fn.self, remote: node})
	}
	return peers
}

func (fn *fabricNetwork) BroadcastInventory(invs []modules.Inv) {
	// Emulate the gossip layer: peers that see a storage inventory vector
	// fetch the order and process it as a dfsannounce.
	for _, inv := range invs {
		if inv.Type != types.MsgStorageOrderAnnounce {
			continue
		}
		order, exists := fn.self.sc.GetAnnounce(inv.Hash)
		if !exists {
			continue
		}
		for _, peer := range fn.Peers() {
			fp := peer.(*fabricPeer)
			fp.remote.sc.ProcessStorageMessage(&fabricPeer{local: fp.remote, remote: fn.self}, "dfsannounce", encoding.Marshal(order))
		}
	}
}

func (fn *fabricNetwork) GetListenPort() uint16 {
	port := fn.self.addr.Port()
	if port == "" {
		return types.DefaultDFSPort
	}
	var n uint16
	for i := 0; i < len(port); i++ {
		n = n*10 + uint16(port[i]-'0')
	}
	return n
}

func (fn *fabricNetwork) ActiveProtocol() int { return 1 }

// addFabricNode creates a full controller joined to the fabric under the
// given address.
func addFabricNode(t *testing.T, fabric *testFabric, addr types.NetAddress) *testNode {
	node := &testNode{fabric: fabric, addr: addr}
	sc, err := New(&fabricNetwork{fabric: fabric, self: node}, build.TempDir("storage", t.Name(), string(addr)))
	if err != nil {
		t.Fatal(err)
	}
	node.sc = sc

	// Shorten the protocol timeouts so the scenarios run quickly.
	sc.mu.Lock()
	sc.orderTimeout = 250 * time.Millisecond
	sc.handshakeTimeout = 2 * time.Second
	sc.mu.Unlock()

	fabric.mu.Lock()
	fabric.nodes[addr] = node
	fabric.mu.Unlock()
	t.Cleanup(func() { sc.Close() })
	return node
}

// retry polls a condition until it holds or the deadline passes.
func retry(t *testing.T, tries int, sleep time.Duration, fn func() bool) {
	for i := 0; i < tries; i++ {
		if fn() {
			return
		}
		time.Sleep(sleep)
	}
	t.Fatal("condition did not hold in time")
}

// writeTestFile creates a plaintext file of the given size and returns its
// path, contents, and order.
func writeTestFile(t *testing.T, size uint64, customer types.NetAddress) (string, []byte, types.StorageOrder) {
	dir := build.TempDir("storage", t.Name()+"-plain")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "a.bin")
	data := fastrand.Bytes(int(size))
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	order := types.StorageOrder{
		Time:     types.CurrentTimestamp(),
		FileURI:  crypto.DoubleHashBytes(data),
		Filename: "a.bin",
		FileSize: size,
		MaxRate:  10,
		MaxGap:   5,
		Address:  customer,
	}
	return path, data, order
}

// TestAnnounceIdempotent checks that announcing the same order twice leaves
// a single entry equal to the order.
func TestAnnounceIdempotent(t *testing.T) {
	sc := newBareController(t, emptyNetwork{})
	path, _, order := writeTestFile(t, 100, "10.0.0.1:26016")

	if err := sc.AnnounceOrderWithFile(order, path); err != nil {
		t.Fatal(err)
	}
	if err := sc.AnnounceOrderWithFile(order, path); err != nil {
		t.Fatal(err)
	}
	orders := sc.GetAnnouncements()
	if len(orders) != 1 || orders[0] != order {
		t.Error("announcement map does not hold exactly the announced order")
	}
	got, exists := sc.GetAnnounce(order.Hash())
	if !exists || got != order {
		t.Error("GetAnnounce did not return the announced order")
	}
}

// TestCancelOrder checks the full cleanup and the second-call result.
func TestCancelOrder(t *testing.T) {
	sc := newBareController(t, emptyNetwork{})
	path, _, order := writeTestFile(t, 100, "10.0.0.1:26016")
	hash := order.Hash()

	if err := sc.AnnounceOrderWithFile(order, path); err != nil {
		t.Fatal(err)
	}
	proposal := types.StorageProposal{Time: 1, OrderHash: hash, Rate: 2, Address: "10.0.0.2:26016"}
	sc.mu.Lock()
	sc.proposalsAgent.AddProposal(proposal)
	sc.mu.Unlock()

	if !sc.CancelOrder(hash) {
		t.Fatal("cancel of an announced order returned false")
	}
	if _, exists := sc.GetAnnounce(hash); exists {
		t.Error("order survived cancellation")
	}
	if len(sc.GetProposals(hash)) != 0 {
		t.Error("proposals survived cancellation")
	}
	sc.mu.RLock()
	_, fileBound := sc.mapLocalFiles[hash]
	listening := sc.proposalsAgent.IsListening(hash)
	_, timerArmed := sc.mapTimers[hash]
	sc.mu.RUnlock()
	if fileBound || listening || timerArmed {
		t.Error("cancellation left local-file, listen, or timer state behind")
	}
	if sc.CancelOrder(hash) {
		t.Error("second cancel returned true")
	}
}

// TestClearOldAnnouncments checks the timestamp cutoff.
func TestClearOldAnnouncments(t *testing.T) {
	sc := newBareController(t, emptyNetwork{})
	pathOld, _, orderOld := writeTestFile(t, 50, "10.0.0.1:26016")
	orderOld.Time = 100
	orderNew := orderOld
	orderNew.Time = 200

	if err := sc.AnnounceOrderWithFile(orderOld, pathOld); err != nil {
		t.Fatal(err)
	}
	if err := sc.AnnounceOrder(orderNew); err != nil {
		t.Fatal(err)
	}

	sc.ClearOldAnnouncments(150)
	if _, exists := sc.GetAnnounce(orderOld.Hash()); exists {
		t.Error("old order survived the clear")
	}
	if _, exists := sc.GetAnnounce(orderNew.Hash()); !exists {
		t.Error("new order did not survive the clear")
	}
}

// TestSettingsPersistence checks that rate and max gap survive a restart of
// the controller.
func TestSettingsPersistence(t *testing.T) {
	net := emptyNetwork{}
	dir := build.TempDir("storage", t.Name())
	sc, err := New(net, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.SetRate(7); err != nil {
		t.Fatal(err)
	}
	if err := sc.SetMaxGap(3); err != nil {
		t.Fatal(err)
	}
	if err := sc.Close(); err != nil {
		t.Fatal(err)
	}

	sc, err = New(net, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()
	if sc.Rate() != 7 || sc.MaxGap() != 3 {
		t.Error("settings did not survive the restart")
	}
}

// TestReceivedDropsMatchingProposals checks that a dfsresv removes only the
// confirmed order's proposals from the pending queue.
func TestReceivedDropsMatchingProposals(t *testing.T) {
	sc := newBareController(t, emptyNetwork{})
	pathA, _, orderA := writeTestFile(t, 60, "10.0.0.1:26016")
	_, _, orderB := writeTestFile(t, 61, "10.0.0.1:26016")
	if err := sc.AnnounceOrderWithFile(orderA, pathA); err != nil {
		t.Fatal(err)
	}
	hashA, hashB := orderA.Hash(), orderB.Hash()

	mkProposal := func(orderHash crypto.Hash, rate uint64) types.StorageProposal {
		return types.StorageProposal{Time: 1, OrderHash: orderHash, Rate: rate, Address: "10.0.0.9:26016"}
	}
	a1, a2 := mkProposal(hashA, 1), mkProposal(hashA, 2)
	b1, b2 := mkProposal(hashB, 1), mkProposal(hashB, 2)
	sc.jobsMu.Lock()
	sc.qProposals = []types.StorageProposal{a1, b1, a2, b2}
	sc.jobsMu.Unlock()

	peer := &capturePeer{addr: "10.0.0.9:26016"}
	if !sc.ProcessStorageMessage(peer, "dfsresv", encoding.Marshal(hashA)) {
		t.Fatal("dfsresv was not claimed as a storage command")
	}

	sc.jobsMu.Lock()
	remaining := append([]types.StorageProposal(nil), sc.qProposals...)
	jobs := append([]jobType(nil), sc.qJobs...)
	sc.jobsMu.Unlock()
	if len(remaining) != 2 || remaining[0] != b1 || remaining[1] != b2 {
		t.Error("dfsresv did not scan-remove exactly the matching proposals:", remaining)
	}
	if len(jobs) != 1 || jobs[0] != jobAcceptProposal {
		t.Error("dfsresv did not notify ACCEPT_PROPOSAL")
	}
}

// TestStorageEndToEnd runs the happy path: announce, bid, handshake,
// replica transfer, verification, and confirmation between two full
// controllers.
func TestStorageEndToEnd(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	fabric := newTestFabric()
	keeper := addFabricNode(t, fabric, "10.0.0.2:26016")
	customer := addFabricNode(t, fabric, "10.0.0.1:26016")
	path, data, order := writeTestFile(t, 1000, customer.addr)

	if err := keeper.sc.SetRate(7); err != nil {
		t.Fatal(err)
	}
	// The keeper learns its own address through dfsping/dfspong; its bid
	// carries that address.
	retry(t, 100, 100*time.Millisecond, func() bool {
		return keeper.sc.Address() == keeper.addr
	})
	if err := customer.sc.AnnounceOrderWithFile(order, path); err != nil {
		t.Fatal(err)
	}

	// The keeper's bid arrives synchronously with the broadcast.
	proposals := customer.sc.GetProposals(order.Hash())
	if len(proposals) != 1 || proposals[0].Rate != 7 || proposals[0].Address != keeper.addr {
		t.Fatal("keeper's proposal did not reach the customer:", proposals)
	}

	// After the order timer, the workers drive handshake and transfer.
	expectedSize := GetCryptoReplicaSize(order.FileSize)
	retry(t, 300, 50*time.Millisecond, func() bool {
		chunks := keeper.sc.GetChunks(false)
		return len(chunks) == 1 && len(chunks[0].Files) == 1 &&
			chunks[0].Files[0].Size == expectedSize && chunks[0].Files[0].HasKeys
	})

	// The confirmation drained the customer's pending-proposal queue.
	retry(t, 100, 20*time.Millisecond, func() bool {
		customer.sc.jobsMu.Lock()
		defer customer.sc.jobsMu.Unlock()
		return len(customer.sc.qProposals) == 0
	})

	// The customer can reconstruct the plaintext from its replica copy.
	dest := filepath.Join(build.TempDir("storage", t.Name()+"-dest"), "out.bin")
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		t.Fatal(err)
	}
	if err := customer.sc.DecryptReplica(order.Hash(), dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decrypted replica does not match the plaintext")
	}

	// The keeper only holds the public key and cannot decrypt.
	err = keeper.sc.DecryptReplica(order.Hash(), dest+"-keeper")
	if !errors.Contains(err, ErrCryptoFailed) {
		t.Error("keeper decryption did not fail with a crypto error:", err)
	}
}

// TestStorageUndersubscribed checks that an order with no bids stops
// listening after its timer but stays announced.
func TestStorageUndersubscribed(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	fabric := newTestFabric()
	customer := addFabricNode(t, fabric, "10.0.0.1:26016")
	path, _, order := writeTestFile(t, 500, customer.addr)

	if err := customer.sc.AnnounceOrderWithFile(order, path); err != nil {
		t.Fatal(err)
	}
	hash := order.Hash()
	retry(t, 100, 50*time.Millisecond, func() bool {
		customer.sc.mu.RLock()
		defer customer.sc.mu.RUnlock()
		return !customer.sc.proposalsAgent.IsListening(hash)
	})
	if _, exists := customer.sc.GetAnnounce(hash); !exists {
		t.Error("undersubscribed order was dropped instead of kept")
	}
}

// TestStorageIPDiscovery checks that a node with no address learns it from
// a peer's dfspong.
func TestStorageIPDiscovery(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	fabric := newTestFabric()
	addFabricNode(t, fabric, "10.0.0.2:26016")
	node := addFabricNode(t, fabric, "10.0.0.1:26016")

	if node.sc.Address().IsValid() {
		t.Fatal("node started with a valid address")
	}
	retry(t, 100, 100*time.Millisecond, func() bool {
		return node.sc.Address() == node.addr
	})
}
