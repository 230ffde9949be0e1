package netsync

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsyncd/btcsyncd/headerdb"
	"github.com/btcsyncd/btcsyncd/peer"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// penaltyRecord captures one Penalize callback invocation.
type penaltyRecord struct {
	peerID int32
	score  uint32
	reason string
}

// penaltyLog is a thread-safe recorder for Penalize callbacks.
type penaltyLog struct {
	mtx     sync.Mutex
	records []penaltyRecord
}

func (l *penaltyLog) record(p *peer.Peer, score uint32, reason string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.records = append(l.records, penaltyRecord{
		peerID: p.ID(),
		score:  score,
		reason: reason,
	})
}

// totalFor returns the accumulated score for the given peer id.
func (l *penaltyLog) totalFor(id int32) uint32 {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	var total uint32
	for _, rec := range l.records {
		if rec.peerID == id {
			total += rec.score
		}
	}
	return total
}

func (l *penaltyLog) count() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	return len(l.records)
}

// testHarness bundles a running sync manager with its collaborators.
type testHarness struct {
	t         *testing.T
	sm        *SyncManager
	store     *headerdb.Store
	kernel    *StubKernel
	sweep     *ticker.Force
	penalties *penaltyLog
}

// newTestHarness starts a sync manager backed by a fresh header store and a
// stub kernel.  The sweep ticker only fires when the test forces it.
func newTestHarness(t *testing.T, params *chaincfg.Params,
	mod func(*Config)) *testHarness {

	t.Helper()

	if params == nil {
		params = &chaincfg.SimNetParams
	}

	store, err := headerdb.Open(
		filepath.Join(t.TempDir(), "headers.db"), params,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	kernel := NewStubKernel(*params.GenesisHash)
	sweep := ticker.NewForce(time.Hour)
	penalties := &penaltyLog{}

	cfg := Config{
		ChainParams: params,
		Headers:     store,
		Kernel:      kernel,
		Penalize:    penalties.record,
		SweepTicker: sweep,
	}
	if mod != nil {
		mod(&cfg)
	}

	sm, err := New(&cfg)
	require.NoError(t, err)
	sm.Start()
	t.Cleanup(func() {
		sm.Stop()
	})

	return &testHarness{
		t:         t,
		sm:        sm,
		store:     store,
		kernel:    kernel,
		sweep:     sweep,
		penalties: penalties,
	}
}

// barrier round trips a state request through the event loop, guaranteeing
// every previously queued event has been handled before it returns.
func (h *testHarness) barrier() SyncState {
	return h.sm.SyncState()
}

// forceSweep fires the timeout sweep and waits for it to be handled.
func (h *testHarness) forceSweep() {
	h.sweep.Force <- time.Now()
	h.barrier()
}

// sendBlock queues one block body from the given chain and waits until the
// event loop has processed it.
func (h *testHarness) sendBlock(c *testChain, i int, p *peer.Peer) {
	done := make(chan struct{}, 1)
	h.sm.QueueBlock(c.blocks[i], c.raw[i], p, done)
	<-done
}

// syncHeaders drives the full header sync against the given peer: register
// it, feed it the chain's headers in one batch, then confirm completion with
// an empty response.
func (h *testHarness) syncHeaders(p *peer.Peer, c *testChain) {
	h.t.Helper()

	h.sm.NewPeer(p)
	h.sm.QueueHeaders(headersMessage(c.headers...), p)
	h.sm.QueueHeaders(wire.NewMsgHeaders(), p)

	state := h.barrier()
	require.Equal(h.t, PhaseComplete, state.Phase)
}

var testPeerCounter uint32

// newTestPeer returns an unconnected outbound peer advertising the given
// height.  Message pushes on it are silently dropped, which is all the sync
// manager tests need.
func newTestPeer(t *testing.T, height int32) *peer.Peer {
	t.Helper()

	n := atomic.AddUint32(&testPeerCounter, 1)
	p, err := peer.NewOutboundPeer(&peer.Config{
		UserAgentName:    "synctest",
		UserAgentVersion: "1.0.0",
		ChainParams:      &chaincfg.SimNetParams,
		Services:         wire.SFNodeNetwork,
	}, fmt.Sprintf("10.13.0.%d:18555", n%250+1))
	require.NoError(t, err)

	if height > 0 {
		p.UpdateLastBlockHeight(height)
	}
	return p
}

// testChain is a linked chain of headers with matching empty block bodies.
type testChain struct {
	headers []*wire.BlockHeader
	blocks  []*wire.MsgBlock
	raw     [][]byte
	hashes  []chainhash.Hash
}

// makeTestChain builds count headers connecting to prevHash along with
// serialized zero-transaction bodies.  The salt makes chains built from the
// same parent distinct.
func makeTestChain(t *testing.T, prevHash chainhash.Hash, count int,
	salt byte) *testChain {

	t.Helper()

	c := &testChain{
		headers: make([]*wire.BlockHeader, count),
		blocks:  make([]*wire.MsgBlock, count),
		raw:     make([][]byte, count),
		hashes:  make([]chainhash.Hash, count),
	}
	ts := time.Unix(1401292357, 0)
	for i := 0; i < count; i++ {
		header := &wire.BlockHeader{
			Version:   1,
			PrevBlock: prevHash,
			Timestamp: ts.Add(time.Duration(i) * 10 * time.Minute),
			Bits:      chaincfg.SimNetParams.GenesisBlock.Header.Bits,
			Nonce:     uint32(i),
		}
		header.MerkleRoot[0] = byte(i)
		header.MerkleRoot[1] = byte(i >> 8)
		header.MerkleRoot[2] = salt

		block := wire.NewMsgBlock(header)
		var buf bytes.Buffer
		err := block.BtcEncode(&buf, wire.ProtocolVersion,
			wire.BaseEncoding)
		require.NoError(t, err)

		c.headers[i] = header
		c.blocks[i] = block
		c.raw[i] = buf.Bytes()
		c.hashes[i] = header.BlockHash()
		prevHash = c.hashes[i]
	}
	return c
}

func headersMessage(headers ...*wire.BlockHeader) *wire.MsgHeaders {
	msg := wire.NewMsgHeaders()
	for _, header := range headers {
		_ = msg.AddBlockHeader(header)
	}
	return msg
}

// TestInitialSyncFromGenesis walks the happy path from an empty header store:
// peer registration, header download, completion on an empty response, block
// download, and in-order delivery to the kernel.
func TestInitialSyncFromGenesis(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 5, 0)
	p := newTestPeer(t, 5)

	require.False(t, h.sm.IsCurrent())

	h.sm.NewPeer(p)
	state := h.barrier()
	require.Equal(t, PhaseAwaitingHeaders, state.Phase)
	require.Equal(t, p.ID(), state.SyncPeerID)
	require.Equal(t, int32(5), state.BestKnownHeight)

	h.sm.QueueHeaders(headersMessage(chain.headers...), p)
	state = h.barrier()
	require.Equal(t, PhaseAwaitingHeaders, state.Phase)
	_, tipHeight := h.store.Tip()
	require.Equal(t, int32(5), tipHeight)

	h.sm.QueueHeaders(wire.NewMsgHeaders(), p)
	state = h.barrier()
	require.Equal(t, PhaseComplete, state.Phase)

	// Serve the bodies in order.
	for i := 0; i < 5; i++ {
		h.sendBlock(chain, i, p)
	}

	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 5
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, chain.hashes, h.kernel.Submitted())
	require.True(t, h.sm.IsCurrent())
	require.Zero(t, h.penalties.count())
}

// TestOrderedDeliveryOutOfOrderArrival buffers bodies that arrive ahead of an
// earlier missing height and only releases them, in ascending order, once the
// gap is filled.
func TestOrderedDeliveryOutOfOrderArrival(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 6, 0)
	p := newTestPeer(t, 6)
	h.syncHeaders(p, chain)

	// Heights 1-4 are in flight (per-peer window).  Deliver 3 and 2
	// first: both must be buffered, nothing submitted.
	h.sendBlock(chain, 2, p)
	h.sendBlock(chain, 1, p)
	h.barrier()
	require.Empty(t, h.kernel.Submitted())

	// Height 1 fills the gap and releases 1, 2, 3 in order, which frees
	// window capacity for 5 and 6.
	h.sendBlock(chain, 0, p)
	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	h.sendBlock(chain, 3, p)
	h.sendBlock(chain, 5, p) // buffered again
	h.sendBlock(chain, 4, p)

	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 6
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, chain.hashes, h.kernel.Submitted())
}

// TestHeaderContinuityViolation rejects a batch whose interior linkage is
// broken with zero effect on the stored chain, penalizes the sync peer, and
// recovers through a different peer.
func TestHeaderContinuityViolation(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 5, 0)
	pA := newTestPeer(t, 5)

	h.sm.NewPeer(pA)
	h.barrier()

	// Corrupt the linkage in the middle of the batch.
	broken := headersMessage(chain.headers...)
	broken.Headers[2].PrevBlock = chainhash.Hash{0xde, 0xad}
	h.sm.QueueHeaders(broken, pA)

	// The whole batch is rejected: even the headers before the break are
	// not persisted, and with the only candidate cooling down the manager
	// returns to idle.
	state := h.barrier()
	require.Equal(t, PhaseIdle, state.Phase)
	_, tipHeight := h.store.Tip()
	require.Equal(t, int32(0), tipHeight)
	require.False(t, h.store.HasHeader(&chain.hashes[0]))
	require.Equal(t, uint32(penaltyModerate), h.penalties.totalFor(pA.ID()))

	// A fresh peer resumes the sync.
	pB := newTestPeer(t, 5)
	h.sm.NewPeer(pB)
	state = h.barrier()
	require.Equal(t, PhaseAwaitingHeaders, state.Phase)
	require.Equal(t, pB.ID(), state.SyncPeerID)

	good := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 5, 0)
	h.sm.QueueHeaders(headersMessage(good.headers...), pB)
	h.sm.QueueHeaders(wire.NewMsgHeaders(), pB)
	state = h.barrier()
	require.Equal(t, PhaseComplete, state.Phase)
	_, tipHeight = h.store.Tip()
	require.Equal(t, int32(5), tipHeight)
}

// TestCheckpointMismatch verifies that a header batch carrying the wrong hash
// at a checkpoint height draws the severe penalty no matter how the stream is
// split into batches, and that the offending header is never stored.
func TestCheckpointMismatch(t *testing.T) {
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 5, 0)

	wrongHash := &chainhash.Hash{0x01}
	params := chaincfg.SimNetParams
	params.Checkpoints = []chaincfg.Checkpoint{
		{Height: 3, Hash: wrongHash},
	}

	splits := [][]int{{5}, {2, 3}, {3, 2}}
	for _, split := range splits {
		split := split
		name := fmt.Sprintf("split%v", split)
		t.Run(name, func(t *testing.T) {
			h := newTestHarness(t, &params, nil)
			p := newTestPeer(t, 5)
			h.sm.NewPeer(p)

			// Feed the batches; the one containing height 3 is
			// rejected wholesale, so only full batches strictly
			// below height 3 survive.
			expectedTip := int32(0)
			offset := 0
			for _, size := range split {
				batch := chain.headers[offset : offset+size]
				h.sm.QueueHeaders(headersMessage(batch...), p)
				if offset+size < 3 {
					expectedTip = int32(offset + size)
				}
				offset += size
			}

			h.barrier()
			_, tipHeight := h.store.Tip()
			require.Equal(t, expectedTip, tipHeight)
			require.False(t, h.store.HasHeader(&chain.hashes[2]))
			require.Equal(t, uint32(penaltySevere),
				h.penalties.totalFor(p.ID()))
		})
	}
}

// TestCheckpointMatch lets a batch through when the checkpoint hash lines up.
func TestCheckpointMatch(t *testing.T) {
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 5, 0)

	params := chaincfg.SimNetParams
	params.Checkpoints = []chaincfg.Checkpoint{
		{Height: 3, Hash: &chain.hashes[2]},
	}

	h := newTestHarness(t, &params, nil)
	p := newTestPeer(t, 5)
	h.syncHeaders(p, chain)

	_, tipHeight := h.store.Tip()
	require.Equal(t, int32(5), tipHeight)
	require.Zero(t, h.penalties.count())
}

// TestHeaderTimeoutSelectsNewPeer restarts header sync with a different peer
// once the active sync peer stalls past the header deadline.
func TestHeaderTimeoutSelectsNewPeer(t *testing.T) {
	h := newTestHarness(t, nil, func(cfg *Config) {
		cfg.HeaderTimeout = 5 * time.Millisecond
	})
	pA := newTestPeer(t, 5)
	pB := newTestPeer(t, 5)

	h.sm.NewPeer(pA)
	state := h.barrier()
	require.Equal(t, pA.ID(), state.SyncPeerID)
	h.sm.NewPeer(pB)
	h.barrier()

	// Let the deadline lapse without any headers arriving.
	time.Sleep(20 * time.Millisecond)
	h.forceSweep()

	state = h.barrier()
	require.Equal(t, PhaseAwaitingHeaders, state.Phase)
	require.Equal(t, pB.ID(), state.SyncPeerID)
	require.Equal(t, uint32(penaltyMinor), h.penalties.totalFor(pA.ID()))
}

// TestBlockTimeoutReassignedExactlyOnce reassigns an expired block request to
// a different peer and rejects the late response from the original assignee,
// so the body reaches the kernel exactly once.
func TestBlockTimeoutReassignedExactlyOnce(t *testing.T) {
	h := newTestHarness(t, nil, func(cfg *Config) {
		cfg.BlockTimeout = 5 * time.Millisecond
	})
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 2, 0)
	pA := newTestPeer(t, 2)
	pB := newTestPeer(t, 2)

	h.sm.NewPeer(pA)
	h.barrier()
	h.sm.NewPeer(pB)

	h.sm.QueueHeaders(headersMessage(chain.headers...), pA)
	h.sm.QueueHeaders(wire.NewMsgHeaders(), pA)
	h.barrier()

	// Round robin put height 1 on pA and height 2 on pB.  Expire both;
	// the requests swap to the other peer with the stale one excluded.
	time.Sleep(20 * time.Millisecond)
	h.forceSweep()

	// The late response from the original assignee is not delivered.
	h.sendBlock(chain, 0, pA)
	h.barrier()
	require.Empty(t, h.kernel.Submitted())

	// The reassigned peer's response is.
	h.sendBlock(chain, 0, pB)
	h.sendBlock(chain, 1, pA)

	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, chain.hashes, h.kernel.Submitted())

	// Each peer paid for its timeout exactly once; the late response did
	// not draw a second penalty on top of it.
	require.Equal(t, uint32(penaltyMinor), h.penalties.totalFor(pA.ID()))
	require.Equal(t, uint32(penaltyMinor), h.penalties.totalFor(pB.ID()))
}

// TestUnrequestedBlockPenalized penalizes a peer that volunteers a block that
// was never asked of it.
func TestUnrequestedBlockPenalized(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 1, 0)
	rogue := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 1, 0x77)
	p := newTestPeer(t, 1)
	h.syncHeaders(p, chain)

	h.sendBlock(rogue, 0, p)
	h.barrier()

	require.Empty(t, h.kernel.Submitted())
	require.Equal(t, uint32(penaltyModerate), h.penalties.totalFor(p.ID()))
}

// TestValidationRejectionContinues penalizes the peer that served a block the
// kernel rejects, discards the block, and keeps delivering its descendants.
func TestValidationRejectionContinues(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 3, 0)
	p := newTestPeer(t, 3)

	h.kernel.Reject(chain.hashes[1])
	h.syncHeaders(p, chain)

	for i := 0; i < 3; i++ {
		h.sendBlock(chain, i, p)
	}

	require.Eventually(t, func() bool {
		return h.penalties.totalFor(p.ID()) >= penaltySevere
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []chainhash.Hash{chain.hashes[0], chain.hashes[2]},
		h.kernel.Submitted())
}

// TestDonePeerRequeuesInFlight reassigns the in-flight requests of a
// departing peer to the remaining ones.
func TestDonePeerRequeuesInFlight(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 2, 0)
	pA := newTestPeer(t, 2)
	pB := newTestPeer(t, 2)

	h.sm.NewPeer(pA)
	h.barrier()
	h.sm.NewPeer(pB)
	h.sm.QueueHeaders(headersMessage(chain.headers...), pA)
	h.sm.QueueHeaders(wire.NewMsgHeaders(), pA)
	h.barrier()

	// Height 1 was assigned to pA; its departure moves it to pB.
	h.sm.DonePeer(pA)
	h.barrier()

	h.sendBlock(chain, 0, pB)
	h.sendBlock(chain, 1, pB)

	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, chain.hashes, h.kernel.Submitted())
}

// TestInvAnnouncementResumesHeaderSync returns to header sync with the
// announcing peer when an unknown block is announced after completion.
func TestInvAnnouncementResumesHeaderSync(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 2, 0)
	p := newTestPeer(t, 2)
	h.syncHeaders(p, chain)

	next := makeTestChain(t, chain.hashes[1], 1, 0)
	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(
		wire.NewInvVect(wire.InvTypeBlock, &next.hashes[0]),
	))
	h.sm.QueueInv(inv, p)

	state := h.barrier()
	require.Equal(t, PhaseAwaitingHeaders, state.Phase)
	require.Equal(t, p.ID(), state.SyncPeerID)
}

// TestNotFoundReassignsRequest treats a notfound for a requested block as a
// failed request and reassigns it.
func TestNotFoundReassignsRequest(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 1, 0)
	pA := newTestPeer(t, 1)
	pB := newTestPeer(t, 1)

	h.sm.NewPeer(pA)
	h.barrier()
	h.sm.NewPeer(pB)
	h.sm.QueueHeaders(headersMessage(chain.headers...), pA)
	h.sm.QueueHeaders(wire.NewMsgHeaders(), pA)
	h.barrier()

	nf := wire.NewMsgNotFound()
	require.NoError(t, nf.AddInvVect(
		wire.NewInvVect(wire.InvTypeBlock, &chain.hashes[0]),
	))
	h.sm.QueueNotFound(nf, pA)
	h.barrier()
	require.Equal(t, uint32(penaltyMinor), h.penalties.totalFor(pA.ID()))

	// The reassigned peer serves it.
	h.sendBlock(chain, 0, pB)
	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestNoProgressHeaderBatchFailsOver drops the sync peer when a non-empty
// headers batch consists entirely of already-known headers, since
// re-requesting with the same locator would loop forever.
func TestNoProgressHeaderBatchFailsOver(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 4, 0)
	p := newTestPeer(t, 8)

	h.sm.NewPeer(p)
	h.sm.QueueHeaders(headersMessage(chain.headers...), p)
	h.barrier()
	_, tipHeight := h.store.Tip()
	require.Equal(t, int32(4), tipHeight)

	// Replaying the same batch adds nothing, so the peer is treated as
	// stalled.  With the only candidate cooling down the manager returns
	// to idle.
	h.sm.QueueHeaders(headersMessage(chain.headers...), p)
	state := h.barrier()
	require.Equal(t, PhaseIdle, state.Phase)
	require.Zero(t, state.SyncPeerID)
	require.Equal(t, uint32(penaltyMinor), h.penalties.totalFor(p.ID()))
	_, tipHeight = h.store.Tip()
	require.Equal(t, int32(4), tipHeight)
}

// gatedKernel is a stub kernel that blocks every submission until the gate is
// opened.
type gatedKernel struct {
	*StubKernel
	gate chan struct{}
}

func (k *gatedKernel) SubmitBlock(raw []byte) error {
	<-k.gate
	return k.StubKernel.SubmitBlock(raw)
}

// TestSlowValidationDoesNotStallEventLoop keeps the event loop serving peer
// events while the kernel sits on submissions with the submission queue full,
// and confirms everything drains once the kernel catches up.
func TestSlowValidationDoesNotStallEventLoop(t *testing.T) {
	kernel := &gatedKernel{
		StubKernel: NewStubKernel(*chaincfg.SimNetParams.GenesisHash),
		gate:       make(chan struct{}),
	}
	h := newTestHarness(t, nil, func(cfg *Config) {
		cfg.Kernel = kernel
		cfg.MaxPeers = 1
		cfg.GlobalBlockWindow = 1
		cfg.PeerBlockWindow = 1
	})
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 6, 0)
	p := newTestPeer(t, 6)
	h.syncHeaders(p, chain)

	// With a one-block window the bodies are requested strictly in order.
	// The kernel accepts nothing yet, so the submission queue fills up
	// while the bodies stream in.
	for i := 0; i < 5; i++ {
		h.sendBlock(chain, i, p)
	}

	// The sixth body lands while the submission queue is full, together
	// with a burst of other peer events.
	done := make(chan struct{}, 1)
	h.sm.QueueBlock(chain.blocks[5], chain.raw[5], p, done)
	for i := 0; i < 3; i++ {
		h.sm.QueueInv(wire.NewMsgInv(), p)
	}

	// Releasing the kernel must unwedge everything: all six bodies reach
	// it in order and the event loop keeps running.
	close(kernel.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event loop stalled under validation backpressure")
	}

	require.Eventually(t, func() bool {
		return len(kernel.Submitted()) == 6
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, chain.hashes, kernel.Submitted())
	require.True(t, h.sm.IsCurrent())
	require.Zero(t, h.penalties.count())
}

// TestReorderBufferCapsFetch pauses block fetching while the reorder buffer is
// at the window size, so a single stuck height cannot grow memory without
// bound, and resumes once the gap is filled.
func TestReorderBufferCapsFetch(t *testing.T) {
	h := newTestHarness(t, nil, func(cfg *Config) {
		cfg.GlobalBlockWindow = 2
		cfg.PeerBlockWindow = 2
	})
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 5, 0)
	p := newTestPeer(t, 5)
	h.syncHeaders(p, chain)

	// Heights 1 and 2 are in flight.  Serving 2 and then 3 fills the
	// reorder buffer to the window size while height 1 stays stuck.
	h.sendBlock(chain, 1, p)
	h.sendBlock(chain, 2, p)
	h.barrier()
	require.Empty(t, h.kernel.Submitted())

	// With the buffer full, height 4 was never requested, so serving it
	// now counts as unrequested.
	h.sendBlock(chain, 3, p)
	h.barrier()
	require.Empty(t, h.kernel.Submitted())
	require.Equal(t, uint32(penaltyModerate), h.penalties.totalFor(p.ID()))

	// Height 1 unblocks delivery, drains the buffer and resumes fetching.
	h.sendBlock(chain, 0, p)
	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	h.sendBlock(chain, 3, p)
	h.sendBlock(chain, 4, p)
	require.Eventually(t, func() bool {
		return len(h.kernel.Submitted()) == 5
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, chain.hashes, h.kernel.Submitted())
}

// TestDuplicateHeadersSkipped ignores already-known headers at the front of a
// batch instead of failing continuity against the tip.
func TestDuplicateHeadersSkipped(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	chain := makeTestChain(t, *chaincfg.SimNetParams.GenesisHash, 4, 0)
	p := newTestPeer(t, 4)

	h.sm.NewPeer(p)
	h.sm.QueueHeaders(headersMessage(chain.headers[:2]...), p)
	// Overlapping batch: repeats 1-2, extends with 3-4.
	h.sm.QueueHeaders(headersMessage(chain.headers...), p)
	h.sm.QueueHeaders(wire.NewMsgHeaders(), p)

	state := h.barrier()
	require.Equal(t, PhaseComplete, state.Phase)
	_, tipHeight := h.store.Tip()
	require.Equal(t, int32(4), tipHeight)
	require.Zero(t, h.penalties.count())
}
