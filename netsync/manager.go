package netsync

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsyncd/btcsyncd/headerdb"
	"github.com/btcsyncd/btcsyncd/peer"
	"github.com/decred/dcrd/lru"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultMaxPeers is the assumed peer count used to size the event
	// channel when the caller does not provide one.
	defaultMaxPeers = 125

	// defaultGlobalBlockWindow is the maximum number of block requests
	// that may be in flight across all peers.
	defaultGlobalBlockWindow = 16

	// defaultPeerBlockWindow is the maximum number of block requests that
	// may be in flight to a single peer.
	defaultPeerBlockWindow = 4

	// defaultHeaderTimeout is how long the sync peer has to answer a
	// getheaders request before header sync is restarted with a different
	// peer.
	defaultHeaderTimeout = 60 * time.Second

	// defaultBlockTimeout is how long a peer has to answer a block request
	// before the request is reassigned to a different peer.
	defaultBlockTimeout = 120 * time.Second

	// defaultPeerCooldown is how long a failed sync peer is excluded from
	// sync peer selection.
	defaultPeerCooldown = 10 * time.Minute

	// sweepInterval is the interval of the timeout sweep over outstanding
	// header and block requests.
	sweepInterval = 5 * time.Second

	// maxRejectedCacheSize is the maximum number of recently rejected
	// block hashes to keep so they are not refetched.
	maxRejectedCacheSize = 1000

	// maxReassignedCacheSize is the maximum number of recent reassignments
	// remembered so a late response from the original assignee is not
	// mistaken for an unrequested block.
	maxReassignedCacheSize = 256
)

// Penalty scores applied through the Penalize callback.  The server side
// accumulates these into per-peer ban scores.
const (
	penaltyMinor    = 10
	penaltyModerate = 25
	penaltySevere   = 100
)

// zeroHash is the zero value hash (all zeros).  It is used as the stop hash
// for getheaders requests to ask for as many headers as possible.
var zeroHash chainhash.Hash

// SyncPhase identifies the current stage of headers-first synchronization.
type SyncPhase uint8

const (
	// PhaseIdle indicates no synchronization is in progress and no sync
	// peer candidates are available.
	PhaseIdle SyncPhase = iota

	// PhaseSelectingPeer indicates a sync peer is being chosen.
	PhaseSelectingPeer

	// PhaseAwaitingHeaders indicates a getheaders request is outstanding
	// to the sync peer.
	PhaseAwaitingHeaders

	// PhaseVerifying indicates a received header batch is being verified
	// and connected.
	PhaseVerifying

	// PhaseComplete indicates the header chain has caught up with the
	// sync peer's advertised tip and block bodies are being fetched.
	PhaseComplete
)

// String returns the sync phase as a human-readable string.
func (p SyncPhase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseSelectingPeer:
		return "SelectingPeer"
	case PhaseAwaitingHeaders:
		return "AwaitingHeaders"
	case PhaseVerifying:
		return "Verifying"
	case PhaseComplete:
		return "Complete"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(p))
}

// SyncState is a snapshot of the sync manager's authoritative state.
type SyncState struct {
	// BestKnownHeight is the greater of our header tip and the highest
	// height advertised by any sync candidate.
	BestKnownHeight int32

	// SyncPeerID is the id of the active sync peer, or 0 when none.
	SyncPeerID int32

	// Phase is the current synchronization phase.
	Phase SyncPhase
}

// newPeerMsg signifies a newly connected peer to the event handler.
type newPeerMsg struct {
	peer *peer.Peer
}

// donePeerMsg signifies a newly disconnected peer to the event handler.
type donePeerMsg struct {
	peer *peer.Peer
}

// headersMsg packages a headers message and the peer it came from.
type headersMsg struct {
	headers *wire.MsgHeaders
	peer    *peer.Peer
}

// blockMsg packages a block message and the peer it came from together with
// the raw serialized bytes read off the wire.
type blockMsg struct {
	block *wire.MsgBlock
	buf   []byte
	peer  *peer.Peer
	reply chan struct{}
}

// invMsg packages an inv message and the peer it came from.
type invMsg struct {
	inv  *wire.MsgInv
	peer *peer.Peer
}

// notFoundMsg packages a notfound message and the peer it came from.
type notFoundMsg struct {
	notFound *wire.MsgNotFound
	peer     *peer.Peer
}

// validationResultMsg is sent back from the submission worker once the
// validation engine has pronounced on a delivered block.  Results travel on
// their own channel, never the peer event channel, so a backlog of peer
// events can not wedge the worker.
type validationResultMsg struct {
	height int32
	hash   chainhash.Hash
	peer   *peer.Peer
	err    error
}

// getSyncStateMsg is a message type to be sent across the message channel for
// retrieving the current sync state.
type getSyncStateMsg struct {
	reply chan SyncState
}

// isCurrentMsg is a message type to be sent across the message channel for
// requesting whether or not the sync manager believes it is synced with the
// currently connected peers.
type isCurrentMsg struct {
	reply chan bool
}

// blockSubmission is a delivered block on its way to the validation engine.
type blockSubmission struct {
	height int32
	hash   chainhash.Hash
	raw    []byte
	peer   *peer.Peer
}

// blockRequest tracks one block body request through the fetch pipeline.
type blockRequest struct {
	hash        chainhash.Hash
	height      int32
	peer        *peer.Peer
	requestedAt time.Time

	// excluded holds ids of peers that already failed this request and
	// must not be assigned it again.
	excluded map[int32]struct{}
}

// exclude marks the given peer id as ineligible for this request.
func (r *blockRequest) exclude(id int32) {
	if r.excluded == nil {
		r.excluded = make(map[int32]struct{})
	}
	r.excluded[id] = struct{}{}
}

// isExcluded reports whether the given peer id already failed this request.
func (r *blockRequest) isExcluded(id int32) bool {
	_, ok := r.excluded[id]
	return ok
}

// reassignKey identifies one block request that was taken away from one peer,
// by hash and former assignee.
type reassignKey struct {
	hash chainhash.Hash
	peer int32
}

// bufferedBlock is a block body that arrived ahead of an earlier missing
// height and is held until that height has been delivered.
type bufferedBlock struct {
	hash chainhash.Hash
	raw  []byte
	peer *peer.Peer
}

// peerSyncState stores additional information that the sync manager tracks
// about a peer.
type peerSyncState struct {
	syncCandidate   bool
	requestedBlocks map[chainhash.Hash]struct{}
}

// Config is a configuration struct used to initialize a new SyncManager.
type Config struct {
	// ChainParams identifies the active network.
	ChainParams *chaincfg.Params

	// Headers is the persisted header chain.
	Headers *headerdb.Store

	// Kernel is the external validation engine block bodies are delivered
	// to, strictly in ascending height order.
	Kernel Kernel

	// Penalize is invoked with a misbehavior score whenever a peer
	// violates protocol or service expectations.  The callback owns ban
	// accounting and any resulting disconnect.
	Penalize func(p *peer.Peer, score uint32, reason string)

	// MaxPeers is used to size the event channel.
	MaxPeers int

	// GlobalBlockWindow bounds in-flight block requests across all peers.
	GlobalBlockWindow int

	// PeerBlockWindow bounds in-flight block requests per peer.
	PeerBlockWindow int

	// HeaderTimeout overrides the header request stall deadline.
	HeaderTimeout time.Duration

	// BlockTimeout overrides the block request reassignment deadline.
	BlockTimeout time.Duration

	// PeerCooldown overrides how long failed sync peers stay excluded.
	PeerCooldown time.Duration

	// SweepTicker paces the timeout sweep.  If nil a default five second
	// ticker is used.  Tests substitute ticker.NewForce.
	SweepTicker ticker.Ticker
}

// SyncManager drives headers-first synchronization against exactly one sync
// peer at a time and downloads block bodies from all ready peers, delivering
// them to the validation engine in strict ascending height order.  It is the
// sole mutator of all cross-peer sync state: every external input arrives as
// a message on a single event channel consumed by one handler goroutine, so
// no locks are needed across that state.
type SyncManager struct {
	started  int32
	shutdown int32

	cfg         Config
	checkpoints map[int32]*chainhash.Hash

	msgChan    chan interface{}
	submitChan chan *blockSubmission
	resultChan chan *validationResultMsg
	wg         sync.WaitGroup
	quit       chan struct{}

	// Everything below is owned by the blockHandler goroutine.
	phase              SyncPhase
	syncPeer           *peer.Peer
	peerStates         map[*peer.Peer]*peerSyncState
	fetchPeers         []*peer.Peer
	rrIndex            int
	failedSyncPeers    map[int32]time.Time
	lastHeaderActivity time.Time
	headersSynced      bool

	fetchQueue        []*blockRequest
	inFlight          map[chainhash.Hash]*blockRequest
	buffered          map[int32]*bufferedBlock
	nextDeliverHeight int32
	lastQueuedHeight  int32
	rejectedBlocks    lru.Cache
	reassignedBlocks  lru.Cache
}

// New constructs a new SyncManager.  Use Start to begin processing
// asynchronous events.
func New(config *Config) (*SyncManager, error) {
	cfg := *config
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.GlobalBlockWindow == 0 {
		cfg.GlobalBlockWindow = defaultGlobalBlockWindow
	}
	if cfg.PeerBlockWindow == 0 {
		cfg.PeerBlockWindow = defaultPeerBlockWindow
	}
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = defaultHeaderTimeout
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.PeerCooldown == 0 {
		cfg.PeerCooldown = defaultPeerCooldown
	}
	if cfg.SweepTicker == nil {
		cfg.SweepTicker = ticker.New(sweepInterval)
	}
	if cfg.Penalize == nil {
		cfg.Penalize = func(*peer.Peer, uint32, string) {}
	}

	_, kernelHeight, err := cfg.Kernel.QueryTip()
	if err != nil {
		return nil, fmt.Errorf("unable to query validation engine "+
			"tip: %w", err)
	}

	sm := &SyncManager{
		cfg:               cfg,
		checkpoints:       make(map[int32]*chainhash.Hash),
		msgChan:           make(chan interface{}, cfg.MaxPeers*3),
		submitChan:        make(chan *blockSubmission, 2*cfg.GlobalBlockWindow+2),
		resultChan:        make(chan *validationResultMsg, 2*cfg.GlobalBlockWindow+2),
		quit:              make(chan struct{}),
		peerStates:        make(map[*peer.Peer]*peerSyncState),
		failedSyncPeers:   make(map[int32]time.Time),
		inFlight:          make(map[chainhash.Hash]*blockRequest),
		buffered:          make(map[int32]*bufferedBlock),
		nextDeliverHeight: kernelHeight + 1,
		lastQueuedHeight:  kernelHeight,
		rejectedBlocks:    lru.NewCache(maxRejectedCacheSize),
		reassignedBlocks:  lru.NewCache(maxReassignedCacheSize),
	}
	for i := range cfg.ChainParams.Checkpoints {
		checkpoint := &cfg.ChainParams.Checkpoints[i]
		sm.checkpoints[checkpoint.Height] = checkpoint.Hash
	}

	return sm, nil
}

// Start begins the core sync handler which processes peer and timer events.
func (sm *SyncManager) Start() {
	// Already started?
	if atomic.AddInt32(&sm.started, 1) != 1 {
		return
	}

	log.Trace("Starting sync manager")
	sm.wg.Add(2)
	go sm.blockHandler()
	go sm.submitWorker()
}

// Stop gracefully shuts down the sync manager by stopping all asynchronous
// handlers and waiting for them to finish.
func (sm *SyncManager) Stop() error {
	if atomic.AddInt32(&sm.shutdown, 1) != 1 {
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Sync manager shutting down")
	close(sm.quit)
	sm.wg.Wait()
	return nil
}

// NewPeer informs the sync manager of a newly active peer.  It is called by
// the server once a peer has completed its handshake.
func (sm *SyncManager) NewPeer(p *peer.Peer) {
	// Ignore if we are shutting down.
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}
	select {
	case sm.msgChan <- &newPeerMsg{peer: p}:
	case <-sm.quit:
	}
}

// DonePeer informs the sync manager that a peer has disconnected.
func (sm *SyncManager) DonePeer(p *peer.Peer) {
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}
	select {
	case sm.msgChan <- &donePeerMsg{peer: p}:
	case <-sm.quit:
	}
}

// QueueHeaders adds the passed headers message and peer to the event handling
// queue.
func (sm *SyncManager) QueueHeaders(headers *wire.MsgHeaders, p *peer.Peer) {
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}
	select {
	case sm.msgChan <- &headersMsg{headers: headers, peer: p}:
	case <-sm.quit:
	}
}

// QueueBlock adds the passed block message and peer to the event handling
// queue.  The done channel is signalled once the block has been processed,
// which lets the peer's read loop apply backpressure against flooding peers.
func (sm *SyncManager) QueueBlock(block *wire.MsgBlock, buf []byte, p *peer.Peer,
	done chan struct{}) {

	// Don't accept more blocks if we're shutting down.
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		if done != nil {
			done <- struct{}{}
		}
		return
	}
	select {
	case sm.msgChan <- &blockMsg{block: block, buf: buf, peer: p, reply: done}:
	case <-sm.quit:
		if done != nil {
			done <- struct{}{}
		}
	}
}

// QueueInv adds the passed inv message and peer to the event handling queue.
func (sm *SyncManager) QueueInv(inv *wire.MsgInv, p *peer.Peer) {
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}
	select {
	case sm.msgChan <- &invMsg{inv: inv, peer: p}:
	case <-sm.quit:
	}
}

// QueueNotFound adds the passed notfound message and peer to the event
// handling queue.
func (sm *SyncManager) QueueNotFound(notFound *wire.MsgNotFound, p *peer.Peer) {
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}
	select {
	case sm.msgChan <- &notFoundMsg{notFound: notFound, peer: p}:
	case <-sm.quit:
	}
}

// SyncState returns a snapshot of the current synchronization state.  The
// request is serialized through the event loop, so the answer reflects every
// event queued before the call.
func (sm *SyncManager) SyncState() SyncState {
	reply := make(chan SyncState, 1)
	select {
	case sm.msgChan <- getSyncStateMsg{reply: reply}:
		return <-reply
	case <-sm.quit:
		return SyncState{Phase: PhaseIdle}
	}
}

// IsCurrent returns whether or not the sync manager believes it is synced
// with the connected peers.
func (sm *SyncManager) IsCurrent() bool {
	reply := make(chan bool, 1)
	select {
	case sm.msgChan <- isCurrentMsg{reply: reply}:
		return <-reply
	case <-sm.quit:
		return false
	}
}

// blockHandler is the main handler for the sync manager.  It must be run as a
// goroutine.  It processes peer and timer events one at a time, making it the
// sole writer of all sync state, which removes the need for locks across that
// state.
func (sm *SyncManager) blockHandler() {
	defer sm.wg.Done()

	sweep := sm.cfg.SweepTicker
	sweep.Resume()
	defer sweep.Stop()

out:
	for {
		select {
		case m := <-sm.msgChan:
			switch msg := m.(type) {
			case *newPeerMsg:
				sm.handleNewPeerMsg(msg.peer)

			case *donePeerMsg:
				sm.handleDonePeerMsg(msg.peer)

			case *headersMsg:
				sm.handleHeadersMsg(msg)

			case *blockMsg:
				sm.handleBlockMsg(msg)
				if msg.reply != nil {
					msg.reply <- struct{}{}
				}

			case *invMsg:
				sm.handleInvMsg(msg)

			case *notFoundMsg:
				sm.handleNotFoundMsg(msg)

			case getSyncStateMsg:
				msg.reply <- sm.currentSyncState()

			case isCurrentMsg:
				msg.reply <- sm.isCurrent()

			default:
				log.Warnf("Invalid message type in sync "+
					"handler: %T", msg)
			}

		case result := <-sm.resultChan:
			sm.handleValidationResult(result)

		case <-sweep.Ticks():
			sm.handleSweep()

		case <-sm.quit:
			break out
		}
	}

	log.Trace("Sync manager handler done")
}

// submitWorker delivers ordered block bodies to the validation engine from a
// dedicated goroutine so validation latency never blocks the event loop.  It
// must be run as a goroutine.
func (sm *SyncManager) submitWorker() {
	defer sm.wg.Done()

	for {
		select {
		case sub := <-sm.submitChan:
			err := sm.cfg.Kernel.SubmitBlock(sub.raw)
			result := &validationResultMsg{
				height: sub.height,
				hash:   sub.hash,
				peer:   sub.peer,
				err:    err,
			}
			select {
			case sm.resultChan <- result:
			case <-sm.quit:
				return
			}

		case <-sm.quit:
			return
		}
	}
}

// handleNewPeerMsg deals with new peers that have signalled they may be
// considered as a sync peer (they have already successfully negotiated).  It
// also starts syncing if needed.  It is invoked from the syncHandler
// goroutine.
func (sm *SyncManager) handleNewPeerMsg(p *peer.Peer) {
	// Ignore if in the process of shutting down.
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}

	log.Infof("New valid peer %s (%s)", p, p.UserAgent())

	// Initialize the peer state.  Only full nodes are sync candidates.
	isSyncCandidate := p.Services()&wire.SFNodeNetwork == wire.SFNodeNetwork
	sm.peerStates[p] = &peerSyncState{
		syncCandidate:   isSyncCandidate,
		requestedBlocks: make(map[chainhash.Hash]struct{}),
	}
	if isSyncCandidate {
		sm.fetchPeers = append(sm.fetchPeers, p)
	}

	switch sm.phase {
	case PhaseIdle, PhaseSelectingPeer:
		sm.startSync()
	case PhaseComplete:
		sm.fillRequests()
	}
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It
// requeues any block requests the departing peer held in flight and restarts
// sync peer selection when the sync peer is lost mid-sync.  It is invoked
// from the syncHandler goroutine.
func (sm *SyncManager) handleDonePeerMsg(p *peer.Peer) {
	state, exists := sm.peerStates[p]
	if !exists {
		log.Warnf("Received done peer message for unknown peer %s", p)
		return
	}

	// Remove the peer from the list of candidate peers.
	delete(sm.peerStates, p)
	for i, fp := range sm.fetchPeers {
		if fp == p {
			sm.fetchPeers = append(sm.fetchPeers[:i],
				sm.fetchPeers[i+1:]...)
			break
		}
	}
	if sm.rrIndex >= len(sm.fetchPeers) {
		sm.rrIndex = 0
	}

	log.Infof("Lost peer %s", p)

	// Requeue any block requests the peer held in flight so they are
	// reassigned rather than dropped silently.
	for hash := range state.requestedBlocks {
		req, ok := sm.inFlight[hash]
		if !ok {
			continue
		}
		delete(sm.inFlight, hash)
		req.peer = nil
		req.exclude(p.ID())
		sm.requeue(req)
	}

	// A mid-sync disconnect of the sync peer restarts selection with the
	// failed peer excluded for a cooldown window.
	if sm.syncPeer == p {
		sm.syncPeer = nil
		if sm.phase == PhaseAwaitingHeaders || sm.phase == PhaseVerifying {
			sm.failedSyncPeers[p.ID()] =
				time.Now().Add(sm.cfg.PeerCooldown)
			sm.startSync()
		}
	}

	sm.fillRequests()
}

// startSync will choose the best peer among the available candidate peers to
// download/sync the header chain from.  When syncing is already running, it
// simply returns.  It also examines the candidates for any which are no
// longer candidates and removes them as needed.
func (sm *SyncManager) startSync() {
	// Return now if we're already syncing.
	if sm.syncPeer != nil {
		return
	}

	sm.phase = PhaseSelectingPeer

	_, tipHeight := sm.cfg.Headers.Tip()
	now := time.Now()

	var bestPeer *peer.Peer
	candidates := 0
	for p, state := range sm.peerStates {
		if !state.syncCandidate {
			continue
		}

		// Skip peers still inside their failure cooldown window.
		if until, ok := sm.failedSyncPeers[p.ID()]; ok {
			if now.Before(until) {
				continue
			}
			delete(sm.failedSyncPeers, p.ID())
		}
		candidates++

		// A peer at or below our tip has nothing new for us.
		if p.LastBlock() <= tipHeight {
			continue
		}

		if bestPeer == nil || p.LastBlock() > bestPeer.LastBlock() {
			bestPeer = p
		}
	}

	if bestPeer == nil {
		if candidates > 0 {
			// Every eligible peer is at or below our header tip,
			// so the header chain is as good as the network view
			// gets.  Move on to block bodies.
			log.Debugf("Header chain current at height %d",
				tipHeight)
			sm.phase = PhaseComplete
			sm.headersSynced = true
			sm.startBlockFetch()
			return
		}

		// Recoverable: selection is retried on every sweep tick and
		// whenever a new peer arrives.
		log.Warnf("No sync peer candidates available, retrying " +
			"discovery")
		sm.phase = PhaseIdle
		return
	}

	locator, err := sm.cfg.Headers.BlockLocator()
	if err != nil {
		log.Errorf("Failed to build block locator: %v", err)
		sm.phase = PhaseIdle
		return
	}

	log.Infof("Syncing headers to block height %d from peer %v",
		bestPeer.LastBlock(), bestPeer.Addr())

	sm.syncPeer = bestPeer
	sm.phase = PhaseAwaitingHeaders
	sm.lastHeaderActivity = time.Now()
	if err := bestPeer.PushGetHeadersMsg(locator, &zeroHash); err != nil {
		log.Errorf("Failed to push getheaders to %s: %v", bestPeer, err)
	}
}

// handleSyncFailure penalizes the offending sync peer, excludes it from
// selection for a cooldown window, and restarts sync peer selection.
func (sm *SyncManager) handleSyncFailure(p *peer.Peer, score uint32, reason string) {
	log.Warnf("Sync failure from peer %s: %s", p, reason)
	sm.cfg.Penalize(p, score, reason)
	sm.failedSyncPeers[p.ID()] = time.Now().Add(sm.cfg.PeerCooldown)
	if sm.syncPeer == p {
		sm.syncPeer = nil
	}
	sm.startSync()
}

// handleHeadersMsg handles block header messages from all peers.  Headers are
// only requested from, and accepted from, the single active sync peer.
func (sm *SyncManager) handleHeadersMsg(hmsg *headersMsg) {
	p := hmsg.peer
	if _, exists := sm.peerStates[p]; !exists {
		log.Warnf("Received headers message from unknown peer %s", p)
		return
	}

	// Ignore header streams from anyone but the sync peer: exactly one
	// header stream is active at a time.
	if p != sm.syncPeer {
		log.Debugf("Ignoring %d headers from non-sync peer %s",
			len(hmsg.headers.Headers), p)
		return
	}

	sm.lastHeaderActivity = time.Now()
	headers := hmsg.headers.Headers

	// An empty headers response at the peer's advertised tip means the
	// header chain is caught up and block fetching can begin.
	if len(headers) == 0 {
		_, tipHeight := sm.cfg.Headers.Tip()
		log.Infof("Header sync complete at height %d", tipHeight)
		sm.phase = PhaseComplete
		sm.headersSynced = true
		sm.startBlockFetch()
		return
	}

	sm.phase = PhaseVerifying

	// Silently skip headers we already know rather than re-validating
	// them.
	start := 0
	for start < len(headers) {
		hash := headers[start].BlockHash()
		if !sm.cfg.Headers.HasHeader(&hash) {
			break
		}
		start++
	}
	accepted := headers[start:]

	// A non-empty batch of nothing but known headers makes no progress:
	// re-requesting with the same locator would just loop.  Treat it as a
	// stall and move on to a different sync peer.
	if len(accepted) == 0 {
		sm.handleSyncFailure(p, penaltyMinor,
			"headers batch made no progress")
		return
	}

	// Verify the batch before anything is persisted so a rejected batch
	// has zero effect on sync state: each header must connect to its
	// predecessor, and any header lying on a checkpoint height must carry
	// exactly the checkpoint hash.
	tipHash, tipHeight := sm.cfg.Headers.Tip()
	prevHash := tipHash
	height := tipHeight
	for i, header := range accepted {
		if header.PrevBlock != prevHash {
			sm.handleSyncFailure(p, penaltyModerate,
				fmt.Sprintf("header %d does not connect to "+
					"chain tip", i))
			return
		}

		hash := header.BlockHash()
		height++
		if cpHash, ok := sm.checkpoints[height]; ok {
			if !hash.IsEqual(cpHash) {
				// Not fatal to the node: the peer is heavily
				// penalized and disconnected, and sync
				// continues via another peer.
				p.Disconnect()
				sm.handleSyncFailure(p, penaltySevere,
					fmt.Sprintf("checkpoint mismatch at "+
						"height %d: got %s, want %s",
						height, hash, cpHash))
				return
			}
			log.Infof("Verified downloaded headers against "+
				"checkpoint at height %d/hash %s", height, hash)
		}
		prevHash = hash
	}

	if err := sm.cfg.Headers.PutHeaders(accepted); err != nil {
		log.Errorf("Failed to store %d headers: %v", len(accepted), err)
		return
	}
	log.Debugf("Processed %d block headers, tip height %d", len(accepted),
		height)

	// Loop back and request the next batch from the new tip.
	locator, err := sm.cfg.Headers.BlockLocator()
	if err != nil {
		log.Errorf("Failed to build block locator: %v", err)
		return
	}
	sm.phase = PhaseAwaitingHeaders
	if err := p.PushGetHeadersMsg(locator, &zeroHash); err != nil {
		log.Errorf("Failed to push getheaders to %s: %v", p, err)
	}
}

// startBlockFetch extends the block request queue up to the current header
// tip and kicks off request scheduling.  Heights at or below the validation
// engine's tip are never queued.
func (sm *SyncManager) startBlockFetch() {
	_, headerTip := sm.cfg.Headers.Tip()
	if sm.lastQueuedHeight >= headerTip {
		sm.fillRequests()
		return
	}

	queued := 0
	for height := sm.lastQueuedHeight + 1; height <= headerTip; height++ {
		header, err := sm.cfg.Headers.FetchHeaderByHeight(height)
		if err != nil {
			log.Errorf("Missing header at height %d: %v", height,
				err)
			break
		}
		hash := header.BlockHash()
		sm.lastQueuedHeight = height

		// Blocks the engine has rejected are not refetched.
		if sm.rejectedBlocks.Contains(hash) {
			continue
		}

		sm.fetchQueue = append(sm.fetchQueue, &blockRequest{
			hash:   hash,
			height: height,
		})
		queued++
	}

	if queued > 0 {
		log.Infof("Downloading %d blocks up to height %d", queued,
			headerTip)
	}
	sm.fillRequests()
}

// requeue reinserts a request into the fetch queue preserving ascending
// height order.
func (sm *SyncManager) requeue(req *blockRequest) {
	i := sort.Search(len(sm.fetchQueue), func(i int) bool {
		return sm.fetchQueue[i].height >= req.height
	})
	sm.fetchQueue = append(sm.fetchQueue, nil)
	copy(sm.fetchQueue[i+1:], sm.fetchQueue[i:])
	sm.fetchQueue[i] = req
}

// pickFetchPeer selects the next peer for the given request, round-robin over
// the sync candidates, honoring the per-peer window, the request's exclusion
// list and the peer's advertised height.
func (sm *SyncManager) pickFetchPeer(req *blockRequest) *peer.Peer {
	n := len(sm.fetchPeers)
	if n == 0 {
		return nil
	}

	pick := func() *peer.Peer {
		for i := 0; i < n; i++ {
			p := sm.fetchPeers[(sm.rrIndex+i)%n]
			state := sm.peerStates[p]
			if state == nil {
				continue
			}
			if req.isExcluded(p.ID()) {
				continue
			}
			if len(state.requestedBlocks) >= sm.cfg.PeerBlockWindow {
				continue
			}
			if p.LastBlock() != 0 && p.LastBlock() < req.height {
				continue
			}
			sm.rrIndex = (sm.rrIndex + i + 1) % n
			return p
		}
		return nil
	}

	p := pick()
	if p == nil && len(req.excluded) > 0 {
		// Every remaining candidate already failed this request once.
		// Clear the exclusions rather than stalling the pipeline.
		req.excluded = nil
		p = pick()
	}
	return p
}

// fillRequests tops up the in-flight window from the front of the fetch
// queue.  At most one in-flight assignment exists per hash, bounded globally
// and per peer.
func (sm *SyncManager) fillRequests() {
	if !sm.headersSynced {
		return
	}

	for len(sm.inFlight) < sm.cfg.GlobalBlockWindow &&
		len(sm.fetchQueue) > 0 {

		req := sm.fetchQueue[0]

		// While the reorder buffer is at capacity, only the height
		// that unblocks delivery may be fetched.  Everything else
		// waits, which bounds memory while one low height is stuck.
		if len(sm.buffered) >= sm.cfg.GlobalBlockWindow &&
			req.height != sm.nextDeliverHeight {

			return
		}

		p := sm.pickFetchPeer(req)
		if p == nil {
			// No peer has window capacity for the next request.
			return
		}
		sm.fetchQueue = sm.fetchQueue[1:]

		req.peer = p
		req.requestedAt = time.Now()
		sm.inFlight[req.hash] = req
		sm.peerStates[p].requestedBlocks[req.hash] = struct{}{}

		gdmsg := wire.NewMsgGetData()
		iv := wire.NewInvVect(wire.InvTypeBlock, &req.hash)
		if err := gdmsg.AddInvVect(iv); err != nil {
			log.Errorf("Failed to build getdata: %v", err)
			return
		}
		log.Tracef("Requesting block %v (height %d) from %s",
			req.hash, req.height, p)
		p.QueueMessage(gdmsg, nil)
	}
}

// handleBlockMsg handles block messages from all peers.  Bodies arriving
// ahead of an earlier missing height are buffered; everything else flows to
// the validation engine in strict ascending height order.
func (sm *SyncManager) handleBlockMsg(bmsg *blockMsg) {
	p := bmsg.peer
	state, exists := sm.peerStates[p]
	if !exists {
		log.Warnf("Received block message from unknown peer %s", p)
		return
	}

	blockHash := bmsg.block.BlockHash()
	req, ok := sm.inFlight[blockHash]
	if !ok || req.peer != p {
		// A slow peer may still answer a request that has since been
		// reassigned away from it.  It already paid for the timeout,
		// so the late body is dropped without a second penalty.
		key := reassignKey{hash: blockHash, peer: p.ID()}
		if sm.reassignedBlocks.Contains(key) {
			log.Debugf("Ignoring late block %v from %s after "+
				"reassignment", blockHash, p)
			return
		}

		// The peer sent a block we never asked it for.
		sm.cfg.Penalize(p, penaltyModerate, "sent unrequested block")
		return
	}

	delete(sm.inFlight, blockHash)
	delete(state.requestedBlocks, blockHash)

	switch {
	case req.height == sm.nextDeliverHeight:
		sm.deliver(req.height, blockHash, bmsg.buf, p)

		// Drain any consecutively buffered successors.
		for {
			b, ok := sm.buffered[sm.nextDeliverHeight]
			if !ok {
				break
			}
			delete(sm.buffered, sm.nextDeliverHeight)
			sm.deliver(sm.nextDeliverHeight, b.hash, b.raw, b.peer)
		}

	case req.height > sm.nextDeliverHeight:
		// Arrived ahead of an earlier missing height.
		sm.buffered[req.height] = &bufferedBlock{
			hash: blockHash,
			raw:  bmsg.buf,
			peer: p,
		}

	default:
		// Below the delivery cursor, already delivered.  Nothing to
		// do.
	}

	sm.fillRequests()
}

// deliver hands one block body to the submission worker and advances the
// delivery cursor.  Delivery order is strictly ascending by height because
// this is only ever called with the cursor height.  While the submission
// queue is full, pending validation results are consumed in place so the
// worker always drains the queue and the send eventually completes.
func (sm *SyncManager) deliver(height int32, hash chainhash.Hash, raw []byte,
	p *peer.Peer) {

	sub := &blockSubmission{
		height: height,
		hash:   hash,
		raw:    raw,
		peer:   p,
	}
	for {
		select {
		case sm.submitChan <- sub:
			sm.nextDeliverHeight = height + 1
			return

		case result := <-sm.resultChan:
			sm.handleValidationResult(result)

		case <-sm.quit:
			return
		}
	}
}

// handleValidationResult processes the engine's verdict on a delivered block.
// A rejection penalizes the supplying peer and discards the block; queued
// descendant requests are deliberately not cancelled.
func (sm *SyncManager) handleValidationResult(msg *validationResultMsg) {
	if msg.err != nil {
		log.Warnf("Validation engine rejected block %v (height %d) "+
			"from %s: %v", msg.hash, msg.height, msg.peer, msg.err)
		sm.rejectedBlocks.Add(msg.hash)
		if _, exists := sm.peerStates[msg.peer]; exists {
			sm.cfg.Penalize(msg.peer, penaltySevere,
				"served a block the validation engine rejected")
		}
		return
	}

	log.Tracef("Block %v (height %d) accepted by validation engine",
		msg.hash, msg.height)

	if sm.isCurrent() && len(sm.buffered) == 0 {
		log.Infof("Block sync complete at height %d", msg.height)
	}
}

// handleInvMsg handles inv messages from all peers.  During steady state a
// block announcement for an unknown hash re-enters header sync with the
// announcing peer.
func (sm *SyncManager) handleInvMsg(imsg *invMsg) {
	p := imsg.peer
	if _, exists := sm.peerStates[p]; !exists {
		log.Warnf("Received inv message from unknown peer %s", p)
		return
	}

	// Find the last block hash in the inv, if any.
	var lastBlock *chainhash.Hash
	for i := len(imsg.inv.InvList) - 1; i >= 0; i-- {
		if imsg.inv.InvList[i].Type == wire.InvTypeBlock {
			lastBlock = &imsg.inv.InvList[i].Hash
			break
		}
	}
	if lastBlock == nil {
		return
	}

	// Ignore announcements until the initial sync has completed; the
	// header stream will pick the block up anyway.
	if sm.phase != PhaseComplete {
		return
	}

	if sm.cfg.Headers.HasHeader(lastBlock) {
		return
	}

	// A new block we have no header for: resume header sync from the
	// announcing peer.
	log.Debugf("Peer %s announced unknown block %v, resuming header sync",
		p, lastBlock)
	locator, err := sm.cfg.Headers.BlockLocator()
	if err != nil {
		log.Errorf("Failed to build block locator: %v", err)
		return
	}
	sm.syncPeer = p
	sm.phase = PhaseAwaitingHeaders
	sm.lastHeaderActivity = time.Now()
	if err := p.PushGetHeadersMsg(locator, &zeroHash); err != nil {
		log.Errorf("Failed to push getheaders to %s: %v", p, err)
	}
}

// handleNotFoundMsg handles notfound messages from all peers.  A notfound for
// an in-flight block is treated like a failed request: the request is
// reassigned and the peer penalized lightly.
func (sm *SyncManager) handleNotFoundMsg(nfmsg *notFoundMsg) {
	p := nfmsg.peer
	state, exists := sm.peerStates[p]
	if !exists {
		log.Warnf("Received notfound message from unknown peer %s", p)
		return
	}

	reassigned := 0
	for _, inv := range nfmsg.notFound.InvList {
		if inv.Type != wire.InvTypeBlock {
			continue
		}
		req, ok := sm.inFlight[inv.Hash]
		if !ok || req.peer != p {
			continue
		}

		delete(sm.inFlight, inv.Hash)
		delete(state.requestedBlocks, inv.Hash)
		sm.reassignedBlocks.Add(reassignKey{hash: inv.Hash, peer: p.ID()})
		req.peer = nil
		req.exclude(p.ID())
		sm.requeue(req)
		reassigned++
	}

	if reassigned > 0 {
		sm.cfg.Penalize(p, penaltyMinor, "notfound for requested blocks")
		sm.fillRequests()
	}
}

// handleSweep runs the periodic timeout sweep: stalled header requests
// restart sync peer selection, and expired block requests are reassigned to
// different peers with a penalty for the unresponsive one.
func (sm *SyncManager) handleSweep() {
	now := time.Now()

	// Header request stall.
	if (sm.phase == PhaseAwaitingHeaders || sm.phase == PhaseVerifying) &&
		sm.syncPeer != nil &&
		now.Sub(sm.lastHeaderActivity) > sm.cfg.HeaderTimeout {

		sm.handleSyncFailure(sm.syncPeer, penaltyMinor,
			"header request timeout")
	}

	// Block request timeouts.  A timed out request goes back to the front
	// of the queue excluding the unresponsive peer, so the next fill
	// assigns it elsewhere.
	expired := 0
	for hash, req := range sm.inFlight {
		if now.Sub(req.requestedAt) <= sm.cfg.BlockTimeout {
			continue
		}

		p := req.peer
		log.Debugf("Block %v request to %s timed out, reassigning",
			hash, p)
		sm.cfg.Penalize(p, penaltyMinor, "block request timeout")
		if state, ok := sm.peerStates[p]; ok {
			delete(state.requestedBlocks, hash)
		}
		delete(sm.inFlight, hash)
		sm.reassignedBlocks.Add(reassignKey{hash: hash, peer: p.ID()})
		req.peer = nil
		req.exclude(p.ID())
		sm.requeue(req)
		expired++
	}
	if expired > 0 {
		sm.fillRequests()
	}

	// Expire sync peer cooldowns.
	for id, until := range sm.failedSyncPeers {
		if now.After(until) {
			delete(sm.failedSyncPeers, id)
		}
	}

	// Retry peer selection while stalled.
	if sm.phase == PhaseIdle || sm.phase == PhaseSelectingPeer {
		sm.startSync()
	}
}

// currentSyncState builds a snapshot of the sync state.  It may only be
// called from the blockHandler goroutine.
func (sm *SyncManager) currentSyncState() SyncState {
	_, tipHeight := sm.cfg.Headers.Tip()
	best := tipHeight
	for p, state := range sm.peerStates {
		if state.syncCandidate && p.LastBlock() > best {
			best = p.LastBlock()
		}
	}

	var syncPeerID int32
	if sm.syncPeer != nil {
		syncPeerID = sm.syncPeer.ID()
	}

	return SyncState{
		BestKnownHeight: best,
		SyncPeerID:      syncPeerID,
		Phase:           sm.phase,
	}
}

// isCurrent reports whether the header chain is caught up and every fetched
// block has been handed to the validation engine.  It may only be called from
// the blockHandler goroutine.
func (sm *SyncManager) isCurrent() bool {
	if !sm.headersSynced {
		return false
	}
	_, tipHeight := sm.cfg.Headers.Tip()
	return sm.nextDeliverHeight > tipHeight &&
		len(sm.inFlight) == 0 && len(sm.fetchQueue) == 0
}
