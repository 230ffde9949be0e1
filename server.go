package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsyncd/btcsyncd/addrmgr"
	"github.com/btcsyncd/btcsyncd/headerdb"
	"github.com/btcsyncd/btcsyncd/netsync"
	"github.com/btcsyncd/btcsyncd/peer"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultServices describes the default services that are supported by
	// the server.
	defaultServices = wire.SFNodeNetwork | wire.SFNodeWitness

	// connectionRetryInterval is the base amount of time to wait in
	// between retries when connecting to persistent peers.  It is adjusted
	// by the number of retries such that there is a retry backoff.
	connectionRetryInterval = time.Second * 5

	// feelerInterval is how often a short-lived probe connection is made
	// to an untried address to verify it is reachable before it is
	// promoted in the address book.
	feelerInterval = time.Minute * 2

	// feelerHandshakeTimeout bounds the whole feeler probe.
	feelerHandshakeTimeout = time.Second * 20
)

// simpleAddr implements the net.Addr interface with two struct fields.
type simpleAddr struct {
	net, addr string
}

// String returns the address.
//
// This is part of the net.Addr interface.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
//
// This is part of the net.Addr interface.
func (a simpleAddr) Network() string {
	return a.net
}

// serverPeer extends the peer to maintain state shared by the server and the
// sync manager.
type serverPeer struct {
	*peer.Peer

	connReq    *connmgr.ConnReq
	server     *server
	persistent bool
	banScore   connmgr.DynamicBanScore
	sentAddrs  bool

	// blockProcessed signals when a block message from this peer has been
	// fully processed by the sync manager, throttling the read loop.
	blockProcessed chan struct{}

	quit chan struct{}
}

// newServerPeer returns a new serverPeer instance.  The peer needs to be set
// by the caller.
func newServerPeer(s *server, isPersistent bool) *serverPeer {
	return &serverPeer{
		server:         s,
		persistent:     isPersistent,
		blockProcessed: make(chan struct{}, 1),
		quit:           make(chan struct{}),
	}
}

// addBanScore increases the persistent ban score for the peer and disconnects
// and bans it when the configured threshold is crossed.
func (sp *serverPeer) addBanScore(score uint32, reason string) {
	if score == 0 || cfg.BanThreshold == 0 {
		return
	}

	total := sp.banScore.Increase(score, 0)
	if total < cfg.BanThreshold {
		srvrLog.Debugf("Misbehaving peer %s: %s -- ban score "+
			"increased to %d", sp, reason, total)
		return
	}

	srvrLog.Warnf("Misbehaving peer %s: %s -- banning and disconnecting "+
		"(score %d)", sp, reason, total)
	sp.server.BanPeer(sp)
	sp.Disconnect()
}

// OnVersion is invoked when a peer receives a version wire message.  It
// records the peer's advertised services and, for outbound peers, refreshes
// the address book timestamps.
func (sp *serverPeer) OnVersion(_ *peer.Peer, msg *wire.MsgVersion) {
	addrManager := sp.server.addrManager

	// Outbound connections refresh the known-address timestamp.
	if !sp.Inbound() {
		addrManager.Connected(sp.NA())
	}
}

// OnReady is invoked once the handshake has completed.  The peer is handed to
// the server's peer handler and, for outbound peers, its address is promoted
// in the address book.
func (sp *serverPeer) OnReady(_ *peer.Peer) {
	s := sp.server

	// A completed handshake promotes the address to the tried table.
	if !sp.Inbound() {
		s.addrManager.Good(sp.NA())
	}

	// Ask for more addresses when the address book is thin.
	if !sp.Inbound() && s.addrManager.NeedMoreAddresses() {
		sp.QueueMessage(wire.NewMsgGetAddr(), nil)
	}

	s.AddPeer(sp)
}

// OnGetAddr is invoked when a peer receives a getaddr wire message and is
// used to provide the peer with known addresses from the address manager.
func (sp *serverPeer) OnGetAddr(_ *peer.Peer, msg *wire.MsgGetAddr) {
	// Don't return any addresses when running on the simulation test
	// network.  This helps prevent the network from becoming another
	// public test network since it will not be able to learn about other
	// peers that have not specifically been provided.
	if cfg.SimNet {
		return
	}

	// Only respond with addresses once per connection.  This helps reduce
	// traffic and further reduces fingerprinting attacks.
	if sp.sentAddrs {
		srvrLog.Debugf("Ignoring repeated getaddr request from peer "+
			"%v", sp)
		return
	}
	sp.sentAddrs = true

	addrCache := sp.server.addrManager.AddressCache()
	if _, err := sp.PushAddrMsg(addrCache); err != nil {
		srvrLog.Errorf("Failed to push addresses to %v: %v", sp, err)
	}
}

// OnAddr is invoked when a peer receives an addr wire message and is used to
// notify the server about advertised addresses.
func (sp *serverPeer) OnAddr(_ *peer.Peer, msg *wire.MsgAddr) {
	// Ignore addresses when running on the simulation test network.  This
	// helps prevent the network from becoming another public test network
	// since it will not be able to learn about other peers that have not
	// specifically been provided.
	if cfg.SimNet {
		return
	}

	// A message that has no addresses is invalid.
	if len(msg.AddrList) == 0 {
		sp.addBanScore(10, "sent empty addr message")
		return
	}

	now := time.Now()
	for _, na := range msg.AddrList {
		// Ignore addresses advertised far in the future and clamp the
		// rest so stale entries age out normally.
		if na.Timestamp.After(now.Add(time.Minute * 10)) {
			na.Timestamp = now.Add(-time.Hour * 24 * 5)
		}
	}

	sp.server.addrManager.AddAddresses(msg.AddrList, sp.NA())
}

// OnHeaders is invoked when a peer receives a headers wire message.  The
// message is passed to the sync manager.
func (sp *serverPeer) OnHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	sp.server.syncManager.QueueHeaders(msg, sp.Peer)
}

// OnBlock is invoked when a peer receives a block wire message.  It blocks
// until the block has been fully processed, which keeps a flooding peer from
// filling memory with unprocessed bodies.
func (sp *serverPeer) OnBlock(_ *peer.Peer, msg *wire.MsgBlock, buf []byte) {
	sp.server.syncManager.QueueBlock(msg, buf, sp.Peer, sp.blockProcessed)
	<-sp.blockProcessed
}

// OnInv is invoked when a peer receives an inv wire message.  The message is
// passed to the sync manager.
func (sp *serverPeer) OnInv(_ *peer.Peer, msg *wire.MsgInv) {
	sp.server.syncManager.QueueInv(msg, sp.Peer)
}

// OnNotFound is invoked when a peer receives a notfound wire message.  The
// message is passed to the sync manager.
func (sp *serverPeer) OnNotFound(_ *peer.Peer, msg *wire.MsgNotFound) {
	sp.server.syncManager.QueueNotFound(msg, sp.Peer)
}

// OnGetHeaders is invoked when a peer receives a getheaders wire message and
// serves up to a full batch of headers following the most recent known
// locator hash.
func (sp *serverPeer) OnGetHeaders(_ *peer.Peer, msg *wire.MsgGetHeaders) {
	store := sp.server.headerStore

	// Find the most recent known block among the locator hashes.  An
	// unknown locator degrades to the genesis block.
	start := int32(1)
	for _, hash := range msg.BlockLocatorHashes {
		if height, err := store.HeightByHash(hash); err == nil {
			start = height + 1
			break
		}
	}

	_, tipHeight := store.Tip()
	headersMsg := wire.NewMsgHeaders()
	for height := start; height <= tipHeight; height++ {
		header, err := store.FetchHeaderByHeight(height)
		if err != nil {
			srvrLog.Errorf("Missing header at height %d: %v",
				height, err)
			return
		}
		if err := headersMsg.AddBlockHeader(header); err != nil {
			break
		}
		if header.BlockHash() == msg.HashStop {
			break
		}
	}
	sp.QueueMessage(headersMsg, nil)
}

// OnGetData is invoked when a peer receives a getdata wire message.  Block
// bodies live in the external validation engine, so every request is answered
// with notfound.
func (sp *serverPeer) OnGetData(_ *peer.Peer, msg *wire.MsgGetData) {
	if len(msg.InvList) == 0 {
		return
	}

	notFound := wire.NewMsgNotFound()
	for _, iv := range msg.InvList {
		if err := notFound.AddInvVect(iv); err != nil {
			break
		}
	}
	sp.QueueMessage(notFound, nil)
}

// server provides a bitcoin server for handling communications to and from
// bitcoin peers.
type server struct {
	started  int32
	shutdown int32

	chainParams *chaincfg.Params
	addrManager *addrmgr.AddrManager
	connManager *connmgr.ConnManager
	syncManager *netsync.SyncManager
	headerStore *headerdb.Store
	kernel      netsync.Kernel
	metrics     *metrics

	newPeers  chan *serverPeer
	donePeers chan *serverPeer
	banPeers  chan *serverPeer
	query     chan interface{}

	// peerIndex maps the embedded peer back to its server state so
	// callbacks holding only a *peer.Peer (the sync manager's Penalize)
	// can reach the ban accounting.
	peerIndexMtx sync.RWMutex
	peerIndex    map[*peer.Peer]*serverPeer

	feelerTicker ticker.Ticker

	wg   sync.WaitGroup
	quit chan struct{}
}

// peerState maintains state of inbound, persistent and outbound peers as well
// as banned peers and outbound groups.
type peerState struct {
	inboundPeers    map[int32]*serverPeer
	outboundPeers   map[int32]*serverPeer
	persistentPeers map[int32]*serverPeer
	banned          map[string]time.Time
	outboundGroups  map[string]int
}

// Count returns the count of all known peers.
func (ps *peerState) Count() int {
	return len(ps.inboundPeers) + len(ps.outboundPeers) +
		len(ps.persistentPeers)
}

// forAllOutboundPeers is a helper function that runs closure on all outbound
// peers known to peerState.
func (ps *peerState) forAllOutboundPeers(closure func(sp *serverPeer)) {
	for _, e := range ps.outboundPeers {
		closure(e)
	}
	for _, e := range ps.persistentPeers {
		closure(e)
	}
}

// getOutboundGroupMsg asks the peer handler how many outbound connections
// currently share the given network group key.
type getOutboundGroupMsg struct {
	key   string
	reply chan int
}

// getConnCountMsg asks the peer handler for the number of fully connected
// peers.
type getConnCountMsg struct {
	reply chan int32
}

// newPeerConfig returns the configuration for the given serverPeer.
func newPeerConfig(sp *serverPeer) *peer.Config {
	s := sp.server
	return &peer.Config{
		NewestBlock: func() (*chainhash.Hash, int32, error) {
			hash, height := s.headerStore.Tip()
			return &hash, height, nil
		},
		HostToNetAddress: s.addrManager.HostToNetAddress,
		UserAgentName:    cfg.UserAgent,
		UserAgentVersion: version(),
		ChainParams:      s.chainParams,
		Services:         defaultServices,
		Listeners: peer.MessageListeners{
			OnVersion:    sp.OnVersion,
			OnReady:      sp.OnReady,
			OnGetAddr:    sp.OnGetAddr,
			OnAddr:       sp.OnAddr,
			OnHeaders:    sp.OnHeaders,
			OnBlock:      sp.OnBlock,
			OnInv:        sp.OnInv,
			OnNotFound:   sp.OnNotFound,
			OnGetHeaders: sp.OnGetHeaders,
			OnGetData:    sp.OnGetData,
		},
		AllowSelfConns: cfg.SimNet,
	}
}

// inboundPeerConnected is invoked by the connection manager when a new
// inbound connection is established.  It initializes a new inbound server
// peer instance and starts a goroutine to wait for disconnection.
func (s *server) inboundPeerConnected(conn net.Conn) {
	sp := newServerPeer(s, false)
	sp.Peer = peer.NewInboundPeer(newPeerConfig(sp))
	s.registerPeer(sp)
	sp.AssociateConnection(conn)
	go s.peerDoneHandler(sp)
}

// outboundPeerConnected is invoked by the connection manager when a new
// outbound connection is established.  It initializes a new outbound server
// peer instance and starts a goroutine to wait for disconnection.
func (s *server) outboundPeerConnected(c *connmgr.ConnReq, conn net.Conn) {
	sp := newServerPeer(s, c.Permanent)
	p, err := peer.NewOutboundPeer(newPeerConfig(sp), c.Addr.String())
	if err != nil {
		srvrLog.Debugf("Cannot create outbound peer %s: %v", c.Addr,
			err)
		if c.Permanent {
			s.connManager.Disconnect(c.ID())
		} else {
			s.connManager.Remove(c.ID())
			go s.connManager.NewConnReq()
		}
		return
	}
	sp.Peer = p
	sp.connReq = c
	s.registerPeer(sp)
	s.addrManager.Attempt(sp.NA())
	sp.AssociateConnection(conn)
	go s.peerDoneHandler(sp)
}

// registerPeer adds the peer to the reverse index used by callbacks that only
// hold the embedded peer.
func (s *server) registerPeer(sp *serverPeer) {
	s.peerIndexMtx.Lock()
	defer s.peerIndexMtx.Unlock()

	s.peerIndex[sp.Peer] = sp
}

// unregisterPeer removes the peer from the reverse index.
func (s *server) unregisterPeer(sp *serverPeer) {
	s.peerIndexMtx.Lock()
	defer s.peerIndexMtx.Unlock()

	delete(s.peerIndex, sp.Peer)
}

// lookupPeer maps an embedded peer back to its server peer, or nil.
func (s *server) lookupPeer(p *peer.Peer) *serverPeer {
	s.peerIndexMtx.RLock()
	defer s.peerIndexMtx.RUnlock()

	return s.peerIndex[p]
}

// penalizePeer is handed to the sync manager as its Penalize callback.
func (s *server) penalizePeer(p *peer.Peer, score uint32, reason string) {
	if sp := s.lookupPeer(p); sp != nil {
		sp.addBanScore(score, reason)
	}
}

// peerDoneHandler handles peer disconnects by notifying the server that it's
// done along with other performing other desirable cleanup.
func (s *server) peerDoneHandler(sp *serverPeer) {
	sp.WaitForDisconnect()

	if reason := sp.DisconnectReason(); reason != nil {
		srvrLog.Debugf("Peer %s disconnected: %v", sp, reason)
	}

	s.donePeers <- sp

	// Only tell the sync manager when the peer made it far enough to have
	// been announced to it.
	if sp.VersionKnown() {
		s.syncManager.DonePeer(sp.Peer)
	}
	close(sp.quit)
}

// handleAddPeerMsg deals with adding new peers.  It is invoked from the
// peerHandler goroutine.
func (s *server) handleAddPeerMsg(state *peerState, sp *serverPeer) bool {
	if sp == nil || !sp.Connected() {
		return false
	}

	// Disconnect peers if we're shutting down.
	if atomic.LoadInt32(&s.shutdown) != 0 {
		srvrLog.Infof("New peer %s ignored - server is shutting down",
			sp)
		sp.Disconnect()
		return false
	}

	// Disconnect banned peers.
	host, _, err := net.SplitHostPort(sp.Addr())
	if err != nil {
		srvrLog.Debugf("can't split host/port: %v", err)
		sp.Disconnect()
		return false
	}
	if banEnd, ok := state.banned[host]; ok {
		if time.Now().Before(banEnd) {
			srvrLog.Debugf("Peer %s is banned for another %v - "+
				"disconnecting", host,
				time.Until(banEnd))
			sp.Disconnect()
			return false
		}

		srvrLog.Infof("Peer %s is no longer banned", host)
		delete(state.banned, host)
	}

	// Limit max number of total peers.
	if state.Count() >= cfg.MaxPeers {
		srvrLog.Infof("Max peers reached [%d] - disconnecting peer %s",
			cfg.MaxPeers, sp)
		sp.Disconnect()
		return false
	}

	// Add the new peer and start it.
	srvrLog.Debugf("New peer %s", sp)
	if sp.Inbound() {
		state.inboundPeers[sp.ID()] = sp
	} else {
		state.outboundGroups[addrmgr.GroupKey(sp.NA())]++
		if sp.persistent {
			state.persistentPeers[sp.ID()] = sp
		} else {
			state.outboundPeers[sp.ID()] = sp
		}
	}

	s.syncManager.NewPeer(sp.Peer)
	return true
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It
// is invoked from the peerHandler goroutine.
func (s *server) handleDonePeerMsg(state *peerState, sp *serverPeer) {
	var list map[int32]*serverPeer
	if sp.persistent {
		list = state.persistentPeers
	} else if sp.Inbound() {
		list = state.inboundPeers
	} else {
		list = state.outboundPeers
	}
	if _, ok := list[sp.ID()]; ok {
		if !sp.Inbound() && sp.VersionKnown() {
			state.outboundGroups[addrmgr.GroupKey(sp.NA())]--
		}
		if !sp.Inbound() && sp.connReq != nil {
			s.connManager.Disconnect(sp.connReq.ID())
		}
		delete(list, sp.ID())
		srvrLog.Debugf("Removed peer %s", sp)
	} else if sp.connReq != nil {
		// The peer failed before it was ever added to the state, so
		// only the connection manager entry needs cleanup.
		if sp.persistent {
			s.connManager.Disconnect(sp.connReq.ID())
		} else {
			s.connManager.Remove(sp.connReq.ID())
			go s.connManager.NewConnReq()
		}
	}

	s.unregisterPeer(sp)
}

// handleBanPeerMsg deals with banning peers.  It is invoked from the
// peerHandler goroutine.
func (s *server) handleBanPeerMsg(state *peerState, sp *serverPeer) {
	host, _, err := net.SplitHostPort(sp.Addr())
	if err != nil {
		srvrLog.Debugf("can't split ban peer %s: %v", sp.Addr(), err)
		return
	}
	srvrLog.Infof("Banned peer %s for %v", host, cfg.BanDuration)
	state.banned[host] = time.Now().Add(cfg.BanDuration)
	s.metrics.bansTotal.Inc()
}

// handleQuery is the central handler for all queries and commands from other
// goroutines related to the peer state.
func (s *server) handleQuery(state *peerState, querymsg interface{}) {
	switch msg := querymsg.(type) {
	case getConnCountMsg:
		nconnected := int32(0)
		state.forAllOutboundPeers(func(sp *serverPeer) {
			if sp.Connected() {
				nconnected++
			}
		})
		for _, sp := range state.inboundPeers {
			if sp.Connected() {
				nconnected++
			}
		}
		msg.reply <- nconnected

	case getOutboundGroupMsg:
		msg.reply <- state.outboundGroups[msg.key]
	}
}

// feelerProbe dials the given untried address with a short-lived throwaway
// peer.  A completed handshake promotes the address in the address book; the
// connection is torn down either way.
func (s *server) feelerProbe(ka *addrmgr.KnownAddress) {
	na := ka.NetAddress()
	addr := net.JoinHostPort(na.IP.String(),
		strconv.Itoa(int(na.Port)))

	s.addrManager.Attempt(na)

	probeCfg := &peer.Config{
		NewestBlock: func() (*chainhash.Hash, int32, error) {
			hash, height := s.headerStore.Tip()
			return &hash, height, nil
		},
		UserAgentName:    cfg.UserAgent,
		UserAgentVersion: version(),
		ChainParams:      s.chainParams,
		Services:         defaultServices,
		HandshakeTimeout: feelerHandshakeTimeout,
		Listeners: peer.MessageListeners{
			OnReady: func(p *peer.Peer) {
				srvrLog.Debugf("Feeler handshake with %s "+
					"succeeded", p)
				s.addrManager.Good(na)
				p.Disconnect()
			},
		},
	}
	probe, err := peer.NewOutboundPeer(probeCfg, addr)
	if err != nil {
		srvrLog.Debugf("Feeler address %s unusable: %v", addr, err)
		return
	}

	conn, err := cfg.dial("tcp", addr, feelerHandshakeTimeout)
	if err != nil {
		srvrLog.Debugf("Feeler dial to %s failed: %v", addr, err)
		return
	}
	probe.AssociateConnection(conn)
	probe.WaitForDisconnect()
}

// peerHandler is used to handle peer operations such as adding and removing
// peers to and from the server, banning peers, and broadcasting messages to
// peers.  It must be run in a goroutine.
func (s *server) peerHandler() {
	s.addrManager.Start()

	srvrLog.Tracef("Starting peer handler")

	state := &peerState{
		inboundPeers:    make(map[int32]*serverPeer),
		persistentPeers: make(map[int32]*serverPeer),
		outboundPeers:   make(map[int32]*serverPeer),
		banned:          make(map[string]time.Time),
		outboundGroups:  make(map[string]int),
	}

	if !cfg.DisableDNSSeed {
		// Add peers discovered through DNS to the address manager.
		connmgr.SeedFromDNS(s.chainParams, defaultServices,
			cfg.lookup, func(addrs []*wire.NetAddressV2) {
				// Bitcoind uses a lookup of the dns seeder
				// here. Since seeder returns IPs of nodes and
				// not its own IP, we can not know real IP of
				// source.  So we use the first returned
				// address as the source.
				legacyAddrs := make([]*wire.NetAddress, len(addrs))
				for i, addr := range addrs {
					legacyAddrs[i] = addr.ToLegacy()
				}
				s.addrManager.AddAddresses(legacyAddrs, legacyAddrs[0])
			})
	}
	go s.connManager.Start()

	s.feelerTicker.Resume()
	defer s.feelerTicker.Stop()

out:
	for {
		select {
		// New peers connected to the server.
		case p := <-s.newPeers:
			s.handleAddPeerMsg(state, p)

		// Disconnected peers.
		case p := <-s.donePeers:
			s.handleDonePeerMsg(state, p)

		// Peer to ban.
		case p := <-s.banPeers:
			s.handleBanPeerMsg(state, p)

		case qmsg := <-s.query:
			s.handleQuery(state, qmsg)

		// Probe an untried address in the background.
		case <-s.feelerTicker.Ticks():
			if ka := s.addrManager.FeelerAddress(); ka != nil {
				go s.feelerProbe(ka)
			}

		case <-s.quit:
			// Disconnect all peers on server shutdown.
			state.forAllOutboundPeers(func(sp *serverPeer) {
				srvrLog.Tracef("Shutdown peer %s", sp)
				sp.Disconnect()
			})
			for _, sp := range state.inboundPeers {
				srvrLog.Tracef("Shutdown peer %s", sp)
				sp.Disconnect()
			}
			break out
		}
	}

	s.connManager.Stop()
	s.addrManager.Stop()

	// Drain channels before exiting so nothing is left waiting around to
	// send.
cleanup:
	for {
		select {
		case <-s.newPeers:
		case <-s.donePeers:
		case <-s.banPeers:
		case qmsg := <-s.query:
			s.handleQuery(state, qmsg)
		default:
			break cleanup
		}
	}
	s.wg.Done()
	srvrLog.Tracef("Peer handler done")
}

// AddPeer adds a new peer that has already been connected to the server.
func (s *server) AddPeer(sp *serverPeer) {
	select {
	case s.newPeers <- sp:
	case <-s.quit:
	}
}

// BanPeer bans a peer that has already been connected to the server by ip.
func (s *server) BanPeer(sp *serverPeer) {
	select {
	case s.banPeers <- sp:
	case <-s.quit:
	}
}

// ConnectedCount returns the number of currently connected peers.
func (s *server) ConnectedCount() int32 {
	replyChan := make(chan int32, 1)
	select {
	case s.query <- getConnCountMsg{reply: replyChan}:
		return <-replyChan
	case <-s.quit:
		return 0
	}
}

// OutboundGroupCount returns the number of currently connected outbound peers
// in the given network group key.
func (s *server) OutboundGroupCount(key string) int {
	replyChan := make(chan int, 1)
	select {
	case s.query <- getOutboundGroupMsg{key: key, reply: replyChan}:
		return <-replyChan
	case <-s.quit:
		return 0
	}
}

// Start begins accepting connections from peers.
func (s *server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	srvrLog.Trace("Starting server")

	s.wg.Add(1)
	go s.peerHandler()

	s.syncManager.Start()
	s.metrics.start()
}

// Stop gracefully shuts down the server by stopping and disconnecting all
// peers and the main listener.
func (s *server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		srvrLog.Infof("Server is already in the process of shutting down")
		return nil
	}

	srvrLog.Warnf("Server shutting down")

	s.metrics.stop()
	s.syncManager.Stop()

	// Signal the remaining goroutines to quit.
	close(s.quit)
	s.wg.Wait()
	return nil
}

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP.  It also
// properly detects addresses which apply to "all interfaces" and adds the
// address as both IPv4 and IPv6.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, err
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || (host == "*") {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		// Parse the IP.
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		// To4 returns nil when the IP is not an IPv4 address, so use
		// this determine the address type.
		if ip.To4() == nil {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		}
	}
	return netAddrs, nil
}

// initListeners initializes the configured net listeners and adds any bound
// addresses to the address manager.
func initListeners(amgr *addrmgr.AddrManager, listenAddrs []string) ([]net.Listener, error) {
	// Listen for TCP connections at the configured addresses.
	netAddrs, err := parseListeners(listenAddrs)
	if err != nil {
		return nil, err
	}

	listeners := make([]net.Listener, 0, len(netAddrs))
	for _, addr := range netAddrs {
		listener, err := net.Listen(addr.Network(), addr.String())
		if err != nil {
			srvrLog.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	if len(listeners) == 0 {
		return nil, errors.New("no valid listen address")
	}

	// Advertise the external addresses, or the bound ones when none were
	// configured.
	for _, sip := range cfg.ExternalIPs {
		eport := uint16(0)
		host, portstr, err := net.SplitHostPort(sip)
		if err != nil {
			// no port, use default.
			host = sip
		} else {
			port, err := strconv.ParseUint(portstr, 10, 16)
			if err != nil {
				srvrLog.Warnf("Can not parse port from %s for "+
					"externalip: %v", sip, err)
				continue
			}
			eport = uint16(port)
		}
		if eport == 0 {
			port, err := strconv.ParseUint(
				activeNetParams.defaultPort, 10, 16,
			)
			if err != nil {
				continue
			}
			eport = uint16(port)
		}
		na, err := amgr.HostToNetAddress(host, eport, defaultServices)
		if err != nil {
			srvrLog.Warnf("Not adding %s as an external ip: %v",
				sip, err)
			continue
		}
		if err := amgr.AddLocalAddress(na); err != nil {
			srvrLog.Warnf("Skipping specified external IP: %v", err)
		}
	}

	return listeners, nil
}

// addrStringToNetAddr takes an address in the form of 'host:port' and returns
// a net.Addr which maps to the original address with any host names resolved
// to IP addresses.
func addrStringToNetAddr(addr string) (net.Addr, error) {
	host, strPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(strPort)
	if err != nil {
		return nil, err
	}

	// Attempt to look up an IP address associated with the parsed host.
	ips, err := cfg.lookup(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}

	return &net.TCPAddr{
		IP:   ips[0],
		Port: port,
	}, nil
}

// newServer returns a new btcsyncd server configured to listen on addr for
// the bitcoin network type specified by chainParams.  Use start to begin
// accepting connections from peers.
func newServer(listenAddrs []string, chainParams *chaincfg.Params,
	headerStore *headerdb.Store, kernel netsync.Kernel) (*server, error) {

	amgr := addrmgr.New(cfg.DataDir, cfg.lookup)

	var listeners []net.Listener
	if !cfg.DisableListen {
		var err error
		listeners, err = initListeners(amgr, listenAddrs)
		if err != nil {
			return nil, err
		}
	}

	s := server{
		chainParams:  chainParams,
		addrManager:  amgr,
		headerStore:  headerStore,
		kernel:       kernel,
		newPeers:     make(chan *serverPeer, cfg.MaxPeers),
		donePeers:    make(chan *serverPeer, cfg.MaxPeers),
		banPeers:     make(chan *serverPeer, cfg.MaxPeers),
		query:        make(chan interface{}),
		peerIndex:    make(map[*peer.Peer]*serverPeer),
		feelerTicker: ticker.New(feelerInterval),
		quit:         make(chan struct{}),
	}
	s.metrics = newMetrics(&s)

	var err error
	s.syncManager, err = netsync.New(&netsync.Config{
		ChainParams: chainParams,
		Headers:     headerStore,
		Kernel:      kernel,
		Penalize:    s.penalizePeer,
		MaxPeers:    cfg.MaxPeers,
	})
	if err != nil {
		return nil, err
	}

	// Only setup a function to return new addresses to connect to when
	// not running in connect-only mode.  The simulation network is always
	// in connect-only mode since it is only intended to connect to
	// specified peers and actively avoid advertising and connecting to
	// discovered peers in order to prevent it from becoming a public test
	// network.
	var newAddressFunc func() (net.Addr, error)
	if !cfg.SimNet && len(cfg.ConnectPeers) == 0 {
		newAddressFunc = func() (net.Addr, error) {
			for tries := 0; tries < 100; tries++ {
				addr := s.addrManager.GetAddress()
				if addr == nil {
					break
				}

				// Address will not be invalid, local or
				// unroutable because addrmanager rejects those
				// on addition.  Just check that we don't
				// already have an address in the same group so
				// that we are not connecting to the same
				// network segment at the expense of others.
				key := addrmgr.GroupKey(addr.NetAddress())
				if s.OutboundGroupCount(key) != 0 {
					continue
				}

				// Only allow recent nodes (10mins) after we
				// failed 30 times.
				if tries < 30 && time.Since(addr.LastAttempt()) < 10*time.Minute {
					continue
				}

				na := addr.NetAddress()
				addrString := net.JoinHostPort(
					na.IP.String(),
					strconv.Itoa(int(na.Port)),
				)
				return addrStringToNetAddr(addrString)
			}

			return nil, errors.New("no valid connect address")
		}
	}

	// Create a connection manager.
	targetOutbound := cfg.TargetOutbound
	if cfg.MaxPeers < targetOutbound {
		targetOutbound = cfg.MaxPeers
	}
	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      listeners,
		OnAccept:       s.inboundPeerConnected,
		RetryDuration:  connectionRetryInterval,
		TargetOutbound: uint32(targetOutbound),
		Dial: func(addr net.Addr) (net.Conn, error) {
			return cfg.dial(addr.Network(), addr.String(),
				defaultConnectTimeout)
		},
		OnConnection: s.outboundPeerConnected,
		GetNewAddress: newAddressFunc,
	})
	if err != nil {
		return nil, err
	}
	s.connManager = cmgr

	// Start up persistent peers.
	permanentPeers := cfg.ConnectPeers
	if len(permanentPeers) == 0 {
		permanentPeers = cfg.AddPeers
	}
	for _, addr := range permanentPeers {
		netAddr, err := addrStringToNetAddr(addr)
		if err != nil {
			return nil, err
		}

		go s.connManager.Connect(&connmgr.ConnReq{
			Addr:      netAddr,
			Permanent: true,
		})
	}

	return &s, nil
}
