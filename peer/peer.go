package peer

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/lru"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// MaxProtocolVersion is the max protocol version the peer supports.
	MaxProtocolVersion = wire.ProtocolVersion

	// MinAcceptableProtocolVersion is the lowest protocol version that a
	// connected peer may support.
	MinAcceptableProtocolVersion = wire.SendHeadersVersion

	// outputBufferSize is the number of elements the output channels use.
	outputBufferSize = 50

	// defaultHandshakeTimeout is the default duration of inactivity before
	// we time out a peer that has not completed the version/verack
	// exchange.
	defaultHandshakeTimeout = 30 * time.Second

	// defaultPingInterval is the default interval of time for pinging
	// peers.
	defaultPingInterval = 2 * time.Minute

	// defaultPingTimeout is the default duration we wait for a pong
	// response before considering the ping failed.
	defaultPingTimeout = 30 * time.Second

	// defaultHeadersTimeout is the default deadline for a headers response
	// after a getheaders request has been sent.
	defaultHeadersTimeout = 60 * time.Second

	// defaultBlockTimeout is the default deadline for a block response
	// after a getdata request has been sent.  Blocks are larger than
	// header batches so the deadline is more generous.
	defaultBlockTimeout = 120 * time.Second

	// stallTickInterval is the interval of time between each check for
	// stalled peers.
	stallTickInterval = 15 * time.Second
)

var (
	// nodeCount is the total number of peer connections made since startup
	// and is used to assign an id to a peer.
	nodeCount int32

	// sentNonces houses the unique nonces that are generated when pushing
	// version messages that are used to detect self connections.
	sentNonces = lru.NewCache(50)
)

// HandshakeState describes the position of a peer in the version/verack
// exchange.  A peer only becomes usable for application messages once it
// reaches StateReady.
type HandshakeState uint32

const (
	// StateConnecting indicates the transport has been established but no
	// version message has been sent yet.
	StateConnecting HandshakeState = iota

	// StateVersionSent indicates our version message is on the wire and we
	// are waiting for the remote version.
	StateVersionSent

	// StateAwaitingVerack indicates the remote version has been received
	// and recorded, and we are waiting for the remote verack.
	StateAwaitingVerack

	// StateReady is the terminal success state.  Only in this state may
	// application messages flow in either direction.
	StateReady

	// StateDisconnecting indicates the session is being torn down.
	StateDisconnecting

	// StateClosed indicates all peer goroutines have exited and the
	// connection is fully closed.
	StateClosed
)

// String returns the handshake state as a human-readable string.
func (s HandshakeState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateVersionSent:
		return "VersionSent"
	case StateAwaitingVerack:
		return "AwaitingVerack"
	case StateReady:
		return "Ready"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("Unknown(%d)", uint32(s))
}

// MessageListeners defines callback function pointers to invoke with message
// listeners for a peer. Any listener which is not set to a concrete callback
// during peer initialization is ignored. Execution of multiple message
// listeners occurs serially, so one callback blocks the execution of the next.
type MessageListeners struct {
	// OnVersion is invoked when a peer receives a version wire message
	// during handshake negotiation.
	OnVersion func(p *Peer, msg *wire.MsgVersion)

	// OnVerAck is invoked when a peer receives a verack wire message.
	OnVerAck func(p *Peer, msg *wire.MsgVerAck)

	// OnReady is invoked once the handshake has fully completed and the
	// peer has entered the Ready state.  The peer's negotiated height and
	// services are available through its accessors at this point.
	OnReady func(p *Peer)

	// OnDisconnect is invoked after all peer goroutines have exited.  The
	// supplied error is the recorded disconnect reason and is nil when the
	// disconnect was requested locally.
	OnDisconnect func(p *Peer, reason error)

	// OnGetAddr is invoked when a peer receives a getaddr wire message.
	OnGetAddr func(p *Peer, msg *wire.MsgGetAddr)

	// OnAddr is invoked when a peer receives an addr wire message.
	OnAddr func(p *Peer, msg *wire.MsgAddr)

	// OnPing is invoked when a peer receives a ping wire message.
	OnPing func(p *Peer, msg *wire.MsgPing)

	// OnPong is invoked when a peer receives a pong wire message.
	OnPong func(p *Peer, msg *wire.MsgPong)

	// OnHeaders is invoked when a peer receives a headers wire message.
	OnHeaders func(p *Peer, msg *wire.MsgHeaders)

	// OnBlock is invoked when a peer receives a block wire message.  The
	// raw serialized bytes are supplied alongside the deserialized message
	// so callers can hand the body to an external engine without
	// re-serializing.
	OnBlock func(p *Peer, msg *wire.MsgBlock, buf []byte)

	// OnInv is invoked when a peer receives an inv wire message.
	OnInv func(p *Peer, msg *wire.MsgInv)

	// OnNotFound is invoked when a peer receives a notfound wire message.
	OnNotFound func(p *Peer, msg *wire.MsgNotFound)

	// OnGetHeaders is invoked when a peer receives a getheaders wire
	// message.
	OnGetHeaders func(p *Peer, msg *wire.MsgGetHeaders)

	// OnGetData is invoked when a peer receives a getdata wire message.
	OnGetData func(p *Peer, msg *wire.MsgGetData)
}

// HostToNetAddrFunc is a func which takes a host, port, services and returns
// the netaddress.
type HostToNetAddrFunc func(host string, port uint16,
	services wire.ServiceFlag) (*wire.NetAddress, error)

// HashFunc returns a block hash, height and error.  It is used as a callback
// to get the newest block details for the version message.
type HashFunc func() (hash *chainhash.Hash, height int32, err error)

// Config is the struct to hold configuration options useful to Peer.
type Config struct {
	// NewestBlock specifies a callback which provides the newest block
	// details to the peer as needed.  This can be nil in which case the
	// peer will report a block height of 0.
	NewestBlock HashFunc

	// HostToNetAddress returns the netaddress for the given host. This can
	// be nil in which case the host will be parsed as an IP address.
	HostToNetAddress HostToNetAddrFunc

	// UserAgentName specifies the user agent name to advertise.  It is
	// highly recommended to specify this value.
	UserAgentName string

	// UserAgentVersion specifies the user agent version to advertise.  It
	// is highly recommended to specify this value and that it follows the
	// form "major.minor.revision" e.g. "2.6.41".
	UserAgentVersion string

	// ChainParams identifies which chain parameters the peer is associated
	// with.  It is highly recommended to specify this field, however it can
	// be omitted in which case the test network will be used.
	ChainParams *chaincfg.Params

	// Services specifies which services to advertise as supported by the
	// local peer.  This field can be omitted in which case it will be 0
	// and therefore advertise no supported services.
	Services wire.ServiceFlag

	// ProtocolVersion specifies the maximum protocol version to use and
	// advertise.  This field can be omitted in which case
	// peer.MaxProtocolVersion will be used.
	ProtocolVersion uint32

	// DisableRelayTx specifies if the remote peer should be informed to
	// not send inv messages for transactions.
	DisableRelayTx bool

	// HandshakeTimeout is the duration allowed for the whole version and
	// verack exchange before the connection is torn down with
	// ErrHandshakeTimeout.
	HandshakeTimeout time.Duration

	// PingInterval is the interval at which keepalive pings are sent.
	PingInterval time.Duration

	// PingTimeout is the duration we wait for a matching pong before
	// declaring the ping failed.
	PingTimeout time.Duration

	// HeadersTimeout is the stall deadline for a headers response after
	// sending getheaders.
	HeadersTimeout time.Duration

	// BlockTimeout is the stall deadline for a block response after
	// sending getdata.
	BlockTimeout time.Duration

	// StallTicker paces the stall detection sweep.  If nil a default
	// fifteen second ticker is used.  Tests substitute ticker.NewForce.
	StallTicker ticker.Ticker

	// Listeners houses callback functions to be invoked on receiving peer
	// messages.
	Listeners MessageListeners

	// AllowSelfConns is only used to allow the tests to bypass the self
	// connection detecting and disconnect logic since they intentionally
	// do so for testing purposes.
	AllowSelfConns bool
}

// outMsg is used to house a message to be sent along with a channel to signal
// when the message has been sent (or won't be sent due to things such as
// shutdown).
type outMsg struct {
	msg      wire.Message
	doneChan chan<- struct{}
	encoding wire.MessageEncoding
}

// minUint32 is a helper function to return the minimum of two uint32s.
// This avoids a math import and the need to cast to floats.
func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// newNetAddress attempts to extract the IP address and port from the passed
// net.Addr interface and create a wire.NetAddress structure using that
// information.
func newNetAddress(addr net.Addr, services wire.ServiceFlag) (*wire.NetAddress, error) {
	// addr will be a net.TCPAddr when not using a proxy.
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		ip := tcpAddr.IP
		port := uint16(tcpAddr.Port)
		na := wire.NewNetAddressIPPort(ip, port, services)
		return na, nil
	}

	// For the most part, addr should be one of the two above cases, but
	// to be safe, fall back to trying to parse the information from the
	// address string as a last resort.
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	na := wire.NewNetAddressIPPort(ip, uint16(port), services)
	return na, nil
}

// stallControlCmd represents the command of a stall control message.
type stallControlCmd uint8

// Constants for the command of a stall control message.
const (
	// sccSendMessage indicates a message is being sent to the remote peer.
	sccSendMessage stallControlCmd = iota

	// sccReceiveMessage indicates a message has been received from the
	// remote peer.
	sccReceiveMessage

	// sccHandlerStart indicates a callback handler is about to be invoked.
	sccHandlerStart

	// sccHandlerDone indicates a callback handler has completed.
	sccHandlerDone
)

// stallControlMsg is used to signal the stall handler about specific events
// so it can properly detect and handle stalled remote peers.
type stallControlMsg struct {
	command stallControlCmd
	message wire.Message
}

// Peer provides a bitcoin peer for handling bitcoin communications via the
// peer-to-peer protocol.  It provides full duplex reading and writing, message
// framing validation, the version/verack handshake state machine, automatic
// handling of pings, and stall detection on outstanding requests.
//
// Outbound messages are typically queued via QueueMessage.  All interaction
// with the rest of the system happens through the configured MessageListeners;
// no other component ever touches the live socket.
type Peer struct {
	// The following variables must only be used atomically.
	bytesReceived  uint64
	bytesSent      uint64
	lastRecv       int64
	lastSend       int64
	connected      int32
	disconnect     int32
	handshakeState uint32

	conn net.Conn

	// These fields are set at creation time and never modified afterwards,
	// so they are safe to read from concurrently without a mutex.
	addr    string
	cfg     Config
	inbound bool

	flagsMtx           sync.Mutex // protects the peer flags below
	na                 *wire.NetAddress
	id                 int32
	userAgent          string
	services           wire.ServiceFlag
	versionKnown       bool
	advertisedProtoVer uint32 // protocol version advertised by remote
	protocolVersion    uint32 // negotiated protocol version
	verAckReceived     bool
	wireEncoding       wire.MessageEncoding

	// These fields keep track of statistics for the peer and are protected
	// by the statsMtx mutex.
	statsMtx       sync.RWMutex
	timeConnected  time.Time
	startingHeight int32
	lastBlock      int32

	reasonMtx sync.Mutex
	reason    error

	pingMgr *PingManager

	outputQueue    *queue.ConcurrentQueue
	stallControl   chan stallControlMsg
	inQuit         chan struct{}
	outQuit        chan struct{}
	quit           chan struct{}
	disconnectOnce sync.Once
}

// String returns the peer's address and directionality as a human-readable
// string.
//
// This function is safe for concurrent access.
func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.addr, directionString(p.inbound))
}

// HandshakeState returns the current position of the peer in the handshake
// state machine.
//
// This function is safe for concurrent access.
func (p *Peer) HandshakeState() HandshakeState {
	return HandshakeState(atomic.LoadUint32(&p.handshakeState))
}

// setHandshakeState transitions the peer to the given handshake state.
func (p *Peer) setHandshakeState(state HandshakeState) {
	old := HandshakeState(atomic.SwapUint32(&p.handshakeState, uint32(state)))
	if old != state {
		log.Tracef("Peer %s handshake state %s -> %s", p, old, state)
	}
}

// UpdateLastBlockHeight updates the last known block for the peer.
//
// This function is safe for concurrent access.
func (p *Peer) UpdateLastBlockHeight(newHeight int32) {
	p.statsMtx.Lock()
	if newHeight <= p.lastBlock {
		p.statsMtx.Unlock()
		return
	}
	log.Tracef("Updating last block height of peer %v from %v to %v",
		p.addr, p.lastBlock, newHeight)
	p.lastBlock = newHeight
	p.statsMtx.Unlock()
}

// ID returns the peer id.
//
// This function is safe for concurrent access.
func (p *Peer) ID() int32 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.id
}

// NA returns the peer network address.
//
// This function is safe for concurrent access.
func (p *Peer) NA() *wire.NetAddress {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.na
}

// Addr returns the peer address.
//
// This function is safe for concurrent access.
func (p *Peer) Addr() string {
	// The address doesn't change after initialization, therefore it is not
	// protected by a mutex.
	return p.addr
}

// Inbound returns whether the peer is inbound.
//
// This function is safe for concurrent access.
func (p *Peer) Inbound() bool {
	return p.inbound
}

// Services returns the services flag of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) Services() wire.ServiceFlag {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.services
}

// UserAgent returns the user agent of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) UserAgent() string {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.userAgent
}

// StartingHeight returns the last known height the peer reported during the
// initial negotiation phase.
//
// This function is safe for concurrent access.
func (p *Peer) StartingHeight() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.startingHeight
}

// LastBlock returns the last block of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastBlock() int32 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastBlock
}

// TimeConnected returns the time at which the peer connected.
//
// This function is safe for concurrent access.
func (p *Peer) TimeConnected() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.timeConnected
}

// BytesSent returns the total number of bytes sent by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesSent() uint64 {
	return atomic.LoadUint64(&p.bytesSent)
}

// BytesReceived returns the total number of bytes received by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesReceived() uint64 {
	return atomic.LoadUint64(&p.bytesReceived)
}

// LastPingMicros returns the last observed ping round trip time in
// microseconds, or -1 when no ping has completed yet.
//
// This function is safe for concurrent access.
func (p *Peer) LastPingMicros() int64 {
	return p.pingMgr.GetPingTimeMicroSeconds()
}

// VersionKnown returns the whether or not the version of a peer is known
// locally.
//
// This function is safe for concurrent access.
func (p *Peer) VersionKnown() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.versionKnown
}

// VerAckReceived returns whether or not a verack message was received by the
// peer.
//
// This function is safe for concurrent access.
func (p *Peer) VerAckReceived() bool {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.verAckReceived
}

// ProtocolVersion returns the negotiated peer protocol version.
//
// This function is safe for concurrent access.
func (p *Peer) ProtocolVersion() uint32 {
	p.flagsMtx.Lock()
	defer p.flagsMtx.Unlock()

	return p.protocolVersion
}

// DisconnectReason returns the error recorded as the reason for disconnecting
// this peer.  It returns nil when the peer has not been disconnected or when
// the disconnect was requested locally.
//
// This function is safe for concurrent access.
func (p *Peer) DisconnectReason() error {
	p.reasonMtx.Lock()
	defer p.reasonMtx.Unlock()

	return p.reason
}

// localVersionMsg creates a version message that can be used to send to the
// remote peer.
func (p *Peer) localVersionMsg() (*wire.MsgVersion, error) {
	var blockNum int32
	if p.cfg.NewestBlock != nil {
		var err error
		_, blockNum, err = p.cfg.NewestBlock()
		if err != nil {
			return nil, err
		}
	}

	theirNA := p.na

	// If p.na is a torv3 hidden service address, we'll need to send over
	// an empty NetAddress for their address.
	if p.na == nil {
		theirNA = wire.NewNetAddressIPPort(net.IP([]byte{0, 0, 0, 0}),
			0, 0)
	}

	// Older nodes previously added the IP and port information to the
	// address manager which proved to be unreliable as an inbound server
	// would advertise the external address instead.  Advertise an all-zero
	// address and let the remote figure it out.
	ourNA := &wire.NetAddress{
		Services: p.cfg.Services,
	}

	// Generate a unique nonce for this peer so self connections can be
	// detected.  This is accomplished by adding it to a size-limited map of
	// recently seen nonces.
	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}
	sentNonces.Add(nonce)

	// Version message.
	msg := wire.NewMsgVersion(ourNA, theirNA, nonce, blockNum)
	if err := msg.AddUserAgent(p.cfg.UserAgentName,
		p.cfg.UserAgentVersion); err != nil {

		return nil, err
	}

	// Advertise local services.
	msg.Services = p.cfg.Services

	// Advertise our max supported protocol version.
	msg.ProtocolVersion = int32(p.cfg.ProtocolVersion)

	// Advertise if inv messages for transactions are desired.
	msg.DisableRelayTx = p.cfg.DisableRelayTx

	return msg, nil
}

// writeLocalVersionMsg writes our version message to the remote peer and
// advances the handshake state machine to VersionSent.
func (p *Peer) writeLocalVersionMsg() error {
	localVerMsg, err := p.localVersionMsg()
	if err != nil {
		return err
	}

	if err := p.writeMessage(localVerMsg, wire.LatestEncoding); err != nil {
		return err
	}

	p.setHandshakeState(StateVersionSent)
	return nil
}

// readRemoteVersionMsg waits for the next message to arrive from the remote
// peer.  If the next message is not a version message or the version is not
// acceptable then return an error.
func (p *Peer) readRemoteVersionMsg() error {
	// Read their version message.
	remoteMsg, _, err := p.readMessage(wire.LatestEncoding)
	if err != nil {
		return err
	}

	// Notify and disconnect clients if the first message is not a version
	// message.
	msg, ok := remoteMsg.(*wire.MsgVersion)
	if !ok {
		return fmt.Errorf("%w: a version message must precede all "+
			"others", ErrProtocolViolation)
	}

	// Detect self connections.
	if !p.cfg.AllowSelfConns && sentNonces.Contains(msg.Nonce) {
		return ErrSelfConnection
	}

	// Negotiate the protocol version and set the services to what the
	// remote peer advertised.
	p.flagsMtx.Lock()
	p.advertisedProtoVer = uint32(msg.ProtocolVersion)
	p.protocolVersion = minUint32(p.protocolVersion, p.advertisedProtoVer)
	p.versionKnown = true
	p.services = msg.Services
	if p.cfg.Services&wire.SFNodeWitness == wire.SFNodeWitness &&
		msg.Services&wire.SFNodeWitness == wire.SFNodeWitness {

		p.wireEncoding = wire.WitnessEncoding
	}
	p.userAgent = msg.UserAgent
	p.flagsMtx.Unlock()
	log.Debugf("Negotiated protocol version %d for peer %s",
		p.ProtocolVersion(), p)

	// Updating a bunch of stats including block based stats, and the
	// peer's time offset.
	p.statsMtx.Lock()
	p.lastBlock = msg.LastBlock
	p.startingHeight = msg.LastBlock
	p.statsMtx.Unlock()

	p.setHandshakeState(StateAwaitingVerack)

	// Invoke the callback if specified.
	if p.cfg.Listeners.OnVersion != nil {
		p.cfg.Listeners.OnVersion(p, msg)
	}

	// Disconnect clients that have a protocol version that is too old.
	if p.ProtocolVersion() < MinAcceptableProtocolVersion {
		return &ErrUnacceptableProtocolVersion{
			Required: MinAcceptableProtocolVersion,
			Got:      p.ProtocolVersion(),
		}
	}

	return nil
}

// waitForVerAck reads the next message and requires it to be a verack.  Any
// other message before the handshake has completed is a protocol violation.
func (p *Peer) waitForVerAck() error {
	remoteMsg, _, err := p.readMessage(wire.LatestEncoding)
	if err != nil {
		return err
	}
	msg, ok := remoteMsg.(*wire.MsgVerAck)
	if !ok {
		return fmt.Errorf("%w: received %s before handshake "+
			"completion", ErrProtocolViolation,
			remoteMsg.Command())
	}

	p.flagsMtx.Lock()
	p.verAckReceived = true
	p.flagsMtx.Unlock()

	if p.cfg.Listeners.OnVerAck != nil {
		p.cfg.Listeners.OnVerAck(p, msg)
	}
	return nil
}

// negotiateOutboundProtocol performs the negotiation protocol for an outbound
// peer.  The events should occur in the following order, otherwise an error is
// returned:
//
//  1. We send our version.
//  2. Remote peer sends their version.
//  3. We send our verack.
//  4. Remote peer sends their verack.
func (p *Peer) negotiateOutboundProtocol() error {
	if err := p.writeLocalVersionMsg(); err != nil {
		return err
	}

	if err := p.readRemoteVersionMsg(); err != nil {
		return err
	}

	if err := p.writeMessage(wire.NewMsgVerAck(), wire.LatestEncoding); err != nil {
		return err
	}

	return p.waitForVerAck()
}

// negotiateInboundProtocol performs the negotiation protocol for an inbound
// peer.  The events should occur in the following order, otherwise an error is
// returned:
//
//  1. Remote peer sends their version.
//  2. We send our version.
//  3. Remote peer sends their verack.
//  4. We send our verack.
//
// Waiting for the remote verack before sending our own keeps the exchange
// strictly sequential, which matters on transports with no write buffering.
func (p *Peer) negotiateInboundProtocol() error {
	if err := p.readRemoteVersionMsg(); err != nil {
		return err
	}

	if err := p.writeLocalVersionMsg(); err != nil {
		return err
	}

	if err := p.waitForVerAck(); err != nil {
		return err
	}

	return p.writeMessage(wire.NewMsgVerAck(), wire.LatestEncoding)
}

// readMessage reads the next wire message from the peer with logging.
func (p *Peer) readMessage(encoding wire.MessageEncoding) (wire.Message, []byte, error) {
	n, msg, buf, err := wire.ReadMessageWithEncodingN(p.conn,
		p.ProtocolVersion(), p.cfg.ChainParams.Net, encoding)
	atomic.AddUint64(&p.bytesReceived, uint64(n))
	if err != nil {
		return nil, nil, err
	}

	// Use closures to log expensive operations so they are only run when
	// the logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Received %v%s from %s",
			msg.Command(), summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))

	return msg, buf, nil
}

// writeMessage sends a wire message to the peer with logging.
func (p *Peer) writeMessage(msg wire.Message, enc wire.MessageEncoding) error {
	// Don't do anything if we're disconnecting.
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return nil
	}

	// Use closures to log expensive operations so they are only run when
	// the logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Sending %v%s to %s", msg.Command(),
			summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))

	// Write the message to the peer.
	n, err := wire.WriteMessageWithEncodingN(p.conn, msg,
		p.ProtocolVersion(), p.cfg.ChainParams.Net, enc)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	return err
}

// shouldHandleReadError returns whether or not the passed error, which is
// expected to have come from reading from the remote peer in the inHandler,
// should be logged and signal a forced disconnect reason.
func (p *Peer) shouldHandleReadError(err error) bool {
	// No logging or reason when the remote peer has been disconnected.
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return false
	}
	if err == io.EOF {
		return false
	}
	if opErr, ok := err.(*net.OpError); ok && !opErr.Temporary() {
		return false
	}
	return true
}

// maybeAddDeadline potentially adds a deadline for the appropriate expected
// response for the passed wire protocol command to the pending responses map.
func (p *Peer) maybeAddDeadline(pendingResponses map[string]time.Time, msgCmd string) {
	// Setup a deadline for each message being sent that expects a response.
	now := time.Now()
	switch msgCmd {
	case wire.CmdGetHeaders:
		// Expects a headers message.
		pendingResponses[wire.CmdHeaders] = now.Add(p.cfg.HeadersTimeout)

	case wire.CmdGetData:
		// Expects a block or notfound message.
		pendingResponses[wire.CmdBlock] = now.Add(p.cfg.BlockTimeout)
	}
}

// stallHandler handles stall detection for the peer.  This entails keeping
// track of expected responses and assigning them deadlines while accounting
// for the time spent in callbacks.  It must be run as a goroutine.
func (p *Peer) stallHandler() {
	// lastActive tracks the last time the peer was active and is used to
	// offset the deadline for time spent in message handler callbacks.
	var handlersStartTime time.Time
	var handlerActive bool

	// deadlineOffset tracks the amount of time spent in callbacks during
	// the current tick interval.
	var deadlineOffset time.Duration

	// pendingResponses tracks the expected response deadline times.
	pendingResponses := make(map[string]time.Time)

	stallTicker := p.cfg.StallTicker
	stallTicker.Resume()
	defer stallTicker.Stop()

	// ioStopped is used to detect when both the input and output handler
	// goroutines are done.
	var ioStopped bool
out:
	for {
		select {
		case msg := <-p.stallControl:
			switch msg.command {
			case sccSendMessage:
				p.maybeAddDeadline(pendingResponses,
					msg.message.Command())

			case sccReceiveMessage:
				// Remove received messages from the expected
				// response map.
				switch msgCmd := msg.message.Command(); msgCmd {
				case wire.CmdBlock:
					fallthrough
				case wire.CmdNotFound:
					delete(pendingResponses, wire.CmdBlock)

				default:
					delete(pendingResponses, msgCmd)
				}

			case sccHandlerStart:
				// Warn on unbalanced callback signalling.
				if handlerActive {
					log.Warn("Received handler start " +
						"control command while a " +
						"handler is already active")
					continue
				}

				handlerActive = true
				handlersStartTime = time.Now()

			case sccHandlerDone:
				// Warn on unbalanced callback signalling.
				if !handlerActive {
					log.Warn("Received handler done " +
						"control command when a " +
						"handler is not already active")
					continue
				}

				// Extend active deadlines by the time it took
				// to execute the callback.
				duration := time.Since(handlersStartTime)
				deadlineOffset += duration
				handlerActive = false

			default:
				log.Warnf("Unsupported message command %v",
					msg.command)
			}

		case <-stallTicker.Ticks():
			// Calculate the offset to apply to the deadline based
			// on how long the handlers have taken to execute since
			// the last tick.
			now := time.Now()
			offset := deadlineOffset
			if handlerActive {
				offset += now.Sub(handlersStartTime)
			}

			// Disconnect the peer if any of the pending responses
			// don't arrive by their adjusted deadline.
			for command, deadline := range pendingResponses {
				if now.Before(deadline.Add(offset)) {
					continue
				}

				log.Debugf("Peer %s appears to be stalled or "+
					"misbehaving, %s timeout -- "+
					"disconnecting", p, command)
				p.disconnectWithReason(fmt.Errorf("%w: no %s "+
					"response", ErrPeerStalled, command))
				break
			}

			// Reset the deadline offset for the next tick.
			deadlineOffset = 0

		case <-p.inQuit:
			// The stall handler can exit once both the input and
			// output handler goroutines are done.
			if ioStopped {
				break out
			}
			ioStopped = true

		case <-p.outQuit:
			if ioStopped {
				break out
			}
			ioStopped = true
		}
	}

	// Drain any wait channels before going away so there is nothing left
	// waiting on this goroutine.
cleanup:
	for {
		select {
		case <-p.stallControl:
		default:
			break cleanup
		}
	}
	log.Tracef("Peer stall handler done for %s", p)
}

// inHandler handles all incoming messages for the peer.  It must be run as a
// goroutine.
func (p *Peer) inHandler() {
out:
	for atomic.LoadInt32(&p.disconnect) == 0 {
		// Read a message and stop the idle timer as soon as the message
		// has been read.  If appropriate, the timer is restarted below.
		rmsg, buf, err := p.readMessage(p.wireEncoding)
		if err != nil {
			// Only log the error and send the reason if the local
			// peer is not forcibly disconnecting and the remote
			// peer has not disconnected.
			if p.shouldHandleReadError(err) {
				errMsg := fmt.Sprintf("Can't read message "+
					"from %s: %v", p, err)
				log.Errorf(errMsg)

				// A framing error (bad magic, checksum
				// mismatch, oversized payload, malformed
				// payload) is a protocol violation and the
				// session is never retried.
				var mErr *wire.MessageError
				if errors.As(err, &mErr) {
					err = fmt.Errorf("%w: %v",
						ErrProtocolViolation, mErr)
				}
			}
			p.disconnectWithReason(err)
			break out
		}
		atomic.StoreInt64(&p.lastRecv, time.Now().Unix())
		p.stallControl <- stallControlMsg{sccReceiveMessage, rmsg}

		// Handle each supported message type.
		p.stallControl <- stallControlMsg{sccHandlerStart, rmsg}
		switch msg := rmsg.(type) {
		case *wire.MsgVersion:
			// A duplicate version message is a protocol violation.
			p.stallControl <- stallControlMsg{sccHandlerDone, rmsg}
			p.disconnectWithReason(fmt.Errorf("%w: duplicate "+
				"version message", ErrProtocolViolation))
			break out

		case *wire.MsgVerAck:
			// A duplicate verack message is a protocol violation.
			p.stallControl <- stallControlMsg{sccHandlerDone, rmsg}
			p.disconnectWithReason(fmt.Errorf("%w: duplicate "+
				"verack message", ErrProtocolViolation))
			break out

		case *wire.MsgPing:
			p.handlePingMsg(msg)
			if p.cfg.Listeners.OnPing != nil {
				p.cfg.Listeners.OnPing(p, msg)
			}

		case *wire.MsgPong:
			p.pingMgr.ReceivedPong(msg)
			if p.cfg.Listeners.OnPong != nil {
				p.cfg.Listeners.OnPong(p, msg)
			}

		case *wire.MsgGetAddr:
			if p.cfg.Listeners.OnGetAddr != nil {
				p.cfg.Listeners.OnGetAddr(p, msg)
			}

		case *wire.MsgAddr:
			if p.cfg.Listeners.OnAddr != nil {
				p.cfg.Listeners.OnAddr(p, msg)
			}

		case *wire.MsgHeaders:
			if p.cfg.Listeners.OnHeaders != nil {
				p.cfg.Listeners.OnHeaders(p, msg)
			}

		case *wire.MsgBlock:
			if p.cfg.Listeners.OnBlock != nil {
				p.cfg.Listeners.OnBlock(p, msg, buf)
			}

		case *wire.MsgInv:
			if p.cfg.Listeners.OnInv != nil {
				p.cfg.Listeners.OnInv(p, msg)
			}

		case *wire.MsgNotFound:
			if p.cfg.Listeners.OnNotFound != nil {
				p.cfg.Listeners.OnNotFound(p, msg)
			}

		case *wire.MsgGetHeaders:
			if p.cfg.Listeners.OnGetHeaders != nil {
				p.cfg.Listeners.OnGetHeaders(p, msg)
			}

		case *wire.MsgGetData:
			if p.cfg.Listeners.OnGetData != nil {
				p.cfg.Listeners.OnGetData(p, msg)
			}

		default:
			log.Debugf("Received unhandled message of type %v "+
				"from %v", rmsg.Command(), p)
		}
		p.stallControl <- stallControlMsg{sccHandlerDone, rmsg}
	}

	// Ensure connection is closed.
	p.Disconnect()

	close(p.inQuit)
	log.Tracef("Peer input handler done for %s", p)
}

// writeHandler handles all outgoing messages for the peer.  It must be run as
// a goroutine.  It drains the outbound queue and uses a buffered writer
// underneath so callers never block on socket writes.
func (p *Peer) writeHandler() {
out:
	for {
		select {
		case qmsg, ok := <-p.outputQueue.ChanOut():
			if !ok {
				break out
			}
			msg := qmsg.(outMsg)
			p.stallControl <- stallControlMsg{sccSendMessage, msg.msg}

			err := p.writeMessage(msg.msg, msg.encoding)
			if err != nil {
				p.Disconnect()
				log.Errorf("Failed to send message to "+
					"%s: %v", p, err)
				if msg.doneChan != nil {
					msg.doneChan <- struct{}{}
				}
				continue
			}

			// At this point, the message was successfully sent, so
			// update the last send time and signal the sender of
			// the message that it has been sent (if requested).
			atomic.StoreInt64(&p.lastSend, time.Now().Unix())
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}

		case <-p.quit:
			break out
		}
	}

	// Drain any remaining queued messages before exiting so nothing is
	// left waiting on a done channel.
cleanup:
	for {
		select {
		case qmsg := <-p.outputQueue.ChanOut():
			msg := qmsg.(outMsg)
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
		default:
			break cleanup
		}
	}
	close(p.outQuit)
	log.Tracef("Peer output handler done for %s", p)
}

// handlePingMsg replies to a ping from the remote peer with the matching pong
// so the remote side does not consider us stalled.
func (p *Peer) handlePingMsg(msg *wire.MsgPing) {
	// Include nonce from ping so pong can be identified.
	if p.ProtocolVersion() > wire.BIP0031Version {
		p.QueueMessage(wire.NewMsgPong(msg.Nonce), nil)
	}
}

// QueueMessage adds the passed wire message to the peer send queue.
//
// This function is safe for concurrent access.
func (p *Peer) QueueMessage(msg wire.Message, doneChan chan<- struct{}) {
	p.QueueMessageWithEncoding(msg, doneChan, p.wireEncoding)
}

// QueueMessageWithEncoding adds the passed wire message to the peer send
// queue.  This function is identical to QueueMessage, however it allows the
// caller to specify the wire encoding type that should be used when
// encoding/decoding blocks and transactions.
//
// This function is safe for concurrent access.
func (p *Peer) QueueMessageWithEncoding(msg wire.Message, doneChan chan<- struct{},
	encoding wire.MessageEncoding) {

	// Avoid risk of deadlock if goroutine already exited.  The goroutine
	// we will be sending to hangs around until it knows for a fact that
	// it is marked as disconnected and *then* it drains the channels.
	if !p.Connected() {
		if doneChan != nil {
			go func() {
				doneChan <- struct{}{}
			}()
		}
		return
	}
	select {
	case p.outputQueue.ChanIn() <- outMsg{msg: msg, doneChan: doneChan, encoding: encoding}:
	case <-p.quit:
		if doneChan != nil {
			go func() {
				doneChan <- struct{}{}
			}()
		}
	}
}

// PushGetHeadersMsg sends a getheaders message for the provided block locator
// and stop hash.
//
// This function is safe for concurrent access.
func (p *Peer) PushGetHeadersMsg(locator []*chainhash.Hash, stopHash *chainhash.Hash) error {
	// Construct the getheaders request and queue it to be sent.
	msg := wire.NewMsgGetHeaders()
	msg.HashStop = *stopHash
	for _, hash := range locator {
		err := msg.AddBlockLocatorHash(hash)
		if err != nil {
			return err
		}
	}
	p.QueueMessage(msg, nil)
	return nil
}

// PushAddrMsg sends an addr message to the connected peer using the provided
// addresses.  This function is useful over manually sending the message via
// QueueMessage since it automatically limits the addresses to the maximum
// number allowed by the message and randomizes the chosen addresses when there
// are too many.  It returns the addresses that were actually sent.
//
// This function is safe for concurrent access.
func (p *Peer) PushAddrMsg(addresses []*wire.NetAddress) ([]*wire.NetAddress, error) {
	addressCount := len(addresses)

	// Nothing to send.
	if addressCount == 0 {
		return nil, nil
	}

	msg := wire.NewMsgAddr()
	msg.AddrList = make([]*wire.NetAddress, addressCount)
	copy(msg.AddrList, addresses)

	// Randomize the addresses sent if there are more than the maximum
	// allowed.
	if addressCount > wire.MaxAddrPerMsg {
		// Shuffle the address list.
		for i := 0; i < wire.MaxAddrPerMsg; i++ {
			j := i + rand.Intn(addressCount-i)
			msg.AddrList[i], msg.AddrList[j] = msg.AddrList[j], msg.AddrList[i]
		}

		// Truncate it to the maximum size.
		msg.AddrList = msg.AddrList[:wire.MaxAddrPerMsg]
	}

	p.QueueMessage(msg, nil)
	return msg.AddrList, nil
}

// Connected returns whether or not the peer is currently connected.
//
// This function is safe for concurrent access.
func (p *Peer) Connected() bool {
	return atomic.LoadInt32(&p.connected) != 0 &&
		atomic.LoadInt32(&p.disconnect) == 0
}

// Disconnect disconnects the peer by closing the connection.  Calling this
// function when the peer is already disconnected or in the process of
// disconnecting will have no effect.  The recorded disconnect reason is nil,
// meaning the disconnect was requested locally.
func (p *Peer) Disconnect() {
	p.disconnectWithReason(nil)
}

// disconnectWithReason disconnects the peer and records the given reason for
// the disconnect.  Only the first recorded reason is kept.
func (p *Peer) disconnectWithReason(reason error) {
	if atomic.AddInt32(&p.disconnect, 1) != 1 {
		return
	}

	p.reasonMtx.Lock()
	p.reason = reason
	p.reasonMtx.Unlock()

	p.setHandshakeState(StateDisconnecting)

	log.Tracef("Disconnecting %s", p)
	if atomic.LoadInt32(&p.connected) != 0 {
		p.conn.Close()
	}
	close(p.quit)
}

// WaitForDisconnect waits until the peer has completely disconnected and all
// resources are cleaned up.  This will happen if either the local or remote
// side has been disconnected or the peer is forcibly disconnected via
// Disconnect.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
}

// notifyDisconnect marks the state machine closed and invokes the
// OnDisconnect listener exactly once.
func (p *Peer) notifyDisconnect() {
	p.disconnectOnce.Do(func() {
		p.setHandshakeState(StateClosed)
		if p.cfg.Listeners.OnDisconnect != nil {
			p.cfg.Listeners.OnDisconnect(p, p.DisconnectReason())
		}
	})
}

// start begins processing input and output messages.
func (p *Peer) start() error {
	log.Tracef("Starting peer %s", p)

	negotiateErr := make(chan error, 1)
	go func() {
		if p.inbound {
			negotiateErr <- p.negotiateInboundProtocol()
		} else {
			negotiateErr <- p.negotiateOutboundProtocol()
		}
	}()

	// Negotiate the protocol within the specified negotiateTimeout.
	select {
	case err := <-negotiateErr:
		if err != nil {
			p.disconnectWithReason(err)
			return err
		}
	case <-time.After(p.cfg.HandshakeTimeout):
		err := ErrHandshakeTimeout
		p.disconnectWithReason(err)
		return err
	}
	log.Debugf("Connected to %s", p.Addr())

	p.setHandshakeState(StateReady)

	// The protocol has been negotiated successfully, so start processing
	// input and output messages.
	p.outputQueue.Start()
	go p.stallHandler()
	go p.inHandler()
	go p.writeHandler()

	if err := p.pingMgr.Start(); err != nil {
		return err
	}

	// Wait for the io handlers to finish, then mark the peer fully closed.
	go func() {
		<-p.inQuit
		<-p.outQuit
		p.pingMgr.Stop()
		p.outputQueue.Stop()
		p.notifyDisconnect()
	}()

	if p.cfg.Listeners.OnReady != nil {
		p.cfg.Listeners.OnReady(p)
	}

	return nil
}

// AssociateConnection associates the given conn to the peer.  Calling this
// function when the peer is already connected will have no effect.
func (p *Peer) AssociateConnection(conn net.Conn) {
	// Already connected?
	if !atomic.CompareAndSwapInt32(&p.connected, 0, 1) {
		return
	}

	p.conn = conn
	p.statsMtx.Lock()
	p.timeConnected = time.Now()
	p.statsMtx.Unlock()

	if p.inbound {
		p.addr = p.conn.RemoteAddr().String()

		// Set up a NetAddress for the peer to be used with AddrManager.
		// We only do this inbound because outbound set this up at
		// connection time and no point recomputing.
		na, err := newNetAddress(p.conn.RemoteAddr(), p.services)
		if err != nil {
			log.Errorf("Cannot create remote net address: %v", err)
			p.Disconnect()
			return
		}
		p.na = na
	}

	go func() {
		if err := p.start(); err != nil {
			log.Debugf("Cannot start peer %v: %v", p, err)
			p.notifyDisconnect()
		}
	}()
}

// newPeerBase returns a new base bitcoin peer based on the inbound flag.  This
// is used by the NewInboundPeer and NewOutboundPeer functions to perform base
// setup needed by both types of peers.
func newPeerBase(origCfg *Config, inbound bool) *Peer {
	// Default to the max supported protocol version if not specified by
	// the caller.
	cfg := *origCfg // Copy to avoid mutating caller.
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = MaxProtocolVersion
	}

	// Set the chain parameters to testnet if the caller did not specify
	// any.
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.TestNet3Params
	}

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.HeadersTimeout == 0 {
		cfg.HeadersTimeout = defaultHeadersTimeout
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.StallTicker == nil {
		cfg.StallTicker = ticker.New(stallTickInterval)
	}

	p := Peer{
		inbound:         inbound,
		wireEncoding:    wire.BaseEncoding,
		stallControl:    make(chan stallControlMsg, 1), // nonblocking sync
		outputQueue:     queue.NewConcurrentQueue(outputBufferSize),
		inQuit:          make(chan struct{}),
		outQuit:         make(chan struct{}),
		quit:            make(chan struct{}),
		cfg:             cfg, // Copy so caller can't mutate.
		services:        cfg.Services,
		protocolVersion: cfg.ProtocolVersion,
	}
	p.id = atomic.AddInt32(&nodeCount, 1)

	p.pingMgr = NewPingManager(&PingManagerConfig{
		NewPingNonce: func() uint64 {
			nonce, err := wire.RandomUint64()
			if err != nil {
				log.Errorf("Unable to generate ping nonce: %v",
					err)
			}
			return nonce
		},
		IntervalDuration: cfg.PingInterval,
		TimeoutDuration:  cfg.PingTimeout,
		SendPing: func(ping *wire.MsgPing) {
			p.QueueMessage(ping, nil)
		},
		OnPongFailure: func(err error) {
			log.Debugf("Ping failure for peer %s: %v", &p, err)
			p.disconnectWithReason(fmt.Errorf("%w: %v",
				ErrPingTimeout, err))
		},
	})

	return &p
}

// NewInboundPeer returns a new inbound bitcoin peer.  Use Start to begin
// processing incoming and outgoing messages.
func NewInboundPeer(cfg *Config) *Peer {
	return newPeerBase(cfg, true)
}

// NewOutboundPeer returns a new outbound bitcoin peer.
func NewOutboundPeer(cfg *Config, addr string) (*Peer, error) {
	p := newPeerBase(cfg, false)
	p.addr = addr

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	if cfg.HostToNetAddress != nil {
		na, err := cfg.HostToNetAddress(host, uint16(port), 0)
		if err != nil {
			return nil, err
		}
		p.na = na
	} else {
		// If host is an onion hidden service or a hostname, it is
		// likely that a nil-pointer-dereference will occur anyway if
		// the hostname can't be parsed as an IP address.
		p.na = wire.NewNetAddressIPPort(net.ParseIP(host),
			uint16(port), 0)
	}

	return p, nil
}
