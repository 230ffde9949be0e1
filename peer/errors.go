package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is returned as the disconnect reason when the
	// remote peer sends a malformed, oversized, or checksum-invalid
	// message, or any application message before the handshake has
	// completed.  The session is never retried.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrHandshakeTimeout is returned as the disconnect reason when any
	// step of the version/verack handshake exceeds the negotiation
	// timeout.  The address remains eligible after a cooldown.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrSelfConnection is returned when the remote version message
	// carries a nonce we recently sent ourselves, meaning we connected to
	// our own listener.
	ErrSelfConnection = errors.New("disconnecting peer connected to self")

	// ErrPeerStalled is returned as the disconnect reason when the remote
	// peer fails to answer an outstanding request before its stall
	// deadline.
	ErrPeerStalled = errors.New("peer stalled")

	// ErrPingTimeout is returned as the disconnect reason when the remote
	// peer repeatedly fails to answer our pings.
	ErrPingTimeout = errors.New("ping timeout")

	// ErrDisconnected is returned from queue operations attempted after
	// the peer has been disconnected.
	ErrDisconnected = errors.New("peer already disconnected")
)

// ErrUnacceptableProtocolVersion is returned when the remote peer negotiates
// a protocol version below the minimum this package speaks.
type ErrUnacceptableProtocolVersion struct {
	Required uint32
	Got      uint32
}

// Error implements the error interface.
func (e *ErrUnacceptableProtocolVersion) Error() string {
	return fmt.Sprintf("protocol version must be %d or greater, got %d",
		e.Required, e.Got)
}
