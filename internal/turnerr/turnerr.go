// Package turnerr defines the sentinel error kinds shared across turnperf's
// core packages, so that callers can classify a failure with errors.Is
// instead of string matching.
package turnerr

import "errors"

var (
	// ErrInvalidArgument means the caller violated a precondition (nil
	// argument, packet size below the header size, ptime below the pacing
	// interval). Fatal to the operation it was passed to.
	ErrInvalidArgument = errors.New("turnperf: invalid argument")

	// ErrBadMessage means a buffer did not contain a recognizable turnperf
	// packet. Tolerated as noise by the receiver, never fatal to a run.
	ErrBadMessage = errors.New("turnperf: not a turnperf packet")

	// ErrProtocol means a semantic violation: wrong session cookie or
	// allocation id, or a non-success, non-redirect TURN status code.
	// Fatal to the allocation it occurred on.
	ErrProtocol = errors.New("turnperf: protocol violation")

	// ErrAddressFamilyMismatch means the TURN server's relayed and mapped
	// addresses are not from the same address family.
	ErrAddressFamilyMismatch = errors.New("turnperf: address family mismatch")

	// ErrTransportClosed means the underlying TCP/TLS/DTLS transport closed
	// before the allocation could deallocate cleanly.
	ErrTransportClosed = errors.New("turnperf: transport closed")

	// ErrRedirectExceeded means an allocation received more than 16
	// consecutive 300 ALTERNATE-SERVER redirects.
	ErrRedirectExceeded = errors.New("turnperf: too many redirects")
)
