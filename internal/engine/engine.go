// Package engine contains the TLS engine contract. The engine owns the
// per connection cryptographic and protocol state; it moves ciphertext
// across the wire exclusively through the Transport it was given, so
// that the same engine works on top of any non blocking byte source.
//
// All engine operations use exact byte accounting: callers must never
// assume full completion unless the returned Status is StatusOK.
package engine

import "github.com/sslx/sslx/model"

// Status is the outcome of an engine or transport operation.
type Status int

const (
	// StatusOK means the operation completed.
	StatusOK = Status(iota)

	// StatusWouldBlock means the operation could not complete without
	// waiting for socket readiness. Resume later with the remainder.
	StatusWouldBlock

	// StatusClosedGraceful means the peer ended the session cleanly.
	StatusClosedGraceful

	// StatusInternal means the operation failed fatally.
	StatusInternal
)

// Transport moves ciphertext between the engine and the wire. The raw
// I/O bridge implements it on top of a non blocking descriptor.
type Transport interface {
	// Pull reads ciphertext from the wire into p until p is full or
	// reading would block. On StatusWouldBlock the count reports the
	// bytes actually transferred before blocking.
	Pull(p []byte) (int, Status)

	// Push writes ciphertext from p to the wire in bounded chunks.
	// On StatusWouldBlock the count reports the bytes actually sent.
	Push(p []byte) (int, Status)
}

// Context is the per connection engine state. A Context is exclusively
// owned by one channel and must be closed exactly once.
type Context interface {
	// Handshake performs a single handshake step. StatusWouldBlock
	// means the handshake needs more I/O and must be resumed later;
	// any other non StatusOK result is fatal.
	Handshake() Status

	// Read decrypts application bytes into p.
	Read(p []byte) (int, Status)

	// Write encrypts application bytes from p.
	Write(p []byte) (int, Status)

	// PeerTrust returns the peer trust object after a successful
	// handshake. Ownership transfers to the caller, who must release
	// the object on every path.
	PeerTrust() (model.Trust, error)

	// Close disposes the engine state. Pending outbound ciphertext is
	// flushed on a best effort basis.
	Close() error
}
