// Package model contains the data model. A Channel is a byte oriented
// I/O object that an event reactor can poll and drive. The plaintext
// channel and the SSL channel implement the same capability set, so
// the reactor code never needs to know whether a connection is
// encrypted.
//
// Channel operations are non blocking by contract. When an operation
// cannot make progress without waiting for socket readiness it returns
// ErrAgain and the reactor is expected to re-invoke it once the socket
// becomes ready again.
//
// Network events are tagged using a unique int64 ConnID. All events
// have a Time relative to a predefined zero in time. When an operation
// may fail, we also include the Error.
package model

import (
	"crypto/x509"
	"errors"
	"time"
)

// Flags are the channel status flags.
type Flags int

const (
	// FlagNonBlock indicates that the channel is in non blocking mode.
	FlagNonBlock = Flags(1 << iota)

	// FlagIsReadable indicates that the channel is open for reading.
	FlagIsReadable

	// FlagIsWriteable indicates that the channel is open for writing.
	FlagIsWriteable
)

// Condition is the set of I/O conditions a watch waits for.
type Condition int

const (
	// CondIn indicates there is data to read.
	CondIn = Condition(1 << iota)

	// CondOut indicates that writing will not block.
	CondOut

	// CondHup indicates that the peer hung up.
	CondHup

	// CondErr indicates an error condition.
	CondErr
)

// Watch is an event source descriptor that a reactor can register
// to be notified when the given conditions occur on FD.
type Watch struct {
	FD   int
	Cond Condition
}

// ErrAgain indicates that an operation would block and should be
// retried once the socket becomes ready. It is not a failure.
var ErrAgain = errors.New("model: operation would block")

// ErrEngine indicates that the TLS engine failed. The channel is
// unusable after this error.
var ErrEngine = errors.New("model: TLS engine failure")

// ErrTrustEvaluation indicates that we could not obtain or evaluate
// the peer trust object.
var ErrTrustEvaluation = errors.New("model: cannot evaluate peer trust")

// ErrUserDeclinedTrust indicates that the interactive trust prompt
// rejected the peer certificate chain.
var ErrUserDeclinedTrust = errors.New("model: user declined peer trust")

// Channel is a pollable byte oriented I/O object. Both the plaintext
// channel and the SSL channel implement this interface.
type Channel interface {
	// Read reads at most len(p) bytes into p. It returns ErrAgain
	// when reading would block and io.EOF when the peer closed the
	// session gracefully.
	Read(p []byte) (int, error)

	// Write writes bytes from p. It returns ErrAgain when writing
	// would block; the returned count is the number of bytes
	// actually accepted before blocking.
	Write(p []byte) (int, error)

	// Seek moves the I/O position where that is meaningful for the
	// underlying descriptor. Sockets return an error.
	Seek(offset int64, whence int) (int64, error)

	// Close closes the underlying descriptor.
	Close() error

	// SetFlags updates the channel flags.
	SetFlags(flags Flags) error

	// Flags returns the current channel flags.
	Flags() Flags

	// CreateWatch creates an event source descriptor for the reactor.
	CreateWatch(cond Condition) *Watch

	// FD returns the underlying socket descriptor.
	FD() int

	// Free releases the channel resources. It must be called exactly
	// once; using the channel after Free is a contract violation.
	Free()
}

// HandshakeStatus is the result of a single handshake step.
type HandshakeStatus int

const (
	// HandshakeAgain means the handshake is not complete yet and the
	// caller should invoke Handshake again later.
	HandshakeAgain = HandshakeStatus(iota)

	// HandshakeDone means the session is established.
	HandshakeDone

	// HandshakeRejected means trust evaluation rejected the peer.
	HandshakeRejected

	// HandshakeFailed means the handshake failed fatally.
	HandshakeFailed
)

// SecureChannel is a Channel that requires a handshake before it can
// transfer application bytes.
type SecureChannel interface {
	Channel

	// Handshake performs a single non blocking handshake step. All
	// results other than HandshakeAgain are terminal.
	Handshake() HandshakeStatus
}

// TrustResult is the outcome of evaluating a peer trust object.
type TrustResult int

const (
	// TrustProceed means the chain verified and the policy explicitly
	// allows proceeding.
	TrustProceed = TrustResult(iota)

	// TrustUnspecified means the chain raised no objection and there
	// is no explicit decision either way. Treated as acceptance.
	TrustUnspecified

	// TrustRecoverableFailure means verification failed in a way the
	// user may override interactively.
	TrustRecoverableFailure

	// TrustFatalFailure means verification failed fatally.
	TrustFatalFailure

	// TrustDeny means policy explicitly denies this chain.
	TrustDeny
)

// Trust is the engine's view of the peer certificate chain plus the
// metadata needed to decide whether to proceed.
type Trust interface {
	// PeerCertificates returns the peer chain, leaf first.
	PeerCertificates() []*x509.Certificate

	// Evaluate evaluates the chain and returns the result.
	Evaluate() TrustResult

	// Release releases the trust object. It must be called exactly
	// once on every path that obtained the object.
	Release()
}

// TrustDecision is the return code of an interactive trust prompt.
type TrustDecision int

// DecisionAccept is the sentinel a prompt returns to accept the peer
// chain despite the failed automatic evaluation. Any other value
// rejects the connection.
const DecisionAccept = TrustDecision(1)

// TrustPrompt is invoked synchronously when automatic trust evaluation
// is inconclusive. It may block on user input; while it blocks the
// reactor is stalled, so treat it as a rare path.
type TrustPrompt func(trust Trust) TrustDecision

// ConnectEvent is emitted when the raw connect returns.
type ConnectEvent struct {
	ConnID        int64
	Error         error
	LocalAddress  string
	RemoteAddress string
	Time          time.Duration
}

// TLSHandshakeEvent is emitted when a handshake step returns a
// terminal status.
type TLSHandshakeEvent struct {
	ConnID   int64
	Error    error
	Hostname string
	Status   HandshakeStatus
	Time     time.Duration
}

// TrustEvaluationEvent is emitted after evaluating the peer trust.
type TrustEvaluationEvent struct {
	ConnID   int64
	NumCerts int
	Prompted bool
	Result   TrustResult
	Time     time.Duration
}

// ReadEvent is emitted when channel.Read returns.
type ReadEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// WriteEvent is emitted when channel.Write returns.
type WriteEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// CloseEvent is emitted when channel.Close returns.
type CloseEvent struct {
	ConnID int64
	Error  error
	Time   time.Duration
}

// Measurement contains zero or more events. Do not assume that at any
// time a Measurement will only contain a single event. When a
// Measurement contains an event, the corresponding pointer is non nil.
type Measurement struct {
	Close           *CloseEvent           `json:",omitempty"`
	Connect         *ConnectEvent         `json:",omitempty"`
	Read            *ReadEvent            `json:",omitempty"`
	TLSHandshake    *TLSHandshakeEvent    `json:",omitempty"`
	TrustEvaluation *TrustEvaluationEvent `json:",omitempty"`
	Write           *WriteEvent           `json:",omitempty"`
}

// Handler handles measurement events.
type Handler interface {
	// OnMeasurement is called when an event occurs. OnMeasurement may
	// be called by the goroutine driving the channel; implementations
	// should return quickly to avoid stalling the reactor.
	OnMeasurement(Measurement)
}
