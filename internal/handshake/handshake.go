// Package handshake drives the TLS engine's handshake state machine
// over a non blocking socket. A single Step performs at most one
// engine handshake invocation; the caller re-invokes Step until it
// returns a terminal status. After a successful negotiation the peer
// trust is evaluated, with an optional interactive override when the
// automatic evaluation is inconclusive.
package handshake

import (
	"github.com/apex/log"
	"github.com/sslx/sslx/internal/engine"
	"github.com/sslx/sslx/model"
	"golang.org/x/sys/unix"
)

// Driver drives the handshake for one connection.
type Driver struct {
	// Context is the engine context to drive.
	Context engine.Context

	// FD is the socket descriptor, used for the write readiness check.
	FD int

	// Prompt is invoked when trust evaluation is inconclusive. A nil
	// Prompt rejects such chains.
	Prompt model.TrustPrompt

	// OnTrustEvaluation, if set, observes the evaluation outcome.
	OnTrustEvaluation func(result model.TrustResult, numCerts int, prompted bool)
}

// Step performs a single handshake step. It returns HandshakeAgain
// when the caller should retry later; every other status is terminal.
func (d *Driver) Step() model.HandshakeStatus {
	// The socket is opened non blocking, so the connect may still be
	// in flight. A zero timeout poll keeps this check best effort:
	// not yet writable means retry, never wait here.
	fds := []unix.PollFd{{Fd: int32(d.FD), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	if err != nil && err != unix.EINTR {
		log.Warnf("handshake: poll failed: %s", err.Error())
		return model.HandshakeFailed
	}
	if n == 0 || err == unix.EINTR {
		return model.HandshakeAgain
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		log.Warnf("handshake: socket reported an error condition")
		return model.HandshakeFailed
	}
	switch status := d.Context.Handshake(); status {
	case engine.StatusOK:
	case engine.StatusWouldBlock:
		return model.HandshakeAgain
	default:
		log.Warnf("handshake: negotiation failed")
		return model.HandshakeFailed
	}
	return d.evaluateTrust()
}

func (d *Driver) evaluateTrust() model.HandshakeStatus {
	trust, err := d.Context.PeerTrust()
	if err != nil {
		log.Warnf("handshake: cannot obtain peer trust: %s", err.Error())
		return model.HandshakeFailed
	}
	defer trust.Release()
	result := trust.Evaluate()
	numCerts := len(trust.PeerCertificates())
	switch result {
	case model.TrustProceed, model.TrustUnspecified:
		d.observe(result, numCerts, false)
		return model.HandshakeDone
	default:
		if d.Prompt == nil {
			d.observe(result, numCerts, false)
			return model.HandshakeRejected
		}
		decision := d.Prompt(trust)
		d.observe(result, numCerts, true)
		if decision != model.DecisionAccept {
			return model.HandshakeRejected
		}
		return model.HandshakeDone
	}
}

func (d *Driver) observe(result model.TrustResult, numCerts int, prompted bool) {
	if d.OnTrustEvaluation != nil {
		d.OnTrustEvaluation(result, numCerts, prompted)
	}
}
