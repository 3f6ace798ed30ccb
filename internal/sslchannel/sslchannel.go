// Package sslchannel contains the SSL channel. It composes a raw
// channel, a TLS engine context, and connection metadata, and exposes
// the same capability set as the plaintext channel: byte transfer goes
// through the engine, everything else delegates verbatim to the
// wrapped raw channel. No buffering is introduced, so the reactor
// keeps seeing accurate readiness.
package sslchannel

import (
	"io"
	"time"

	"github.com/sslx/sslx/internal/engine"
	"github.com/sslx/sslx/internal/handshake"
	"github.com/sslx/sslx/model"
)

// Channel is a secured channel over a raw non blocking channel.
type Channel struct {
	// Beginning is the measurement zero in time.
	Beginning time.Time

	// Handler handles measurement events.
	Handler model.Handler

	// ID is the connection identifier used in events.
	ID int64

	ctx      engine.Context
	driver   *handshake.Driver
	fd       int
	freed    bool
	hostname string
	hsStatus model.HandshakeStatus
	hsSeen   bool
	raw      model.Channel
}

var _ model.SecureChannel = (*Channel)(nil)

// Config contains the channel configuration.
type Config struct {
	// Context is the engine context. The channel takes ownership.
	Context engine.Context

	// Handler handles measurement events. Required.
	Handler model.Handler

	// Hostname is the peer hostname, for display and decisions only.
	Hostname string

	// ID is the connection identifier used in events.
	ID int64

	// Prompt optionally overrides inconclusive trust evaluations.
	Prompt model.TrustPrompt

	// Raw is the raw channel. The channel takes ownership.
	Raw model.Channel
}

// New creates a new SSL channel. The raw channel and the engine
// context are exclusively owned by the returned channel and are
// released by Free.
func New(beginning time.Time, config Config) *Channel {
	c := &Channel{
		Beginning: beginning,
		Handler:   config.Handler,
		ID:        config.ID,
		ctx:       config.Context,
		fd:        config.Raw.FD(),
		hostname:  config.Hostname,
		raw:       config.Raw,
	}
	c.driver = &handshake.Driver{
		Context: config.Context,
		FD:      c.fd,
		Prompt:  config.Prompt,
		OnTrustEvaluation: func(result model.TrustResult, numCerts int, prompted bool) {
			c.Handler.OnMeasurement(model.Measurement{
				TrustEvaluation: &model.TrustEvaluationEvent{
					ConnID:   c.ID,
					NumCerts: numCerts,
					Prompted: prompted,
					Result:   result,
					Time:     time.Now().Sub(c.Beginning),
				},
			})
		},
	}
	return c
}

// Handshake performs a single handshake step. Terminal results are
// latched: once the handshake has concluded, Handshake keeps
// returning the same status without touching the engine again.
func (c *Channel) Handshake() model.HandshakeStatus {
	if c.hsSeen {
		return c.hsStatus
	}
	status := c.driver.Step()
	if status == model.HandshakeAgain {
		return status
	}
	c.hsSeen = true
	c.hsStatus = status
	c.Handler.OnMeasurement(model.Measurement{
		TLSHandshake: &model.TLSHandshakeEvent{
			ConnID:   c.ID,
			Error:    handshakeError(status),
			Hostname: c.hostname,
			Status:   status,
			Time:     time.Now().Sub(c.Beginning),
		},
	})
	return status
}

func handshakeError(status model.HandshakeStatus) error {
	switch status {
	case model.HandshakeRejected:
		return model.ErrUserDeclinedTrust
	case model.HandshakeFailed:
		return model.ErrEngine
	default:
		return nil
	}
}

// Read decrypts bytes from the connection. It returns model.ErrAgain
// when the engine needs more wire data and io.EOF when the peer closed
// the session gracefully.
func (c *Channel) Read(p []byte) (int, error) {
	start := time.Now()
	n, status := c.ctx.Read(p)
	err := mapStatus(status, true)
	stop := time.Now()
	c.Handler.OnMeasurement(model.Measurement{
		Read: &model.ReadEvent{
			ConnID:   c.ID,
			Duration: stop.Sub(start),
			Error:    err,
			NumBytes: int64(n),
			Time:     stop.Sub(c.Beginning),
		},
	})
	return n, err
}

// Write encrypts bytes onto the connection. It returns model.ErrAgain
// with the partial count when the wire cannot accept more ciphertext.
func (c *Channel) Write(p []byte) (int, error) {
	start := time.Now()
	n, status := c.ctx.Write(p)
	err := mapStatus(status, false)
	stop := time.Now()
	c.Handler.OnMeasurement(model.Measurement{
		Write: &model.WriteEvent{
			ConnID:   c.ID,
			Duration: stop.Sub(start),
			Error:    err,
			NumBytes: int64(n),
			Time:     stop.Sub(c.Beginning),
		},
	})
	return n, err
}

func mapStatus(status engine.Status, read bool) error {
	switch status {
	case engine.StatusOK:
		return nil
	case engine.StatusWouldBlock:
		return model.ErrAgain
	case engine.StatusClosedGraceful:
		if read {
			return io.EOF
		}
		return model.ErrEngine
	default:
		return model.ErrEngine
	}
}

// Seek delegates to the wrapped raw channel.
func (c *Channel) Seek(offset int64, whence int) (int64, error) {
	return c.raw.Seek(offset, whence)
}

// Close delegates to the wrapped raw channel.
func (c *Channel) Close() error {
	err := c.raw.Close()
	c.Handler.OnMeasurement(model.Measurement{
		Close: &model.CloseEvent{
			ConnID: c.ID,
			Error:  err,
			Time:   time.Now().Sub(c.Beginning),
		},
	})
	return err
}

// SetFlags delegates to the wrapped raw channel.
func (c *Channel) SetFlags(flags model.Flags) error {
	return c.raw.SetFlags(flags)
}

// Flags delegates to the wrapped raw channel.
func (c *Channel) Flags() model.Flags {
	return c.raw.Flags()
}

// CreateWatch delegates to the wrapped raw channel.
func (c *Channel) CreateWatch(cond model.Condition) *model.Watch {
	return c.raw.CreateWatch(cond)
}

// FD returns the socket descriptor borrowed from the raw channel.
func (c *Channel) FD() int {
	return c.fd
}

// Free disposes the engine context and releases the raw channel. The
// two are released together so that no partial teardown state is ever
// observable. Free must be called exactly once.
func (c *Channel) Free() {
	if c.freed {
		return
	}
	c.freed = true
	c.ctx.Close()
	c.raw.Free()
}
