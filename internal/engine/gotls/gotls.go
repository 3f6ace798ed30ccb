// Package gotls implements the TLS engine contract on top of
// crypto/tls. The record layer is blocking by design, so the session
// runs in a dedicated goroutine that talks to an in memory ciphertext
// pair; the public operations feed that pair through the transport's
// Pull and Push and never block beyond running the session goroutine
// to quiescence. When the wire cannot make progress they report
// StatusWouldBlock and the caller resumes on the next invocation.
//
// Certificate verification is disabled at the record layer. The peer
// chain is evaluated separately through PeerTrust, so that a failed
// evaluation can be overridden interactively instead of aborting the
// negotiation.
package gotls

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/sslx/sslx/internal/engine"
	"github.com/sslx/sslx/model"
)

const (
	// maxRecord bounds how much we move per pump iteration.
	maxRecord = 16384

	// outbufHighWater bounds staged ciphertext before Write reports
	// StatusWouldBlock to the caller.
	outbufHighWater = 1 << 16
)

// Config contains the engine configuration.
type Config struct {
	// Hostname is the peer hostname, used for SNI and for the name
	// check during trust evaluation. May be empty.
	Hostname string

	// Verify indicates whether trust evaluation verifies the chain.
	// When false, Evaluate returns TrustUnspecified.
	Verify bool

	// Certificate optionally contains the client identity.
	Certificate *tls.Certificate
}

// Context is the per connection engine state.
type Context struct {
	mu   sync.Mutex
	cond *sync.Cond

	transport engine.Transport
	conn      *tls.Conn

	inbuf    bytes.Buffer // ciphertext from the wire
	inEOF    bool
	outbuf   bytes.Buffer // ciphertext for the wire
	plain    bytes.Buffer // decrypted application bytes
	gWaiting bool         // session goroutine parked for ciphertext

	hsStarted bool
	hsDone    bool
	hsErr     error
	readErr   error // terminal error from the session read loop
	failed    bool  // transport reported an internal error
	closed    bool

	hostname string
	verify   bool
}

var _ engine.Context = (*Context)(nil)

// NewContext creates a new engine context moving ciphertext through
// the given transport.
func NewContext(transport engine.Transport, config Config) *Context {
	c := &Context{
		transport: transport,
		hostname:  config.Hostname,
		verify:    config.Verify,
	}
	c.cond = sync.NewCond(&c.mu)
	tlsconfig := &tls.Config{
		// Trust is evaluated separately via PeerTrust so that the
		// interactive override can happen after the negotiation.
		InsecureSkipVerify: true,
		// Insecure legacy versions stay disabled unconditionally.
		MinVersion: tls.VersionTLS10,
		ServerName: config.Hostname,
	}
	if config.Certificate != nil {
		tlsconfig.Certificates = []tls.Certificate{*config.Certificate}
	}
	c.conn = tls.Client(&wireConn{c: c}, tlsconfig)
	return c
}

// session runs the blocking record layer: first the handshake, then
// the read loop that fills the plaintext buffer.
func (c *Context) session() {
	err := c.conn.Handshake()
	c.mu.Lock()
	c.hsDone = true
	c.hsErr = err
	c.cond.Broadcast()
	c.mu.Unlock()
	if err != nil {
		return
	}
	buf := make([]byte, maxRecord)
	for {
		n, err := c.conn.Read(buf)
		c.mu.Lock()
		if n > 0 {
			c.plain.Write(buf[:n])
		}
		if err != nil {
			c.readErr = err
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// pumpIn moves available ciphertext from the wire into the session.
func (c *Context) pumpIn() engine.Status {
	buf := make([]byte, maxRecord)
	for {
		n, status := c.transport.Pull(buf)
		if n > 0 {
			c.mu.Lock()
			c.inbuf.Write(buf[:n])
			c.cond.Broadcast()
			c.mu.Unlock()
		}
		switch status {
		case engine.StatusOK:
			// Filled the whole buffer; more may be pending.
		case engine.StatusWouldBlock:
			return engine.StatusWouldBlock
		case engine.StatusClosedGraceful:
			c.mu.Lock()
			c.inEOF = true
			c.cond.Broadcast()
			c.mu.Unlock()
			return engine.StatusClosedGraceful
		default:
			c.fail()
			return engine.StatusInternal
		}
	}
}

// flushOut pushes staged ciphertext to the wire.
func (c *Context) flushOut() engine.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbuf.Len() == 0 {
		return engine.StatusOK
	}
	n, status := c.transport.Push(c.outbuf.Bytes())
	c.outbuf.Next(n)
	if status == engine.StatusInternal {
		c.failed = true
		c.cond.Broadcast()
	}
	return status
}

func (c *Context) fail() {
	c.mu.Lock()
	c.failed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// waitHandshakeQuiescent waits until the session goroutine has either
// completed the handshake or parked waiting for more ciphertext. The
// wait is CPU bounded: the session never blocks on the wire itself.
func (c *Context) waitHandshakeQuiescent() {
	c.mu.Lock()
	for !c.hsDone && !(c.gWaiting && c.inbuf.Len() == 0) && !c.closed && !c.failed {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Handshake performs a single handshake step.
func (c *Context) Handshake() engine.Status {
	c.mu.Lock()
	if c.closed || c.failed {
		c.mu.Unlock()
		return engine.StatusInternal
	}
	if c.hsDone {
		status := engine.StatusOK
		if c.hsErr != nil {
			status = engine.StatusInternal
		}
		c.mu.Unlock()
		return status
	}
	if !c.hsStarted {
		c.hsStarted = true
		go c.session()
	}
	c.mu.Unlock()
	if status := c.pumpIn(); status == engine.StatusInternal {
		return engine.StatusInternal
	}
	c.waitHandshakeQuiescent()
	c.mu.Lock()
	done, hsErr, failed := c.hsDone, c.hsErr, c.failed
	c.mu.Unlock()
	if failed {
		return engine.StatusInternal
	}
	if status := c.flushOut(); status == engine.StatusInternal {
		return engine.StatusInternal
	}
	if !done {
		return engine.StatusWouldBlock
	}
	if hsErr != nil {
		log.Warnf("gotls: handshake failed: %s", hsErr.Error())
		return engine.StatusInternal
	}
	return engine.StatusOK
}

// Read decrypts application bytes into p.
func (c *Context) Read(p []byte) (int, engine.Status) {
	c.mu.Lock()
	if c.closed || !c.hsDone || c.hsErr != nil {
		c.mu.Unlock()
		return 0, engine.StatusInternal
	}
	c.mu.Unlock()
	if status := c.pumpIn(); status == engine.StatusInternal {
		return 0, engine.StatusInternal
	}
	c.mu.Lock()
	for c.plain.Len() == 0 && c.readErr == nil && !c.failed && !c.closed &&
		!(c.gWaiting && c.inbuf.Len() == 0) {
		c.cond.Wait()
	}
	var n int
	var status engine.Status
	switch {
	case c.plain.Len() > 0:
		n, _ = c.plain.Read(p)
		status = engine.StatusOK
	case c.readErr == io.EOF:
		status = engine.StatusClosedGraceful
	case c.readErr != nil || c.failed:
		status = engine.StatusInternal
	default:
		status = engine.StatusWouldBlock
	}
	c.mu.Unlock()
	// The session may have produced protocol bytes (alerts, key
	// updates) that should not wait for the next write.
	c.flushOut()
	return n, status
}

// Write encrypts application bytes from p. The count reports bytes
// committed to the engine; StatusWouldBlock surfaces once the staged
// ciphertext reaches its high water mark.
func (c *Context) Write(p []byte) (int, engine.Status) {
	c.mu.Lock()
	if c.closed || !c.hsDone || c.hsErr != nil || c.failed {
		c.mu.Unlock()
		return 0, engine.StatusInternal
	}
	c.mu.Unlock()
	written := 0
	for written < len(p) {
		c.mu.Lock()
		over := c.outbuf.Len() >= outbufHighWater
		c.mu.Unlock()
		if over {
			if status := c.flushOut(); status == engine.StatusInternal {
				return written, engine.StatusInternal
			}
			c.mu.Lock()
			over = c.outbuf.Len() >= outbufHighWater
			c.mu.Unlock()
			if over {
				return written, engine.StatusWouldBlock
			}
		}
		chunk := len(p) - written
		if chunk > maxRecord {
			chunk = maxRecord
		}
		n, err := c.conn.Write(p[written : written+chunk])
		written += n
		if err != nil {
			log.Warnf("gotls: write failed: %s", err.Error())
			return written, engine.StatusInternal
		}
	}
	if status := c.flushOut(); status == engine.StatusInternal {
		return written, engine.StatusInternal
	}
	return written, engine.StatusOK
}

// PeerTrust returns the peer trust object. Ownership transfers to the
// caller.
func (c *Context) PeerTrust() (model.Trust, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hsDone || c.hsErr != nil {
		return nil, errors.New("gotls: handshake not complete")
	}
	state := c.conn.ConnectionState()
	return &peerTrust{
		certs:    state.PeerCertificates,
		hostname: c.hostname,
		verify:   c.verify,
	}, nil
}

// Close disposes the engine state, flushing the close notify alert on
// a best effort basis. It is safe to call once.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	sendAlert := c.hsDone && c.hsErr == nil && !c.failed
	c.mu.Unlock()
	if sendAlert {
		c.conn.CloseWrite()
		c.flushOut()
	}
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// wireConn is the net.Conn the record layer runs on. Reads block the
// session goroutine until ciphertext arrives through pumpIn; writes
// stage ciphertext for flushOut and never block.
type wireConn struct {
	c *Context
}

func (w *wireConn) Read(p []byte) (int, error) {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inbuf.Len() == 0 && !c.inEOF && !c.closed && !c.failed {
		c.gWaiting = true
		c.cond.Broadcast()
		c.cond.Wait()
	}
	c.gWaiting = false
	if c.inbuf.Len() > 0 {
		n, _ := c.inbuf.Read(p)
		return n, nil
	}
	if c.inEOF {
		return 0, io.EOF
	}
	return 0, io.ErrClosedPipe
}

func (w *wireConn) Write(p []byte) (int, error) {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failed {
		return 0, io.ErrClosedPipe
	}
	c.outbuf.Write(p)
	return len(p), nil
}

func (w *wireConn) Close() error {
	return nil
}

func (w *wireConn) LocalAddr() net.Addr {
	return wireAddr{}
}

func (w *wireConn) RemoteAddr() net.Addr {
	return wireAddr{}
}

func (w *wireConn) SetDeadline(t time.Time) error {
	return nil
}

func (w *wireConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (w *wireConn) SetWriteDeadline(t time.Time) error {
	return nil
}

type wireAddr struct{}

func (wireAddr) Network() string {
	return "gotls"
}

func (wireAddr) String() string {
	return "gotls"
}
