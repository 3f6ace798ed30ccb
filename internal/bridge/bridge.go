// Package bridge adapts the TLS engine's byte transport onto a raw
// non blocking descriptor. The descriptor is borrowed from the raw
// channel for the lifetime of the SSL channel; the bridge never
// closes it.
package bridge

import (
	"github.com/apex/log"
	"github.com/sslx/sslx/internal/engine"
	"golang.org/x/sys/unix"
)

// Large writes are split so a single call cannot block for long.
const writeChunk = 4096

// Bridge implements engine.Transport over a socket descriptor.
type Bridge struct {
	fd int
}

var _ engine.Transport = (*Bridge)(nil)

// New creates a new bridge borrowing fd.
func New(fd int) *Bridge {
	return &Bridge{fd: fd}
}

// Pull reads from the socket until p is full or reading would block.
func (b *Bridge) Pull(p []byte) (int, engine.Status) {
	total := 0
	for total < len(p) {
		n, err := unix.Read(b.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return total, engine.StatusWouldBlock
		}
		if err != nil {
			log.Warnf("bridge: read failed: %s", err.Error())
			return total, engine.StatusInternal
		}
		if n == 0 {
			return total, engine.StatusClosedGraceful
		}
		total += n
	}
	return total, engine.StatusOK
}

// Push writes to the socket in writeChunk sized pieces.
func (b *Bridge) Push(p []byte) (int, engine.Status) {
	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > writeChunk {
			chunk = writeChunk
		}
		n, err := unix.Write(b.fd, p[total:total+chunk])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return total, engine.StatusWouldBlock
		}
		if err != nil {
			log.Warnf("bridge: write failed: %s", err.Error())
			return total, engine.StatusInternal
		}
		total += n
	}
	return total, engine.StatusOK
}
