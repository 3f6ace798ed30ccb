// Package rawchannel contains the plaintext non blocking channel. It
// adapts a raw socket descriptor to the model.Channel capability set
// and performs the non blocking connect used by the entry point.
package rawchannel

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sslx/sslx/model"
	"golang.org/x/sys/unix"
)

// Channel is a plaintext channel over a non blocking socket.
type Channel struct {
	closed bool
	fd     int
}

var _ model.Channel = (*Channel)(nil)

// New creates a new channel wrapping an already connected descriptor.
func New(fd int) *Channel {
	return &Channel{fd: fd}
}

// Connect opens a non blocking connection to remoteIP:port, optionally
// bound to localIP. The returned channel may still be connecting; use
// WaitConnected to wait for the connect to complete.
func Connect(remoteIP net.IP, port int, localIP net.IP) (*Channel, error) {
	family := unix.AF_INET
	if remoteIP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if localIP != nil {
		if err := unix.Bind(fd, sockaddr(localIP, 0)); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	err = unix.Connect(fd, sockaddr(remoteIP, port))
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}
	return New(fd), nil
}

func sockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// WaitConnected waits until the in-progress connect completes and
// returns the connect outcome. The channel stays in non blocking mode.
func (c *Channel) WaitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		left := int(time.Until(deadline) / time.Millisecond)
		if left < 0 {
			return unix.ETIMEDOUT
		}
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, left)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ETIMEDOUT
		}
		break
	}
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return fmt.Errorf("rawchannel: connect: %w", syscall.Errno(soerr))
	}
	return nil
}

// LocalAddr returns the local endpoint as host:port, or the empty
// string when the socket name cannot be read.
func (c *Channel) LocalAddr() string {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return ""
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), itoa(sa.Port))
	}
	return ""
}

func itoa(v int) string {
	return fmt.Sprintf("%d", v)
}

// Read reads from the socket. It returns model.ErrAgain when reading
// would block and io.EOF when the peer closed the connection.
func (c *Channel) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, model.ErrAgain
		}
		if err != nil {
			return 0, fmt.Errorf("rawchannel: read: %w", err)
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes to the socket. It returns model.ErrAgain when writing
// would block; the count reports the bytes accepted before blocking.
func (c *Channel) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, model.ErrAgain
		}
		if err != nil {
			return 0, fmt.Errorf("rawchannel: write: %w", err)
		}
		return n, nil
	}
}

// Seek moves the descriptor offset. Sockets fail with ESPIPE.
func (c *Channel) Seek(offset int64, whence int) (int64, error) {
	off, err := unix.Seek(c.fd, offset, whence)
	if err != nil {
		return 0, fmt.Errorf("rawchannel: seek: %w", err)
	}
	return off, nil
}

// Close closes the socket descriptor.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

// SetFlags updates the descriptor flags. Only FlagNonBlock is
// settable; the access mode bits are read only.
func (c *Channel) SetFlags(flags model.Flags) error {
	return unix.SetNonblock(c.fd, flags&model.FlagNonBlock != 0)
}

// Flags returns the current descriptor flags.
func (c *Channel) Flags() model.Flags {
	var flags model.Flags
	fl, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		return 0
	}
	if fl&unix.O_NONBLOCK != 0 {
		flags |= model.FlagNonBlock
	}
	switch fl & unix.O_ACCMODE {
	case unix.O_RDONLY:
		flags |= model.FlagIsReadable
	case unix.O_WRONLY:
		flags |= model.FlagIsWriteable
	case unix.O_RDWR:
		flags |= model.FlagIsReadable | model.FlagIsWriteable
	}
	return flags
}

// CreateWatch creates an event source descriptor for the reactor.
func (c *Channel) CreateWatch(cond model.Condition) *model.Watch {
	return &model.Watch{FD: c.fd, Cond: cond}
}

// FD returns the socket descriptor.
func (c *Channel) FD() int {
	return c.fd
}

// Free releases the channel, closing the descriptor if still open.
func (c *Channel) Free() {
	c.Close()
}
