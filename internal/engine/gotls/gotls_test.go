package gotls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	"github.com/sslx/sslx/internal/bridge"
	"github.com/sslx/sslx/internal/engine"
	"github.com/sslx/sslx/internal/testingx"
	"github.com/sslx/sslx/model"
	"golang.org/x/sys/unix"
)

func newServer(t *testing.T, handler func(*tls.Conn)) (*testingx.Server, *testingx.SelfSignedCert) {
	t.Helper()
	cert, err := testingx.NewSelfSignedCert("gotls.test", "gotls.test", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	server, err := testingx.NewServer(&tls.Config{
		Certificates: []tls.Certificate{cert.TLS},
	}, handler)
	if err != nil {
		t.Fatal(err)
	}
	return server, cert
}

func dialFD(t *testing.T, addr *net.TCPAddr) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To4())
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		t.Fatal(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		t.Fatal(err)
	}
	return fd
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 250); err != nil && err != unix.EINTR {
		t.Fatal(err)
	}
}

func driveHandshake(t *testing.T, ctx *Context, fd int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		switch status := ctx.Handshake(); status {
		case engine.StatusOK:
			return
		case engine.StatusWouldBlock:
			waitReadable(t, fd)
		default:
			t.Fatal("handshake failed")
		}
	}
	t.Fatal("handshake did not converge")
}

func TestIntegrationHandshakeAndRoundTrip(t *testing.T) {
	server, _ := newServer(t, testingx.Echo)
	defer server.Close()
	fd := dialFD(t, server.Addr)
	defer unix.Close(fd)
	ctx := NewContext(bridge.New(fd), Config{Hostname: "gotls.test"})
	defer ctx.Close()
	driveHandshake(t, ctx, fd)
	payload := []byte("non blocking engines move bytes too")
	n, status := ctx.Write(payload)
	if status != engine.StatusOK || n != len(payload) {
		t.Fatal("cannot write the payload")
	}
	var received bytes.Buffer
	buf := make([]byte, 4096)
	for i := 0; received.Len() < len(payload); i++ {
		if i > 1000 {
			t.Fatal("read did not converge")
		}
		n, status := ctx.Read(buf)
		switch status {
		case engine.StatusOK:
			received.Write(buf[:n])
		case engine.StatusWouldBlock:
			waitReadable(t, fd)
		default:
			t.Fatal("unexpected read status")
		}
	}
	if !bytes.Equal(received.Bytes(), payload) {
		t.Fatal("the bytes round tripped garbled")
	}
}

func TestIntegrationPeerTrustUnspecified(t *testing.T) {
	server, _ := newServer(t, testingx.Echo)
	defer server.Close()
	fd := dialFD(t, server.Addr)
	defer unix.Close(fd)
	ctx := NewContext(bridge.New(fd), Config{Hostname: "gotls.test"})
	defer ctx.Close()
	driveHandshake(t, ctx, fd)
	trust, err := ctx.PeerTrust()
	if err != nil {
		t.Fatal(err)
	}
	if len(trust.PeerCertificates()) == 0 {
		t.Fatal("expected a peer chain")
	}
	if trust.Evaluate() != model.TrustUnspecified {
		t.Fatal("expected TrustUnspecified with verification disabled")
	}
	trust.Release()
	if trust.PeerCertificates() != nil {
		t.Fatal("expected the chain to be released")
	}
}

func TestIntegrationTrustRecoverableFailure(t *testing.T) {
	server, _ := newServer(t, testingx.Echo)
	defer server.Close()
	fd := dialFD(t, server.Addr)
	defer unix.Close(fd)
	ctx := NewContext(bridge.New(fd), Config{Hostname: "gotls.test", Verify: true})
	defer ctx.Close()
	driveHandshake(t, ctx, fd)
	trust, err := ctx.PeerTrust()
	if err != nil {
		t.Fatal(err)
	}
	defer trust.Release()
	if trust.Evaluate() != model.TrustRecoverableFailure {
		t.Fatal("expected TrustRecoverableFailure for a self signed peer")
	}
}

func TestIntegrationGracefulClose(t *testing.T) {
	server, _ := newServer(t, func(conn *tls.Conn) {
		conn.Close()
	})
	defer server.Close()
	fd := dialFD(t, server.Addr)
	defer unix.Close(fd)
	ctx := NewContext(bridge.New(fd), Config{Hostname: "gotls.test"})
	defer ctx.Close()
	driveHandshake(t, ctx, fd)
	buf := make([]byte, 128)
	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("close did not converge")
		}
		_, status := ctx.Read(buf)
		if status == engine.StatusWouldBlock {
			waitReadable(t, fd)
			continue
		}
		if status != engine.StatusClosedGraceful {
			t.Fatal("expected StatusClosedGraceful")
		}
		break
	}
}

func TestCloseIsSafeAndTerminal(t *testing.T) {
	server, _ := newServer(t, testingx.Echo)
	defer server.Close()
	fd := dialFD(t, server.Addr)
	defer unix.Close(fd)
	ctx := NewContext(bridge.New(fd), Config{Hostname: "gotls.test"})
	driveHandshake(t, ctx, fd)
	if err := ctx.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatal("expected the second Close to be a no-op")
	}
	if _, status := ctx.Read(make([]byte, 16)); status != engine.StatusInternal {
		t.Fatal("expected StatusInternal after Close")
	}
	if _, status := ctx.Write([]byte("x")); status != engine.StatusInternal {
		t.Fatal("expected StatusInternal after Close")
	}
	if status := ctx.Handshake(); status != engine.StatusInternal {
		t.Fatal("expected StatusInternal after Close")
	}
}

func TestReadBeforeHandshake(t *testing.T) {
	server, _ := newServer(t, testingx.Echo)
	defer server.Close()
	fd := dialFD(t, server.Addr)
	defer unix.Close(fd)
	ctx := NewContext(bridge.New(fd), Config{Hostname: "gotls.test"})
	defer ctx.Close()
	if _, status := ctx.Read(make([]byte, 16)); status != engine.StatusInternal {
		t.Fatal("expected StatusInternal before the handshake")
	}
	if _, status := ctx.Write([]byte("x")); status != engine.StatusInternal {
		t.Fatal("expected StatusInternal before the handshake")
	}
}

func TestTrustProceedWithInjectedRoots(t *testing.T) {
	cert, err := testingx.NewSelfSignedCert("gotls.test", "gotls.test")
	if err != nil {
		t.Fatal(err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)
	trust := &peerTrust{
		certs:    []*x509.Certificate{cert.Leaf},
		hostname: "gotls.test",
		roots:    roots,
		verify:   true,
	}
	if trust.Evaluate() != model.TrustProceed {
		t.Fatal("expected TrustProceed with the leaf in the roots")
	}
}

func TestTrustHostnameMismatch(t *testing.T) {
	cert, err := testingx.NewSelfSignedCert("gotls.test", "gotls.test")
	if err != nil {
		t.Fatal(err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)
	trust := &peerTrust{
		certs:    []*x509.Certificate{cert.Leaf},
		hostname: "other.test",
		roots:    roots,
		verify:   true,
	}
	if trust.Evaluate() != model.TrustRecoverableFailure {
		t.Fatal("expected TrustRecoverableFailure on hostname mismatch")
	}
}

func TestTrustEmptyChain(t *testing.T) {
	trust := &peerTrust{verify: true}
	if trust.Evaluate() != model.TrustFatalFailure {
		t.Fatal("expected TrustFatalFailure for an empty chain")
	}
}
