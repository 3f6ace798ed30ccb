package sslx

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sslx/sslx/internal/testingx"
	"github.com/sslx/sslx/keystore/pemstore"
	"github.com/sslx/sslx/model"
	"golang.org/x/sys/unix"
)

func newServer(t *testing.T, config *tls.Config, handler func(*tls.Conn)) *testingx.Server {
	t.Helper()
	server, err := testingx.NewServer(config, handler)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		server.Close()
	})
	return server
}

func serverConfig(t *testing.T) *tls.Config {
	t.Helper()
	cert, err := testingx.NewSelfSignedCert("sslx.test", "sslx.test", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert.TLS}}
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 250); err != nil && err != unix.EINTR {
		t.Fatal(err)
	}
}

func driveHandshake(t *testing.T, conn model.SecureChannel) model.HandshakeStatus {
	t.Helper()
	for i := 0; i < 1000; i++ {
		status := conn.Handshake()
		if status != model.HandshakeAgain {
			return status
		}
		waitReadable(t, conn.FD())
	}
	t.Fatal("handshake did not converge")
	return model.HandshakeFailed
}

func TestIntegrationConnectSSLAndRoundTrip(t *testing.T) {
	server := newServer(t, serverConfig(t), testingx.Echo)
	dialer := NewDialer()
	conn, err := dialer.ConnectSSL(
		server.Addr.IP, server.Addr.Port, "sslx.test", nil,
		"", "", "", "", false,
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	if driveHandshake(t, conn) != model.HandshakeDone {
		t.Fatal("expected HandshakeDone")
	}
	payload := []byte("through the adapter and back")
	if n, err := conn.Write(payload); err != nil || n != len(payload) {
		t.Fatal("cannot write the payload")
	}
	var received bytes.Buffer
	buf := make([]byte, 4096)
	for i := 0; received.Len() < len(payload); i++ {
		if i > 1000 {
			t.Fatal("read did not converge")
		}
		n, err := conn.Read(buf)
		if err == model.ErrAgain {
			waitReadable(t, conn.FD())
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		received.Write(buf[:n])
	}
	if !bytes.Equal(received.Bytes(), payload) {
		t.Fatal("the bytes round tripped garbled")
	}
}

func TestIntegrationConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close() // free the port so the connect is refused
	dialer := NewDialer()
	conn, err := dialer.ConnectSSL(
		addr.IP, addr.Port, "sslx.test", nil,
		"", "", "", "", false,
	)
	if err == nil {
		conn.Free()
		t.Fatal("expected an error here")
	}
	if conn != nil {
		t.Fatal("expected a nil channel on failure")
	}
}

func TestIntegrationVerifyRejectedWithoutPrompt(t *testing.T) {
	server := newServer(t, serverConfig(t), testingx.Echo)
	dialer := NewDialer()
	conn, err := dialer.ConnectSSL(
		server.Addr.IP, server.Addr.Port, "sslx.test", nil,
		"", "", "", "", true,
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	if driveHandshake(t, conn) != model.HandshakeRejected {
		t.Fatal("expected HandshakeRejected for a self signed peer")
	}
}

func TestIntegrationVerifyPromptOverride(t *testing.T) {
	server := newServer(t, serverConfig(t), testingx.Echo)
	dialer := NewDialer()
	var prompted bool
	dialer.TrustPrompt = func(trust model.Trust) model.TrustDecision {
		prompted = true
		if len(trust.PeerCertificates()) == 0 {
			t.Error("expected a peer chain in the prompt")
		}
		return model.DecisionAccept
	}
	conn, err := dialer.ConnectSSL(
		server.Addr.IP, server.Addr.Port, "sslx.test", nil,
		"", "", "", "", true,
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	if driveHandshake(t, conn) != model.HandshakeDone {
		t.Fatal("expected HandshakeDone after the prompt accepted")
	}
	if !prompted {
		t.Fatal("expected the prompt to run")
	}
}

func TestIntegrationVerifyPromptDeclines(t *testing.T) {
	server := newServer(t, serverConfig(t), testingx.Echo)
	dialer := NewDialer()
	dialer.TrustPrompt = func(trust model.Trust) model.TrustDecision {
		return model.TrustDecision(0)
	}
	conn, err := dialer.ConnectSSL(
		server.Addr.IP, server.Addr.Port, "sslx.test", nil,
		"", "", "", "", true,
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	if driveHandshake(t, conn) != model.HandshakeRejected {
		t.Fatal("expected HandshakeRejected after the prompt declined")
	}
}

func TestIntegrationClientCertificate(t *testing.T) {
	clientCert, err := testingx.NewSelfSignedCert("client", "client.example.com")
	if err != nil {
		t.Fatal(err)
	}
	clientRoots := x509.NewCertPool()
	clientRoots.AddCert(clientCert.Leaf)
	config := serverConfig(t)
	config.ClientAuth = tls.RequireAndVerifyClientCert
	config.ClientCAs = clientRoots
	server := newServer(t, config, testingx.Echo)
	dir, err := ioutil.TempDir("", "sslx")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if err := ioutil.WriteFile(
		filepath.Join(dir, "client.crt"), clientCert.CertPEM, 0600,
	); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(
		filepath.Join(dir, "client.key"), clientCert.KeyPEM, 0600,
	); err != nil {
		t.Fatal(err)
	}
	dialer := NewDialer()
	dialer.Keystore = pemstore.New(dir)
	conn, err := dialer.ConnectSSL(
		server.Addr.IP, server.Addr.Port, "sslx.test", nil,
		"client", "", "", "", false,
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	if driveHandshake(t, conn) != model.HandshakeDone {
		t.Fatal("expected HandshakeDone with a client certificate")
	}
	if n, err := conn.Write([]byte("hi")); err != nil || n != 2 {
		t.Fatal("cannot write after the mutual handshake")
	}
}

func TestIntegrationMissingClientCertificate(t *testing.T) {
	server := newServer(t, serverConfig(t), testingx.Echo)
	dialer := NewDialer()
	conn, err := dialer.ConnectSSL(
		server.Addr.IP, server.Addr.Port, "sslx.test", nil,
		"nonexistent", "", "", "", false,
	)
	if err == nil {
		conn.Free()
		t.Fatal("expected an error here")
	}
	if conn != nil {
		t.Fatal("expected a nil channel on failure")
	}
}

func TestIntegrationGracefulShutdown(t *testing.T) {
	server := newServer(t, serverConfig(t), func(conn *tls.Conn) {
		conn.Close()
	})
	dialer := NewDialer()
	conn, err := dialer.ConnectSSL(
		server.Addr.IP, server.Addr.Port, "sslx.test", nil,
		"", "", "", "", false,
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	if driveHandshake(t, conn) != model.HandshakeDone {
		t.Fatal("expected HandshakeDone")
	}
	buf := make([]byte, 128)
	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("shutdown did not converge")
		}
		_, err := conn.Read(buf)
		if err == model.ErrAgain {
			waitReadable(t, conn.FD())
			continue
		}
		if err != io.EOF {
			t.Fatal("expected io.EOF")
		}
		break
	}
}

func TestIntegrationPlaintextConnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()
	addr := listener.Addr().(*net.TCPAddr)
	dialer := NewDialer()
	conn, err := dialer.Connect(addr.IP, addr.Port, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	if n, err := conn.Write([]byte("ping")); err != nil || n != 4 {
		t.Fatal("cannot write on the plaintext channel")
	}
	buf := make([]byte, 128)
	for i := 0; ; i++ {
		if i > 1000 {
			t.Fatal("read did not converge")
		}
		n, err := conn.Read(buf)
		if err == model.ErrAgain {
			waitReadable(t, conn.FD())
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "ping" {
			t.Fatal("unexpected bytes read")
		}
		break
	}
}

func TestConnectEventEmitted(t *testing.T) {
	server := newServer(t, serverConfig(t), testingx.Echo)
	handler := &saver{}
	dialer := NewDialer()
	dialer.Handler = handler
	conn, err := dialer.Connect(server.Addr.IP, server.Addr.Port, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Free()
	var found bool
	for _, m := range handler.measurements {
		if m.Connect != nil {
			found = true
			if m.Connect.Error != nil {
				t.Fatal("unexpected connect error")
			}
			if m.Connect.LocalAddress == "" {
				t.Fatal("expected a local address")
			}
			if m.Connect.RemoteAddress == "" {
				t.Fatal("expected a remote address")
			}
		}
	}
	if !found {
		t.Fatal("expected a connect event")
	}
}

type saver struct {
	measurements []model.Measurement
}

func (s *saver) OnMeasurement(m model.Measurement) {
	s.measurements = append(s.measurements, m)
}

func TestConnectTimeoutDefault(t *testing.T) {
	dialer := NewDialer()
	if dialer.ConnectTimeout != 30*time.Second {
		t.Fatal("unexpected default connect timeout")
	}
}
