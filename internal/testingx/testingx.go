// Package testingx contains testing extensions
package testingx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"
)

// SelfSignedCert is a freshly generated self signed certificate.
type SelfSignedCert struct {
	CertPEM []byte
	KeyPEM  []byte
	Leaf    *x509.Certificate
	TLS     tls.Certificate
}

// NewSelfSignedCert generates a self signed certificate with the
// given common name, valid for the given hosts.
func NewSelfSignedCert(commonName string, hosts ...string) (*SelfSignedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		BasicConstraintsValid: true,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth,
		},
		IsCA:         true,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		NotAfter:     time.Now().Add(24 * time.Hour),
		NotBefore:    time.Now().Add(-time.Hour),
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, host)
	}
	der, err := x509.CreateCertificate(
		rand.Reader, &template, &template, &key.PublicKey, key,
	)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &SelfSignedCert{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		Leaf:    leaf,
		TLS:     pair,
	}, nil
}

// Server is a loopback TLS server for tests.
type Server struct {
	// Addr is the address the server listens on.
	Addr *net.TCPAddr

	listener net.Listener
}

// NewServer starts a loopback TLS server invoking handler on every
// connection that completes the handshake. The handler owns the
// connection and should close it.
func NewServer(config *tls.Config, handler func(*tls.Conn)) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		Addr:     listener.Addr().(*net.TCPAddr),
		listener: listener,
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				tlsconn := tls.Server(conn, config)
				if err := tlsconn.Handshake(); err != nil {
					conn.Close()
					return
				}
				handler(tlsconn)
			}()
		}
	}()
	return server, nil
}

// Close stops the server.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Echo copies every received byte back to the peer, then closes.
func Echo(conn *tls.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	conn.Close()
}
