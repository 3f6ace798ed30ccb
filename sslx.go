// Package sslx upgrades raw non blocking connections to SSL channels
// that an event reactor can drive exactly like plaintext channels.
//
// The Dialer opens a raw non blocking connection and wraps it with a
// TLS engine context. The returned channel exposes the standard
// channel capability set; the caller drives the handshake by calling
// Handshake until it returns a terminal status, re-invoking it when
// it returns model.HandshakeAgain and the socket becomes ready again.
//
// When a client certificate name is given, the Dialer resolves the
// matching identity in its keystore and attaches it to the engine. A
// requested identity that cannot be found aborts the connect; not
// requesting one is not an error.
package sslx

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/sslx/sslx/handlers"
	"github.com/sslx/sslx/internal/bridge"
	"github.com/sslx/sslx/internal/engine/gotls"
	"github.com/sslx/sslx/internal/rawchannel"
	"github.com/sslx/sslx/internal/sslchannel"
	"github.com/sslx/sslx/keystore"
	"github.com/sslx/sslx/model"
)

var nextConnID int64

// Dialer creates plaintext and SSL channels.
type Dialer struct {
	// ConnectTimeout bounds how long we wait for the raw connect to
	// complete. Default: 30 seconds.
	ConnectTimeout time.Duration

	// Handler handles measurement events. Default: discard.
	Handler model.Handler

	// Keystore is the identity store used to resolve client
	// certificates. Only consulted when a certificate is requested.
	Keystore keystore.Store

	// TrustPrompt is invoked when automatic trust evaluation is
	// inconclusive. A nil prompt rejects such peers.
	TrustPrompt model.TrustPrompt

	beginning time.Time
}

// NewDialer returns a new Dialer instance.
func NewDialer() *Dialer {
	return &Dialer{
		ConnectTimeout: 30 * time.Second,
		Handler:        handlers.NoHandler,
		beginning:      time.Now(),
	}
}

// Connect opens a plaintext non blocking channel to remoteIP:port,
// optionally bound to localIP.
func (d *Dialer) Connect(remoteIP net.IP, port int, localIP net.IP) (model.Channel, error) {
	return d.connect(remoteIP, port, localIP, 0)
}

func (d *Dialer) connect(
	remoteIP net.IP, port int, localIP net.IP, connID int64,
) (*rawchannel.Channel, error) {
	if connID == 0 {
		connID = atomic.AddInt64(&nextConnID, 1)
	}
	conn, err := rawchannel.Connect(remoteIP, port, localIP)
	if err == nil {
		err = conn.WaitConnected(d.ConnectTimeout)
		if err != nil {
			conn.Free()
			conn = nil
		}
	}
	remote := net.JoinHostPort(remoteIP.String(), fmt.Sprintf("%d", port))
	var local string
	if conn != nil {
		local = conn.LocalAddr()
	}
	d.Handler.OnMeasurement(model.Measurement{
		Connect: &model.ConnectEvent{
			ConnID:        connID,
			Error:         err,
			LocalAddress:  local,
			RemoteAddress: remote,
			Time:          time.Now().Sub(d.beginning),
		},
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectSSL opens a non blocking connection to remoteIP:port and
// upgrades it to an SSL channel. The hostname is used for SNI, for
// the trust evaluation name check, and for display. cert names the
// client identity to resolve in the keystore; key is accepted for
// interface compatibility, since keystore identities already address
// the certificate and key as a pair. caFile and caPath are accepted
// for interface compatibility but are not applied to verification.
//
// Any failure releases all partially constructed resources; no
// partial channel is ever returned.
func (d *Dialer) ConnectSSL(
	remoteIP net.IP, port int, hostname string, localIP net.IP,
	cert, key, caFile, caPath string, verify bool,
) (model.SecureChannel, error) {
	if caFile != "" || caPath != "" {
		log.Warnf("sslx: CA file and CA path are not applied to verification")
	}
	connID := atomic.AddInt64(&nextConnID, 1)
	conn, err := d.connect(remoteIP, port, localIP, connID)
	if err != nil {
		return nil, err
	}
	var clientCert *tls.Certificate
	if cert != "" {
		clientCert, err = d.resolveIdentity(cert)
		if err != nil {
			conn.Free()
			return nil, err
		}
	}
	ctx := gotls.NewContext(bridge.New(conn.FD()), gotls.Config{
		Certificate: clientCert,
		Hostname:    hostname,
		Verify:      verify,
	})
	return sslchannel.New(d.beginning, sslchannel.Config{
		Context:  ctx,
		Handler:  d.Handler,
		Hostname: hostname,
		ID:       connID,
		Prompt:   d.TrustPrompt,
		Raw:      conn,
	}), nil
}

func (d *Dialer) resolveIdentity(name string) (*tls.Certificate, error) {
	if d.Keystore == nil {
		log.Warnf("sslx: certificate %q requested but no keystore configured", name)
		return nil, keystore.ErrIdentityNotFound
	}
	identity, err := keystore.FindByCommonName(d.Keystore, name)
	if err != nil {
		return nil, err
	}
	defer identity.Release()
	clientCert, err := identity.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("sslx: cannot load identity %q: %w", name, err)
	}
	return clientCert, nil
}
