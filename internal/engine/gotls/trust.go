package gotls

import (
	"crypto/x509"
	"net"

	"github.com/sslx/sslx/model"
)

// peerTrust is the engine's trust object: the peer chain plus what is
// needed to evaluate it after the negotiation.
type peerTrust struct {
	certs    []*x509.Certificate
	hostname string
	released bool
	roots    *x509.CertPool // nil means system roots
	verify   bool
}

var _ model.Trust = (*peerTrust)(nil)

// PeerCertificates returns the peer chain, leaf first.
func (t *peerTrust) PeerCertificates() []*x509.Certificate {
	return t.certs
}

// Evaluate evaluates the peer chain. With verification disabled the
// result is TrustUnspecified, which callers treat as acceptance. A
// chain that fails verification yields TrustRecoverableFailure so the
// caller may ask the user to override.
func (t *peerTrust) Evaluate() model.TrustResult {
	if !t.verify {
		return model.TrustUnspecified
	}
	if len(t.certs) == 0 {
		return model.TrustFatalFailure
	}
	opts := x509.VerifyOptions{
		Intermediates: x509.NewCertPool(),
		Roots:         t.roots,
	}
	if t.hostname != "" && net.ParseIP(t.hostname) == nil {
		opts.DNSName = t.hostname
	}
	for _, cert := range t.certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := t.certs[0].Verify(opts); err != nil {
		return model.TrustRecoverableFailure
	}
	return model.TrustProceed
}

// Release releases the trust object.
func (t *peerTrust) Release() {
	t.released = true
	t.certs = nil
}
