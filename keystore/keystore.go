// Package keystore models the identity store holding client
// certificates and their private keys. The store is scanned through
// explicit handles so that every candidate examined during a lookup
// can be released deterministically, matching how platform stores
// hand out reference counted objects.
package keystore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/apex/log"
)

// ErrIdentityNotFound indicates that the store could not be opened or
// that no identity matched. Non fatal to the caller: it decides
// whether to abort the connection.
var ErrIdentityNotFound = errors.New("keystore: identity not found")

// ErrScanDone signals the end of a store scan.
var ErrScanDone = errors.New("keystore: no more identities")

// Identity is a handle to a certificate and private key pair. Once
// returned by FindByCommonName, ownership transfers to the caller,
// who must Release it after use.
type Identity interface {
	// Certificate returns the parsed certificate.
	Certificate() (*x509.Certificate, error)

	// TLSCertificate returns the certificate and key pair in the
	// form the TLS engine attaches as client certificate.
	TLSCertificate() (*tls.Certificate, error)

	// Release releases the handle.
	Release()
}

// Search is an in-progress store scan.
type Search interface {
	// Next returns the next candidate identity, or ErrScanDone when
	// the scan is complete. The caller owns the returned handle.
	Next() (Identity, error)

	// Release releases the scan state.
	Release()
}

// Store is an identity store that can be scanned.
type Store interface {
	// Search starts a scan over the store.
	Search() (Search, error)
}

// FindByCommonName scans the store and returns the first identity
// whose certificate common name equals name exactly, comparing case
// sensitively. Every non matching handle examined during the scan is
// released before returning. On success ownership of the returned
// identity transfers to the caller.
func FindByCommonName(store Store, name string) (Identity, error) {
	search, err := store.Search()
	if err != nil {
		log.Warnf("keystore: cannot search for identity matching %q: %s",
			name, err.Error())
		return nil, ErrIdentityNotFound
	}
	defer search.Release()
	for {
		identity, err := search.Next()
		if err != nil {
			break
		}
		cert, err := identity.Certificate()
		if err != nil {
			identity.Release()
			continue
		}
		if cert.Subject.CommonName == name {
			return identity, nil
		}
		identity.Release()
	}
	log.Warnf("keystore: no identity with common name %q", name)
	return nil, ErrIdentityNotFound
}
