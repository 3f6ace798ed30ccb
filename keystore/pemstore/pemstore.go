// Package pemstore implements a keystore over a directory of PEM
// files. Each identity is a <name>.crt certificate with a <name>.key
// private key next to it. Certificates are parsed lazily so that a
// scan does not pay for identities it skips.
package pemstore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/sslx/sslx/keystore"
)

// Store is a PEM directory backed identity store.
type Store struct {
	dir string
}

var _ keystore.Store = (*Store)(nil)

// New creates a new store reading identities from dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Search starts a scan over the certificates in the directory.
func (s *Store) Search() (keystore.Search, error) {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".crt") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".crt"))
		}
	}
	return &search{dir: s.dir, names: names}, nil
}

type search struct {
	dir   string
	index int
	names []string
}

func (s *search) Next() (keystore.Identity, error) {
	if s.index >= len(s.names) {
		return nil, keystore.ErrScanDone
	}
	name := s.names[s.index]
	s.index++
	return &identity{
		certPath: filepath.Join(s.dir, name+".crt"),
		keyPath:  filepath.Join(s.dir, name+".key"),
	}, nil
}

func (s *search) Release() {
	s.names = nil
}

type identity struct {
	cert     *x509.Certificate
	certPath string
	keyPath  string
	released bool
}

func (id *identity) Certificate() (*x509.Certificate, error) {
	if id.released {
		return nil, errors.New("pemstore: identity already released")
	}
	if id.cert != nil {
		return id.cert, nil
	}
	data, err := ioutil.ReadFile(id.certPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("pemstore: no certificate block in " + id.certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	id.cert = cert
	return cert, nil
}

func (id *identity) TLSCertificate() (*tls.Certificate, error) {
	if id.released {
		return nil, errors.New("pemstore: identity already released")
	}
	pair, err := tls.LoadX509KeyPair(id.certPath, id.keyPath)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func (id *identity) Release() {
	id.released = true
	id.cert = nil
}
