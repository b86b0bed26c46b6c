// Package credstore loads the TLS material the agent presents to the
// broker: the trust anchor (CA certificate), the client certificate,
// and its private key. Blobs are returned as PEM bytes and are reread
// on every Load so rotated files take effect on the next bring-up.
package credstore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/nugget/envagent/internal/config"
)

// ErrInvalid is returned when a credential file exists but does not
// contain what it should.
var ErrInvalid = errors.New("credstore: invalid credential")

// Credentials are the three opaque blobs session setup needs.
type Credentials struct {
	TrustAnchor []byte // PEM CA certificate(s)
	Certificate []byte // PEM client certificate chain
	PrivateKey  []byte // PEM private key
}

// Store reads credentials from files named in the tls config section.
type Store struct {
	cfg config.TLSConfig
}

// New returns a Store for cfg.
func New(cfg config.TLSConfig) *Store {
	return &Store{cfg: cfg}
}

// Load reads every configured file. The identity comes from the
// PKCS#12 bundle when one is configured, otherwise from the separate
// certificate and key files.
func (s *Store) Load(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	ca, err := readPEM(s.cfg.CAFile, "CERTIFICATE")
	if err != nil {
		return Credentials{}, fmt.Errorf("trust anchor: %w", err)
	}

	var creds Credentials
	if s.cfg.UsesPKCS12() {
		creds, err = loadPKCS12(s.cfg.PKCS12File, s.cfg.PKCS12Password)
	} else {
		creds, err = loadPair(s.cfg.CertFile, s.cfg.KeyFile)
	}
	if err != nil {
		return Credentials{}, err
	}
	creds.TrustAnchor = ca
	return creds, nil
}

func loadPair(certFile, keyFile string) (Credentials, error) {
	cert, err := readPEM(certFile, "CERTIFICATE")
	if err != nil {
		return Credentials{}, fmt.Errorf("client certificate: %w", err)
	}
	key, err := readPEM(keyFile, "")
	if err != nil {
		return Credentials{}, fmt.Errorf("private key: %w", err)
	}
	return Credentials{Certificate: cert, PrivateKey: key}, nil
}

// loadPKCS12 converts a single-identity PKCS#12 bundle to PEM.
func loadPKCS12(path, password string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("pkcs12 bundle: %w", err)
	}

	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: pkcs12 bundle %s: %w", ErrInvalid, path, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: pkcs12 key %s: %w", ErrInvalid, path, err)
	}

	return Credentials{
		Certificate: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		PrivateKey:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
	}, nil
}

// readPEM reads path and checks that it holds at least one PEM block,
// of blockType when non-empty.
func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s contains no PEM data", ErrInvalid, path)
	}
	if blockType != "" && block.Type != blockType {
		return nil, fmt.Errorf("%w: %s holds %q, want %q", ErrInvalid, path, block.Type, blockType)
	}
	return data, nil
}
