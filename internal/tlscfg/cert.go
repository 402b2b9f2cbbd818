// Package tlscfg generates the per-host self-signed certificate, builds
// TLS 1.3-only configs with the soft-kvm/1 ALPN, and implements the
// fingerprint-pinning trust-on-first-use model the LAN handshake relies
// on in place of DNS hostname verification (§4.3).
package tlscfg

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// DefaultCommonName is the subject used for generated certificates; LAN
// peers never do DNS hostname verification, so this is a fixed label,
// not a real hostname.
const DefaultCommonName = "soft-kvm.local"

// DefaultValidity is the certificate lifetime (§4.3).
const DefaultValidity = 365 * 24 * time.Hour

// ALPNProtocol is the single ALPN identifier both peers must negotiate.
const ALPNProtocol = "soft-kvm/1"

// HostIdentity is a generated (certificate, private key) pair plus its
// parsed leaf, held immutably for the lifetime of the process (§5).
type HostIdentity struct {
	Certificate tls.Certificate
	CertPEM     []byte
	KeyPEM      []byte
	Leaf        *x509.Certificate
	Fingerprint string
}

// GenerateHostIdentity creates a fresh ECDSA P-256 self-signed certificate
// with the given common name and validity window, once per host process
// (§4.3). Callers that want persistence (out of scope for the core, §1)
// are expected to serialize CertPEM/KeyPEM themselves.
func GenerateHostIdentity(commonName string, validity time.Duration) (*HostIdentity, error) {
	if commonName == "" {
		commonName = DefaultCommonName
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlscfg: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tlscfg: generate serial: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("tlscfg: create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("tlscfg: marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("tlscfg: parse generated certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}

	return &HostIdentity{
		Certificate: cert,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Leaf:        leaf,
		Fingerprint: Fingerprint(leaf),
	}, nil
}

// LoadHostIdentity parses a previously generated (cert, key) PEM pair.
// Persistence itself (choosing where to read the PEM from) is an external
// concern per §6; this only does the parsing.
func LoadHostIdentity(certPEM, keyPEM []byte) (*HostIdentity, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlscfg: parse key pair: %w", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("tlscfg: parse leaf: %w", err)
		}
		cert.Leaf = leaf
	}
	return &HostIdentity{
		Certificate: cert,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Leaf:        leaf,
		Fingerprint: Fingerprint(leaf),
	}, nil
}
