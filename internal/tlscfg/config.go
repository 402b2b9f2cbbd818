package tlscfg

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ServerConfig builds a TLS 1.3-only server config presenting identity's
// certificate and negotiating ALPNProtocol. The server does not verify
// client certificates; peer trust on this side is established by the
// application-level Hello/Welcome handshake (§4.3), not mTLS.
func ServerConfig(identity *HostIdentity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{identity.Certificate},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}
}

// ClientConfig builds a TLS 1.3-only client config for connecting to a
// specific peerID. Standard CA verification is meaningless on a LAN with
// self-signed certificates, so the config disables it and substitutes
// fingerprint pinning via VerifyPeerCertificate: the first certificate
// seen for peerID is trusted and pinned, every later one must match
// (§4.3, §8 scenario S5).
func ClientConfig(peerID string, pins *PinStore) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocol},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("tlscfg: peer presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("tlscfg: parse peer certificate: %w", err)
			}
			return pins.Verify(peerID, Fingerprint(leaf))
		},
	}
}
