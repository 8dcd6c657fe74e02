package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// CertificatePinner checks that a TLS peer presents at least one certificate
// whose Subject Public Key Info hash is pinned.
type CertificatePinner struct {
	pins map[string]struct{}
}

// NewCertificatePinner validates and normalizes hex SHA-256 SPKI hashes.
func NewCertificatePinner(pins []string) (*CertificatePinner, error) {
	cp := &CertificatePinner{pins: make(map[string]struct{}, len(pins))}
	for _, p := range pins {
		if err := cp.AddPin(p); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// AddPin adds one SPKI hash
func (cp *CertificatePinner) AddPin(certHash string) error {
	certHash = strings.ToLower(strings.TrimSpace(certHash))
	if len(certHash) != 64 {
		return errors.New("certificate hash must be 64 characters (SHA-256)")
	}
	if _, err := hex.DecodeString(certHash); err != nil {
		return fmt.Errorf("certificate hash must be valid hex: %w", err)
	}
	cp.pins[certHash] = struct{}{}
	return nil
}

// Enabled reports whether any pin is configured.
func (cp *CertificatePinner) Enabled() bool {
	return cp != nil && len(cp.pins) > 0
}

// TLSConfig returns a client TLS configuration enforcing the pins on top of
// normal chain verification.
func (cp *CertificatePinner) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		VerifyPeerCertificate: cp.verifyPeerCertificate,
	}
}

func (cp *CertificatePinner) verifyPeerCertificate(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if !cp.Enabled() {
		return nil
	}
	if len(verifiedChains) == 0 {
		return errors.New("no verified certificate chains")
	}

	for _, chain := range verifiedChains {
		for _, cert := range chain {
			if _, ok := cp.pins[SPKIHash(cert)]; ok {
				return nil
			}
		}
	}
	return fmt.Errorf("certificate pin verification failed for %s", verifiedChains[0][0].Subject.CommonName)
}

// SPKIHash returns the hex SHA-256 of the certificate's public key info.
func SPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}
