package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol     = "ephemeral/1"
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 30 * time.Second
	certValidityDays = 365
)

// Peers authenticate posts and identities at the
// application layer, so the certificate only secures the
// channel.
func serverTLSConfig(cert tls.Certificate) *tls.Config { // A
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

func clientTLSConfig() *tls.Config { // A
	return &tls.Config{
		// #nosec G402 -- session certificates are
		// self-signed and carry no identity.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

func quicConfig() *quic.Config { // A
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      idleTimeout / 3,
	}
}

// generateSelfSignedCert creates the per-session TLS
// certificate.
func generateSelfSignedCert() ( // A
	tls.Certificate,
	error,
) {
	key, err := ecdsa.GenerateKey(
		elliptic.P256(),
		rand.Reader,
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"generate key: %w", err,
		)
	}

	serialNumber, err := rand.Int(
		rand.Reader,
		new(big.Int).Lsh(big.NewInt(1), 128),
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"generate serial: %w", err,
		)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"ephemeral"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter: time.Now().Add(
			certValidityDays * 24 * time.Hour,
		),
		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
	}

	certDER, err := x509.CreateCertificate(
		rand.Reader,
		tmpl,
		tmpl,
		&key.PublicKey,
		key,
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"create cert: %w", err,
		)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
