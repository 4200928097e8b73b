package network

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const alpn = "chum/1"

var (
	certOnce sync.Once
	certVal  tls.Certificate
	certErr  error
)

// transportCert is a throwaway self-signed certificate. TLS here only
// encrypts the link; peers authenticate each other with signed messages.
func transportCert() (tls.Certificate, error) {
	certOnce.Do(func() {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			certErr = errors.Wrap(err, "generate tls key")
			return
		}
		now := time.Now()
		template := x509.Certificate{
			SerialNumber: big.NewInt(now.UnixNano()),
			NotBefore:    now.Add(-time.Hour),
			NotAfter:     now.Add(365 * 24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
		if err != nil {
			certErr = errors.Wrap(err, "create tls cert")
			return
		}
		certVal = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	})
	return certVal, certErr
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := transportCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
}
