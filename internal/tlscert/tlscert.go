// Package tlscert manages the process-wide self-signed TLS certificate
// the Listener terminates connections with (spec.md §4.1 "Certificate
// lifecycle"): generated once, persisted beside the database, and
// reused on every subsequent start.
package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// validity is generous since there is no rotation mechanism; the cert is
// regenerated only if either file is missing (an existing but unreadable
// pair is an error, not a trigger for regeneration).
const validity = 10 * 365 * 24 * time.Hour

// LoadOrGenerate reads certFile/keyFile if both exist, or generates and
// persists a new self-signed ECDSA certificate otherwise. A failure here
// is fatal to process startup (spec.md §7 "TLS key corruption at
// startup").
func LoadOrGenerate(certFile, keyFile string, log *logrus.Entry) (tls.Certificate, error) {
	if log == nil {
		log = logrus.WithField(trace.Component, "tlscert")
	}

	if fileExists(certFile) && fileExists(keyFile) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, trace.Wrap(err, "loading existing TLS certificate")
		}
		log.WithField("cert", certFile).Info("loaded existing TLS certificate")
		return cert, nil
	}

	log.WithField("cert", certFile).Info("generating self-signed TLS certificate")
	return generate(certFile, keyFile)
}

func generate(certFile, keyFile string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "generating TLS key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "generating certificate serial")
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "nexus"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "creating self-signed certificate")
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "marshaling TLS private key")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := writeFileAtomic(certFile, certPEM, 0o644); err != nil {
		return tls.Certificate{}, trace.Wrap(err, "persisting TLS certificate")
	}
	if err := writeFileAtomic(keyFile, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, trace.Wrap(err, "persisting TLS key")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err, "loading generated certificate")
	}
	return cert, nil
}

// Fingerprint returns the certificate's SHA-256 fingerprint as client
// pinning material (spec.md §4.1: "Clients pin the fingerprint on first
// connect").
func Fingerprint(cert tls.Certificate) ([32]byte, error) {
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return [32]byte{}, trace.Wrap(err)
	}
	return sha256.Sum256(parsed.Raw), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return trace.Wrap(err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(os.Rename(tmp, path))
}
