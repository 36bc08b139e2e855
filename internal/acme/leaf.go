package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// newLeafKey generates a fresh ECDSA P-256 key for a leaf certificate, as
// required for each issuance (keys are never reused across hosts).
func newLeafKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// newCSR builds a PKCS#10 certificate request for hostname signed by key.
func newCSR(hostname string, key *ecdsa.PrivateKey) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: hostname},
		DNSNames: []string{hostname},
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}

// hostCertDir returns the directory a hostname's cert/key pair is stored
// under: {certs_dir}/{hostname}/.
func hostCertDir(certsDir, hostname string) string {
	return filepath.Join(certsDir, hostname)
}

// saveLeaf persists the certificate chain (DER-encoded, leaf-first) and the
// private key for hostname, 0600 perms, and returns a tls.Certificate ready
// for certstore.Install.
func saveLeaf(certsDir, hostname string, der [][]byte, key *ecdsa.PrivateKey) (tls.Certificate, error) {
	dir := hostCertDir(certsDir, hostname)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return tls.Certificate{}, err
	}

	var certPEM []byte
	for _, block := range der {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block})...)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(filepath.Join(dir, "cert.pem"), certPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "key.pem"), keyPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse issued certificate: %w", err)
	}
	return cert, nil
}

// loadLeaf reads a previously persisted certificate/key pair for hostname,
// if present.
func loadLeaf(certsDir, hostname string) (tls.Certificate, bool, error) {
	dir := hostCertDir(certsDir, hostname)
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return tls.Certificate{}, false, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, false, err
	}
	return cert, true, nil
}
