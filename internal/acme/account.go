package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// accountFile is the on-disk shape of {certs_dir}/account.json: an ACME
// account URI alongside its PEM-encoded ECDSA P-256 private key.
type accountFile struct {
	URI     string `json:"uri"`
	KeyPEM  string `json:"key_pem"`
}

func accountPath(certsDir string) string {
	return filepath.Join(certsDir, "account.json")
}

// loadAccount reads a persisted account from certsDir, if present.
func loadAccount(certsDir string) (uri string, key *ecdsa.PrivateKey, ok bool, err error) {
	data, err := os.ReadFile(accountPath(certsDir))
	if os.IsNotExist(err) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}

	var af accountFile
	if err := json.Unmarshal(data, &af); err != nil {
		return "", nil, false, fmt.Errorf("parse account.json: %w", err)
	}

	block, _ := pem.Decode([]byte(af.KeyPEM))
	if block == nil {
		return "", nil, false, fmt.Errorf("account.json: invalid PEM key")
	}
	pk, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return "", nil, false, fmt.Errorf("account.json: parse key: %w", err)
	}

	return af.URI, pk, true, nil
}

// saveAccount persists the account URI and key to certsDir/account.json
// with 0600 permissions.
func saveAccount(certsDir, uri string, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return err
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	data, err := json.MarshalIndent(accountFile{URI: uri, KeyPEM: string(keyPEM)}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(accountPath(certsDir), data, 0o600)
}

// newAccountKey generates a fresh ECDSA P-256 account key.
func newAccountKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
