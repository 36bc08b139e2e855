// Package acme implements on-demand ACME HTTP-01 certificate issuance:
// account provisioning, per-host order finalization, and disk persistence
// of the account key and issued leaf certificates.
package acme

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/acme"

	obackoff "github.com/relaytun/otun/internal/backoff"
	"github.com/relaytun/otun/internal/certstore"
)

// LetsEncryptStagingURL is the convenience alias for Config.Staging.
const LetsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// pollDeadline bounds the total time spent waiting on any single ACME
// order/authorization phase (order finalize, challenge validation).
const pollDeadline = 60 * time.Second

// renewalInterval is how often the background renewal loop wakes up.
const renewalInterval = 12 * time.Hour

// renewalWindow is how far ahead of expiry a certificate is renewed.
const renewalWindow = 30 * 24 * time.Hour

// Config configures the issuer.
type Config struct {
	Email     string
	CertsDir  string
	Directory string // ACME directory URL; defaults to Let's Encrypt production
	Staging   bool   // convenience alias for the staging directory URL
	CAFile    string // optional extra trust root, for private test directories (e.g. Pebble)
}

// Issuer provisions an ACME account on first use and issues/renews
// certificates on demand, installing them into a certstore.Store.
type Issuer struct {
	cfg    Config
	client *acme.Client
	certs  *certstore.Store
	chals  *ChallengeStore

	inflightMu sync.Mutex
	inflight   map[string]*inflightOrder
}

type inflightOrder struct {
	done chan struct{}
	err  error
}

// New provisions (loading or creating) the ACME account and returns a
// ready-to-use Issuer.
func New(ctx context.Context, cfg Config, certs *certstore.Store, chals *ChallengeStore) (*Issuer, error) {
	directory := cfg.Directory
	if directory == "" {
		if cfg.Staging {
			directory = LetsEncryptStagingURL
		} else {
			directory = acme.LetsEncryptURL
		}
	}

	httpClient, err := newHTTPClient(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("acme: build http client: %w", err)
	}

	uri, key, ok, err := loadAccount(cfg.CertsDir)
	if err != nil {
		return nil, fmt.Errorf("acme: load account: %w", err)
	}

	if !ok {
		key, err = newAccountKey()
		if err != nil {
			return nil, fmt.Errorf("acme: generate account key: %w", err)
		}
	}

	client := &acme.Client{
		Key:          key,
		HTTPClient:   httpClient,
		DirectoryURL: directory,
	}

	if !ok {
		acct := &acme.Account{Contact: []string{"mailto:" + cfg.Email}}
		registered, err := client.Register(ctx, acct, acme.AcceptTOS)
		if err != nil {
			return nil, fmt.Errorf("acme: register account: %w", err)
		}
		if err := saveAccount(cfg.CertsDir, registered.URI, key); err != nil {
			return nil, fmt.Errorf("acme: persist account: %w", err)
		}
		log.Info("acme account registered", "directory", directory, "email", cfg.Email)
	} else {
		log.Debug("acme account loaded", "uri", uri, "directory", directory)
	}

	iss := &Issuer{
		cfg:      cfg,
		client:   client,
		certs:    certs,
		chals:    chals,
		inflight: make(map[string]*inflightOrder),
	}

	// Load any certificates already on disk from a previous run.
	iss.loadExisting()

	return iss, nil
}

func newHTTPClient(caFile string) (*http.Client, error) {
	if caFile == "" {
		return http.DefaultClient, nil
	}

	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca_file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("ca_file %s contains no usable certificates", caFile)
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}

func (iss *Issuer) loadExisting() {
	entries, err := os.ReadDir(iss.cfg.CertsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		hostname := e.Name()
		cert, ok, err := loadLeaf(iss.cfg.CertsDir, hostname)
		if err != nil || !ok {
			continue
		}
		notAfter := leafNotAfter(cert)
		iss.certs.Install(certstore.Entry{Hostname: hostname, Cert: cert, NotAfter: notAfter})
		log.Debug("loaded certificate from disk", "hostname", hostname, "not_after", notAfter)
	}
}

func leafNotAfter(cert tls.Certificate) time.Time {
	if len(cert.Certificate) == 0 {
		return time.Time{}
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return time.Time{}
	}
	return leaf.NotAfter
}

// Issue provisions (or re-provisions) a certificate for hostname. Only one
// order is ever in flight per hostname; concurrent callers for the same
// hostname await the first caller's result.
func (iss *Issuer) Issue(ctx context.Context, hostname string) error {
	iss.inflightMu.Lock()
	if existing, ok := iss.inflight[hostname]; ok {
		iss.inflightMu.Unlock()
		<-existing.done
		return existing.err
	}
	order := &inflightOrder{done: make(chan struct{})}
	iss.inflight[hostname] = order
	iss.inflightMu.Unlock()

	err := iss.issueOnce(ctx, hostname)

	iss.inflightMu.Lock()
	delete(iss.inflight, hostname)
	iss.inflightMu.Unlock()

	order.err = err
	close(order.done)
	return err
}

func (iss *Issuer) issueOnce(ctx context.Context, hostname string) error {
	log.Info("acme issuance starting", "hostname", hostname)

	authzOrder, err := iss.client.AuthorizeOrder(ctx, acme.DomainIDs(hostname))
	if err != nil {
		return fmt.Errorf("acme: authorize order: %w", err)
	}

	tokens := make([]string, 0, len(authzOrder.AuthzURLs))
	defer func() {
		for _, tok := range tokens {
			iss.chals.Remove(tok)
		}
	}()

	for _, authzURL := range authzOrder.AuthzURLs {
		authz, err := iss.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return fmt.Errorf("acme: get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var chal *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "http-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			return fmt.Errorf("acme: no http-01 challenge offered for %s", hostname)
		}

		keyAuth, err := iss.client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return fmt.Errorf("acme: compute key authorization: %w", err)
		}
		iss.chals.Put(chal.Token, keyAuth)
		tokens = append(tokens, chal.Token)

		if _, err := iss.client.Accept(ctx, chal); err != nil {
			return fmt.Errorf("acme: accept challenge: %w", err)
		}

		if err := iss.waitAuthorization(ctx, authzURL); err != nil {
			return err
		}
	}

	key, err := newLeafKey()
	if err != nil {
		return fmt.Errorf("acme: generate leaf key: %w", err)
	}
	csr, err := newCSR(hostname, key)
	if err != nil {
		return fmt.Errorf("acme: build csr: %w", err)
	}

	finalizeCtx, cancel := context.WithTimeout(ctx, pollDeadline)
	der, _, err := iss.client.CreateOrderCert(finalizeCtx, authzOrder.FinalizeURL, csr, true)
	cancel()
	if err != nil {
		return fmt.Errorf("acme: finalize order: %w", err)
	}

	cert, err := saveLeaf(iss.cfg.CertsDir, hostname, der, key)
	if err != nil {
		return fmt.Errorf("acme: persist certificate: %w", err)
	}

	iss.certs.Install(certstore.Entry{
		Hostname: hostname,
		Cert:     cert,
		NotAfter: leafNotAfter(cert),
	})

	log.Info("acme issuance succeeded", "hostname", hostname)
	return nil
}

// waitAuthorization polls authzURL until it reaches a terminal status,
// bounded by pollDeadline with exponential backoff between polls.
func (iss *Issuer) waitAuthorization(ctx context.Context, authzURL string) error {
	ctx, cancel := context.WithTimeout(ctx, pollDeadline)
	defer cancel()

	b := obackoff.NewBackoff(obackoff.BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	})

	for {
		authz, err := iss.client.WaitAuthorization(ctx, authzURL)
		if err == nil && authz.Status == acme.StatusValid {
			return nil
		}
		if err == nil && authz.Status == acme.StatusInvalid {
			return fmt.Errorf("acme: authorization for %s became invalid", authzURL)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acme: authorization polling deadline exceeded: %w", ctx.Err())
		case <-time.After(b.NextDelay()):
		}
	}
}

// StartRenewalLoop runs the background renewal scan every renewalInterval
// until ctx is canceled. Certificates within renewalWindow of expiry are
// re-issued.
func (iss *Issuer) StartRenewalLoop(ctx context.Context) {
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range iss.certs.EntriesNearExpiry(renewalWindow) {
				if err := iss.Issue(ctx, entry.Hostname); err != nil {
					log.Error("acme renewal failed", "hostname", entry.Hostname, "error", err)
				}
			}
		}
	}
}
