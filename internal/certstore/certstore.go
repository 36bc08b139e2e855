// Package certstore holds issued TLS certificates keyed by exact hostname
// and implements the SNI-time resolution callback the HTTPS listener uses.
package certstore

import (
	"crypto/tls"
	"sync"
	"time"
)

// safetyMargin is the minimum remaining validity an entry must have to be
// considered usable; an entry inside this margin is treated as absent so a
// handshake never serves a nearly-expired leaf while renewal is pending.
const safetyMargin = 30 * time.Second

// Entry is a loaded certificate for one hostname.
type Entry struct {
	Hostname string
	Cert     tls.Certificate
	NotAfter time.Time
}

// Store is a concurrency-safe map of hostname -> Entry, read by the TLS
// handshake path and written by the ACME issuer.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty certificate store.
func New() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Install atomically replaces any existing entry for entry.Hostname.
func (s *Store) Install(entry Entry) {
	s.mu.Lock()
	s.entries[entry.Hostname] = &entry
	s.mu.Unlock()
}

// Has reports whether a usable (non-near-expiry) certificate is loaded for
// hostname.
func (s *Store) Has(hostname string) bool {
	_, ok := s.usable(hostname)
	return ok
}

func (s *Store) usable(hostname string) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[hostname]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Until(e.NotAfter) <= safetyMargin {
		return nil, false
	}
	return e, true
}

// GetCertificate implements the tls.Config.GetCertificate callback: given
// the SNI hostname, return the best matching certificate, or (nil, nil) to
// let the handshake fail with unrecognized_name.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	e, ok := s.usable(hello.ServerName)
	if !ok {
		return nil, nil
	}
	return &e.Cert, nil
}

// EntriesNearExpiry returns every loaded entry whose remaining validity is
// under within, for the renewal scheduler.
func (s *Store) EntriesNearExpiry(within time.Duration) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.NotAfter.Sub(now) < within {
			out = append(out, *e)
		}
	}
	return out
}
