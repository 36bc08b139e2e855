// Package registry implements the concurrent subdomain -> tunnel map, its
// idle sweeper, and the tunnel/session lifecycle types shared by the server.
package registry

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is the registry's non-owning reference to a session. It carries a
// single close signal and nothing else, so the registry never holds a
// pointer back into the session itself -- deregistration is a message, not
// a drop-triggered callback. Closing Handle more than once is safe.
type Handle struct {
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewHandle creates a handle for a session. The caller (the session) reads
// from Done() and tears itself down when it fires.
func NewHandle() *Handle {
	return &Handle{closeCh: make(chan struct{})}
}

// Done returns the channel that closes when Signal is called.
func (h *Handle) Done() <-chan struct{} {
	return h.closeCh
}

// Signal requests that the owning session shut down. Non-blocking and
// idempotent.
func (h *Handle) Signal() {
	h.closeOnce.Do(func() { close(h.closeCh) })
}

// Tunnel is a registered subdomain bound to a client session.
type Tunnel struct {
	Subdomain string
	TokenID   string
	Handle    *Handle

	createdAt time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	requestCount  int64
}

// CreatedAt returns the tunnel's creation instant.
func (t *Tunnel) CreatedAt() time.Time { return t.createdAt }

// LastActivity returns the last-activity instant, monotonically updated by
// Touch.
func (t *Tunnel) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// RequestCount returns the number of requests routed to this tunnel.
func (t *Tunnel) RequestCount() int64 {
	return atomic.LoadInt64(&t.requestCount)
}

// touch advances last_activity to now if now is later; the request counter
// is incremented separately by incRequests. Never holds the tunnel's lock
// across any blocking call.
func (t *Tunnel) touch(now time.Time) {
	t.mu.Lock()
	if now.After(t.lastActivity) {
		t.lastActivity = now
	}
	t.mu.Unlock()
}

func (t *Tunnel) incRequests() {
	atomic.AddInt64(&t.requestCount, 1)
}

// Stat is a read-only snapshot of a tunnel's admin-visible state.
type Stat struct {
	Subdomain      string
	CreatedAtSecs  int64
	RequestCount   int64
	IdleSecs       int64
}

// Registry is a concurrent bijection from live subdomain to live Tunnel.
// Mutations (Register, Deregister, Touch) are serializable per key; no lock
// is ever held across an await -- callers take what they need out from
// under the mutex before doing any I/O or channel operation.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	idleTimeout time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New creates a registry with the given idle timeout and starts its
// background sweeper.
func New(idleTimeout time.Duration) *Registry {
	r := &Registry{
		tunnels:     make(map[string]*Tunnel),
		idleTimeout: idleTimeout,
		stopSweep:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Register atomically inserts subdomain -> handle, case-folded. Returns
// ErrSubdomainTaken if an equal key (case-insensitive) already exists.
func (r *Registry) Register(subdomain, tokenID string, h *Handle) (*Tunnel, error) {
	key := strings.ToLower(subdomain)

	r.mu.Lock()
	if _, exists := r.tunnels[key]; exists {
		r.mu.Unlock()
		return nil, ErrSubdomainTaken
	}

	now := time.Now()
	t := &Tunnel{
		Subdomain:    subdomain,
		TokenID:      tokenID,
		Handle:       h,
		createdAt:    now,
		lastActivity: now,
	}
	r.tunnels[key] = t
	r.mu.Unlock()

	return t, nil
}

// Lookup returns the tunnel for subdomain, if live. Never blocks.
func (r *Registry) Lookup(subdomain string) (*Tunnel, bool) {
	key := strings.ToLower(subdomain)
	r.mu.RLock()
	t, ok := r.tunnels[key]
	r.mu.RUnlock()
	return t, ok
}

// Touch records activity on subdomain: advances last_activity monotonically
// and increments the request counter. No-op if the subdomain is gone.
func (r *Registry) Touch(subdomain string) {
	t, ok := r.Lookup(subdomain)
	if !ok {
		return
	}
	t.touch(time.Now())
	t.incRequests()
}

// Deregister removes subdomain from the registry and returns the removed
// tunnel, if any. Does not signal the handle -- callers decide whether a
// signal is appropriate (the idle sweeper and admin kill do; a carrier that
// is already gone does not need one).
func (r *Registry) Deregister(subdomain string) (*Tunnel, bool) {
	key := strings.ToLower(subdomain)
	r.mu.Lock()
	t, ok := r.tunnels[key]
	if ok {
		delete(r.tunnels, key)
	}
	r.mu.Unlock()
	return t, ok
}

// CountByToken returns the number of live tunnels owned by tokenID, for
// per-token quota enforcement.
func (r *Registry) CountByToken(tokenID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tunnels {
		if t.TokenID == tokenID {
			n++
		}
	}
	return n
}

// Snapshot returns a read-only view of every live tunnel, for the admin
// surface.
func (r *Registry) Snapshot() []Stat {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	stats := make([]Stat, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		stats = append(stats, Stat{
			Subdomain:     t.Subdomain,
			CreatedAtSecs: t.CreatedAt().Unix(),
			RequestCount:  t.RequestCount(),
			IdleSecs:      int64(now.Sub(t.LastActivity()).Seconds()),
		})
	}
	return stats
}

// Kill forcibly deregisters subdomain and signals its session to shut down.
// Used by the admin surface. Returns false if the subdomain was not live.
func (r *Registry) Kill(subdomain string) bool {
	t, ok := r.Deregister(subdomain)
	if !ok {
		return false
	}
	t.Handle.Signal()
	return true
}

// Close stops the idle sweeper. It does not touch any registered tunnel.
func (r *Registry) Close() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepOnce60()
		}
	}
}

// sweepOnce60 snapshots subdomains and deregisters any idle beyond the
// configured timeout, signaling each owning session to shut down.
func (r *Registry) sweepOnce60() {
	if r.idleTimeout <= 0 {
		return
	}

	now := time.Now()
	r.mu.RLock()
	stale := make([]string, 0)
	for key, t := range r.tunnels {
		if now.Sub(t.LastActivity()) >= r.idleTimeout {
			stale = append(stale, key)
		}
	}
	r.mu.RUnlock()

	for _, key := range stale {
		r.mu.Lock()
		t, ok := r.tunnels[key]
		if ok {
			delete(r.tunnels, key)
		}
		r.mu.Unlock()
		if ok {
			t.Handle.Signal()
		}
	}
}
