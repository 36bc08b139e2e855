package server

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"

	"github.com/relaytun/otun/internal/protocol"
	"github.com/relaytun/otun/internal/registry"
)

const (
	acceptControlTimeout = 5 * time.Second
	jobQueueSize         = 1024
	maxResponseHeadBytes = 64 * 1024
)

var errSessionClosed = errors.New("tunnel session closed")
var errForwardTimeout = errors.New("tunnel did not respond before the deadline")

// requestJob is one visitor request waiting on a reply from the owning
// session's relay loop.
type requestJob struct {
	requestID string
	method    string
	head      []byte
	body      []byte
	deadline  time.Time
	reply     chan requestResult
}

// requestResult is the outcome of relaying a requestJob to the client and
// back. err set means the router should synthesize an error response.
type requestResult struct {
	status int
	header http.Header
	body   []byte
	err    error
}

func sendResult(job *requestJob, res requestResult) {
	select {
	case job.reply <- res:
	default:
	}
}

// sessionTable maps live subdomains to their session, independent of the
// registry. Keeping this map on Server rather than on registry.Tunnel is
// what lets the registry hold only a *registry.Handle: the registry never
// needs to know what a session is.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) put(subdomain string, s *session) {
	t.mu.Lock()
	t.sessions[subdomain] = s
	t.mu.Unlock()
}

func (t *sessionTable) get(subdomain string) (*session, bool) {
	t.mu.RLock()
	s, ok := t.sessions[subdomain]
	t.mu.RUnlock()
	return s, ok
}

func (t *sessionTable) delete(subdomain string) {
	t.mu.Lock()
	delete(t.sessions, subdomain)
	t.mu.Unlock()
}

func (t *sessionTable) shutdownAll(reason string) {
	t.mu.RLock()
	all := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.RUnlock()

	for _, s := range all {
		s.shutdown(reason)
	}
}

// session is one connected tunnel client: its yamux session, control
// substream, and the bounded job queue the router dispatches work onto.
type session struct {
	subdomain string
	tokenID   string

	mux     *yamux.Session
	control *protocol.ControlStream
	handle  *registry.Handle
	jobs    chan *requestJob

	closeOnce sync.Once
	closed    chan struct{}

	srv *Server
}

// acceptSession drives one client connection end to end: control stream
// handshake, registration, relay loop startup, and teardown. Runs for the
// lifetime of the connection.
func (srv *Server) acceptSession(muxSession *yamux.Session, remoteAddr string) {
	stream, err := acceptStreamWithTimeout(muxSession, acceptControlTimeout)
	if err != nil {
		log.Debug("control stream not opened in time", "remote", remoteAddr, "error", err)
		muxSession.Close()
		return
	}

	ctrl := protocol.NewControlStream(stream)

	msg, err := ctrl.ReadMessage()
	if err != nil {
		log.Debug("failed to read register message", "remote", remoteAddr, "error", err)
		muxSession.Close()
		return
	}

	reg, ok := msg.(*protocol.RegisterMessage)
	if !ok {
		ctrl.SendError(protocol.ErrInvalidToken, "expected register message")
		muxSession.Close()
		return
	}

	tokenCfg, ok := srv.cfg.Tokens[reg.Token]
	if !ok {
		ctrl.SendError(protocol.ErrInvalidToken, "invalid token")
		muxSession.Close()
		return
	}
	tokenID := hashToken(reg.Token)

	if tokenCfg.MaxTunnels > 0 && srv.registry.CountByToken(tokenID) >= tokenCfg.MaxTunnels {
		ctrl.SendError(protocol.ErrLimitExceeded, "tunnel limit reached for this token")
		muxSession.Close()
		return
	}

	subdomain := reg.Subdomain
	if subdomain == "" {
		subdomain = generateSubdomain()
	} else if !registry.ValidateSubdomain(subdomain) {
		ctrl.SendError(protocol.ErrInvalidSubdomain, fmt.Sprintf("invalid subdomain: %s", subdomain))
		muxSession.Close()
		return
	}

	handle := registry.NewHandle()
	tun, err := srv.registry.Register(subdomain, tokenID, handle)
	if err != nil {
		ctrl.SendError(protocol.ErrSubdomainTaken, err.Error())
		muxSession.Close()
		return
	}
	_ = tun

	scheme := "http"
	if srv.tlsEnabled() {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s.%s", scheme, subdomain, srv.cfg.Server.Domain)

	if err := ctrl.SendRegistered(subdomain, url); err != nil {
		srv.registry.Deregister(subdomain)
		muxSession.Close()
		return
	}

	log.Info("tunnel registered", "subdomain", subdomain, "remote", remoteAddr)

	sess := &session{
		subdomain: subdomain,
		tokenID:   tokenID,
		mux:       muxSession,
		control:   ctrl,
		handle:    handle,
		jobs:      make(chan *requestJob, jobQueueSize),
		closed:    make(chan struct{}),
		srv:       srv,
	}
	srv.sessions.put(subdomain, sess)

	go sess.watchHandle()
	go sess.relayLoop()

	if srv.tlsEnabled() {
		host := fmt.Sprintf("%s.%s", subdomain, srv.cfg.Server.Domain)
		if srv.certs.Has(host) {
			ctrl.SendCertificateStatus(true)
		} else {
			go func() {
				err := srv.issuer.Issue(srv.issuanceContext(), host)
				if err != nil {
					log.Error("certificate issuance failed", "host", host, "error", err)
				}
				sess.control.SendCertificateStatus(err == nil)
			}()
		}
	}

	sess.controlLoop()
}

// watchHandle closes the yamux session (and so unblocks controlLoop's
// pending read) when the registry signals this session's handle, e.g. from
// the idle sweeper or an admin kill.
func (s *session) watchHandle() {
	select {
	case <-s.handle.Done():
		s.control.SendShutdown()
		s.mux.Close()
	case <-s.closed:
	}
}

// controlLoop reads control messages until the stream fails, then tears the
// session down. Ping/Disconnect are the only client-originated messages
// expected once registered.
func (s *session) controlLoop() {
	defer s.shutdown("control stream closed")

	for {
		msg, err := s.control.ReadMessage()
		if err != nil {
			return
		}

		switch msg.(type) {
		case *protocol.PingMessage:
			if err := s.control.SendPong(); err != nil {
				return
			}
		case *protocol.DisconnectMessage:
			return
		default:
			log.Warn("unexpected control message", "subdomain", s.subdomain, "type", fmt.Sprintf("%T", msg))
		}
	}
}

// relayLoop drains the job queue, dispatching each job to its own goroutine
// so one slow origin can't head-of-line block the rest of the queue.
func (s *session) relayLoop() {
	for {
		select {
		case <-s.closed:
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			go s.handleJob(job)
		}
	}
}

func (s *session) handleJob(job *requestJob) {
	stream, err := s.mux.OpenStream()
	if err != nil {
		sendResult(job, requestResult{err: fmt.Errorf("open tunnel stream: %w", err)})
		return
	}
	defer stream.Close()

	if err := stream.SetDeadline(job.deadline); err != nil {
		sendResult(job, requestResult{err: err})
		return
	}

	if _, err := stream.Write(job.head); err != nil {
		sendResult(job, requestResult{err: fmt.Errorf("write request to tunnel: %w", err)})
		return
	}
	if len(job.body) > 0 {
		if _, err := stream.Write(job.body); err != nil {
			sendResult(job, requestResult{err: fmt.Errorf("write request body to tunnel: %w", err)})
			return
		}
	}
	stream.CloseWrite()

	// Cap only the start-line + header block at maxResponseHeadBytes; once
	// headers are parsed, lift the limit so the body streams unbounded (the
	// body size is governed by the request timeout, not a byte cap).
	headLimit := &io.LimitedReader{R: stream, N: maxResponseHeadBytes}
	reader := bufio.NewReaderSize(headLimit, maxResponseHeadBytes)
	resp, err := http.ReadResponse(reader, &http.Request{Method: job.method})
	if err != nil {
		if isDeadlineErr(err) {
			sendResult(job, requestResult{err: errForwardTimeout})
			return
		}
		sendResult(job, requestResult{err: fmt.Errorf("read response from tunnel: %w", err)})
		return
	}
	headLimit.N = math.MaxInt64
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isDeadlineErr(err) {
			sendResult(job, requestResult{err: errForwardTimeout})
			return
		}
		sendResult(job, requestResult{err: fmt.Errorf("read response body from tunnel: %w", err)})
		return
	}

	sendResult(job, requestResult{status: resp.StatusCode, header: resp.Header, body: body})
}

func isDeadlineErr(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// shutdown tears the session down exactly once: deregisters it, drops it
// from the server's session table, drains any queued jobs with a synthetic
// 502, and closes the underlying multiplexed session (which closes the
// carrier).
func (s *session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.srv.registry.Deregister(s.subdomain)
		s.srv.sessions.delete(s.subdomain)
		s.mux.Close()
		s.drainJobs()
		log.Info("tunnel session closed", "subdomain", s.subdomain, "reason", reason)
	})
}

func (s *session) drainJobs() {
	for {
		select {
		case job := <-s.jobs:
			sendResult(job, requestResult{err: errSessionClosed})
		default:
			return
		}
	}
}

func acceptStreamWithTimeout(muxSession *yamux.Session, timeout time.Duration) (*yamux.Stream, error) {
	type result struct {
		stream *yamux.Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := muxSession.AcceptStream()
		ch <- result{stream, err}
	}()

	select {
	case r := <-ch:
		return r.stream, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for control stream")
	}
}

const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateSubdomain produces a random 10-character [a-z0-9] subdomain,
// widened from the teacher's 8 hex-character scheme to match the charset
// and length spelled out for generated subdomains.
func generateSubdomain() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random subdomain bytes: %v", err))
	}
	out := make([]byte, 10)
	for i, b := range buf {
		out[i] = subdomainAlphabet[int(b)%len(subdomainAlphabet)]
	}
	return string(out)
}

// hashToken derives a short, non-reversible identifier for a token so logs
// and per-token quota bookkeeping never carry the raw secret.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
