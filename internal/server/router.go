package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Transfer-Encoding", "Upgrade", "TE", "Trailer",
}

var controlUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP implements http.Handler, routing every incoming request in the
// fixed order: ACME challenge, control upgrade, admin surface, TLS
// redirect, then subdomain dispatch.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/"):
		srv.serveACMEChallenge(w, r)
		return
	case r.URL.Path == srv.cfg.Server.ControlPath && websocket.IsWebSocketUpgrade(r):
		srv.serveControlUpgrade(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/_admin/"):
		srv.serveAdmin(w, r)
		return
	}

	if r.TLS == nil && srv.tlsEnabled() {
		target := "https://" + r.Host + r.URL.RequestURI()
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	subdomain, isBase := srv.resolveSubdomain(r.Host)
	if isBase {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "otun relay - no tunnel here")
		return
	}
	if subdomain == "" {
		http.Error(w, "no subdomain in request", http.StatusBadRequest)
		return
	}

	sess, ok := srv.sessions.get(subdomain)
	if !ok {
		http.Error(w, fmt.Sprintf("no tunnel found for subdomain: %s", subdomain), http.StatusNotFound)
		return
	}

	if r.ContentLength > srv.cfg.Limits.MaxRequestBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	requestID := uuid.NewString()

	var bodyBuf bytes.Buffer
	limit := srv.cfg.Limits.MaxRequestBodyBytes
	n, err := io.Copy(&bodyBuf, io.LimitReader(r.Body, limit+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}
	if n > limit {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	stripHopByHop(r.Header)
	r.Header.Set("X-Forwarded-For", clientIP(r))
	r.Header.Set("X-Forwarded-Proto", schemeFor(r))
	r.Header.Set("X-Forwarded-Host", r.Host)
	r.Header.Set("X-Request-ID", requestID)
	r.ContentLength = n

	headBuf, err := encodeRequestHead(r)
	if err != nil {
		http.Error(w, "failed to encode request", http.StatusBadGateway)
		return
	}

	deadline := time.Now().Add(time.Duration(srv.cfg.Limits.RequestTimeoutSecs) * time.Second)
	job := &requestJob{
		requestID: requestID,
		method:    r.Method,
		head:      headBuf,
		body:      bodyBuf.Bytes(),
		deadline:  deadline,
		reply:     make(chan requestResult, 1),
	}

	select {
	case sess.jobs <- job:
	default:
		http.Error(w, "tunnel is busy", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()

	select {
	case res := <-job.reply:
		srv.writeResult(w, requestID, subdomain, res)
	case <-ctx.Done():
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}
}

func (srv *Server) writeResult(w http.ResponseWriter, requestID, subdomain string, res requestResult) {
	if res.err != nil {
		status := http.StatusBadGateway
		if errors.Is(res.err, errForwardTimeout) {
			status = http.StatusGatewayTimeout
		}
		log.Debug("tunnel request failed", "subdomain", subdomain, "request_id", requestID, "error", res.err)
		http.Error(w, res.err.Error(), status)
		return
	}

	srv.registry.Touch(subdomain)

	stripHopByHop(res.header)
	for k, vv := range res.header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(res.status)
	w.Write(res.body)
}

// resolveSubdomain extracts the routing subdomain from host. When a base
// domain is configured, only hosts under it are eligible; an exact match of
// the base domain is the landing page. With no domain configured (local/dev
// mode), it falls back to the teacher's leftmost-label heuristic.
func (srv *Server) resolveSubdomain(host string) (subdomain string, isBase bool) {
	host = stripPort(host)
	domain := srv.cfg.Server.Domain
	if domain == "" {
		return extractSubdomain(host), false
	}

	lhost := strings.ToLower(host)
	ldomain := strings.ToLower(domain)
	if lhost == ldomain {
		return "", true
	}
	if strings.HasSuffix(lhost, "."+ldomain) {
		return host[:len(host)-len(domain)-1], false
	}
	return "", false
}

func stripHopByHop(h http.Header) {
	for _, tok := range strings.Split(h.Get("Connection"), ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			h.Del(tok)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func clientIP(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func schemeFor(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// encodeRequestHead serializes the request line and headers (not the body,
// which the caller already buffered separately per the job's head/body
// split) for writing onto the tunnel substream. The head carries
// Content-Length set to r.ContentLength, so the client reads exactly the
// buffered body that follows it.
func encodeRequestHead(r *http.Request) ([]byte, error) {
	h := r.Header.Clone()
	h.Del("Host")
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", fmt.Sprint(r.ContentLength))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\nHost: %s\r\n", r.Method, r.URL.RequestURI(), r.Host)
	if err := h.Write(&buf); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func (srv *Server) serveACMEChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/.well-known/acme-challenge/")
	keyAuth, ok := srv.challenges.Get(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, keyAuth)
}

func (srv *Server) serveControlUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("control upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go srv.acceptCarrier(ws, r.RemoteAddr)
}
