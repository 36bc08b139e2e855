// Package server implements the otun tunnel server: the HTTP(S) visitor
// router, the control-protocol session handler, and the ACME/admin
// surfaces wired on top.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/relaytun/otun/internal/acme"
	"github.com/relaytun/otun/internal/carrier"
	"github.com/relaytun/otun/internal/certstore"
	"github.com/relaytun/otun/internal/config"
	"github.com/relaytun/otun/internal/registry"
)

// Server is the otun tunnel server: visitor-facing HTTP(S) listeners plus
// the WebSocket control endpoint tunnel clients connect to.
type Server struct {
	cfg *config.ServerConfig

	registry   *registry.Registry
	certs      *certstore.Store
	challenges *acme.ChallengeStore
	issuer     *acme.Issuer
	sessions   *sessionTable

	httpServer  *http.Server
	httpsServer *http.Server

	ctx context.Context
}

// New builds a Server from cfg. If cfg.HTTPS is set, it provisions (loading
// or creating) an ACME account before returning.
func New(ctx context.Context, cfg *config.ServerConfig) (*Server, error) {
	idleTimeout := time.Duration(cfg.Limits.IdleTunnelTimeoutSecs) * time.Second

	srv := &Server{
		cfg:        cfg,
		registry:   registry.New(idleTimeout),
		certs:      certstore.New(),
		challenges: acme.NewChallengeStore(),
		sessions:   newSessionTable(),
		ctx:        ctx,
	}

	if cfg.HTTPS != nil {
		issuer, err := acme.New(ctx, acme.Config{
			Email:     cfg.HTTPS.Email,
			CertsDir:  cfg.HTTPS.CertsDir,
			Directory: cfg.HTTPS.Directory,
			Staging:   cfg.HTTPS.Staging,
			CAFile:    cfg.HTTPS.CAFile,
		}, srv.certs, srv.challenges)
		if err != nil {
			return nil, fmt.Errorf("initialize acme issuer: %w", err)
		}
		srv.issuer = issuer
	}

	return srv, nil
}

func (srv *Server) tlsEnabled() bool {
	return srv.issuer != nil
}

func (srv *Server) issuanceContext() context.Context {
	if srv.ctx != nil {
		return srv.ctx
	}
	return context.Background()
}

// Run starts the HTTP listener (and, if TLS is configured, the HTTPS
// listener and certificate renewal loop) and blocks until ctx is canceled
// or a listener fails.
func (srv *Server) Run(ctx context.Context) error {
	srv.ctx = ctx

	addr := fmt.Sprintf(":%d", srv.cfg.Server.HTTPPort)
	srv.httpServer = &http.Server{Addr: addr, Handler: srv}

	errCh := make(chan error, 2)

	go func() {
		log.Info("http listener started", "addr", addr)
		if err := srv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	if srv.tlsEnabled() {
		httpsAddr := fmt.Sprintf(":%d", srv.cfg.Server.HTTPSPort)
		srv.httpsServer = &http.Server{
			Addr:    httpsAddr,
			Handler: srv,
			TLSConfig: &tls.Config{
				GetCertificate: srv.certs.GetCertificate,
				NextProtos:     []string{"http/1.1"},
			},
		}

		go srv.issuer.StartRenewalLoop(ctx)

		go func() {
			log.Info("https listener started", "addr", httpsAddr, "domain", srv.cfg.Server.Domain)
			if err := srv.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("https listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return srv.shutdown()
	case err := <-errCh:
		return err
	}
}

func (srv *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("shutting down")

	srv.sessions.shutdownAll("server shutting down")
	srv.registry.Close()

	if srv.httpServer != nil {
		srv.httpServer.Shutdown(shutdownCtx)
	}
	if srv.httpsServer != nil {
		srv.httpsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// acceptCarrier wraps an upgraded WebSocket connection in the carrier
// adapter, opens a yamux session over it, and hands off to acceptSession.
func (srv *Server) acceptCarrier(ws *websocket.Conn, remoteAddr string) {
	c := carrier.New(ws)

	muxSession, err := yamux.Server(c, carrier.YamuxConfig())
	if err != nil {
		log.Error("failed to create yamux session", "remote", remoteAddr, "error", err)
		c.Close()
		return
	}

	log.Info("tunnel client connected", "remote", remoteAddr)
	srv.acceptSession(muxSession, remoteAddr)
}
