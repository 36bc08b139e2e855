// Package client implements the otun tunnel client: it dials the server's
// WebSocket control endpoint, registers a subdomain, and forwards each
// tunneled HTTP request to a local service.
package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/relaytun/otun/internal/backoff"
	"github.com/relaytun/otun/internal/carrier"
	"github.com/relaytun/otun/internal/protocol"
)

const (
	pingInterval       = 30 * time.Second
	defaultControlPath = "/_tunnel/connect"
)

// Client is the otun tunnel client.
type Client struct {
	serverAddr        string
	localAddr         string
	subdomain         string
	token             string
	localHostOverride string
	forwardTimeout    time.Duration

	mux     *yamux.Session
	control *protocol.ControlStream

	// Registration info received from server.
	tunnelURL         string
	assignedSubdomain string

	backoffConfig backoff.BackoffConfig
	reconnect     bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a new tunnel client.
func New(serverAddr, localAddr string) *Client {
	return &Client{
		serverAddr:     serverAddr,
		localAddr:      localAddr,
		forwardTimeout: 30 * time.Second,
		backoffConfig:  backoff.DefaultBackoffConfig(),
		reconnect:      true,
	}
}

// WithSubdomain sets a preferred subdomain for the tunnel.
func (c *Client) WithSubdomain(subdomain string) *Client {
	c.subdomain = subdomain
	return c
}

// WithToken sets the API key for authentication.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithBackoff sets the backoff configuration for reconnection.
func (c *Client) WithBackoff(cfg backoff.BackoffConfig) *Client {
	c.backoffConfig = cfg
	return c
}

// WithReconnect enables or disables automatic reconnection.
func (c *Client) WithReconnect(enabled bool) *Client {
	c.reconnect = enabled
	return c
}

// WithMaxRetries sets the maximum number of reconnection attempts.
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	c.backoffConfig.MaxRetries = maxRetries
	return c
}

// WithLocalHostOverride rewrites the Host header forwarded to the local
// service, for origins that reject an unexpected Host.
func (c *Client) WithLocalHostOverride(host string) *Client {
	c.localHostOverride = host
	return c
}

// WithForwardTimeout bounds how long the client waits to dial and read from
// the local service per request. Zero leaves the default unchanged.
func (c *Client) WithForwardTimeout(d time.Duration) *Client {
	if d > 0 {
		c.forwardTimeout = d
	}
	return c
}

// controlURL derives the WebSocket control endpoint from a configured server
// address. Bare "host:port" defaults to wss://; an explicit scheme
// (ws/wss/http/https) is honored and normalized; a path is preserved, or
// defaults to defaultControlPath.
func controlURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "wss://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server address scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultControlPath
	}
	return u.String(), nil
}

// Run connects to the server and handles incoming streams. It returns when
// the connection is closed or the context is canceled.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := controlURL(c.serverAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	}

	log.Debug("connecting to server", "url", wsURL)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server %s: %w", c.serverAddr, err)
	}

	c.shutdownCh = make(chan struct{})

	carrierConn := carrier.New(ws)
	muxSession, err := yamux.Client(carrierConn, carrier.YamuxConfig())
	if err != nil {
		carrierConn.Close()
		return fmt.Errorf("failed to create yamux session: %w", err)
	}
	c.mux = muxSession

	go func() {
		select {
		case <-ctx.Done():
			muxSession.Close()
		case <-c.shutdownCh:
		}
	}()

	stream, err := muxSession.OpenStream()
	if err != nil {
		muxSession.Close()
		return fmt.Errorf("failed to open control stream: %w", err)
	}

	log.Debug("control stream opened", "stream_id", stream.StreamID())

	c.control = protocol.NewControlStream(stream)

	subdomain := c.subdomain
	if c.assignedSubdomain != "" {
		subdomain = c.assignedSubdomain
	}
	if err := c.control.SendRegister(subdomain, c.token); err != nil {
		muxSession.Close()
		return fmt.Errorf("failed to send register message: %w", err)
	}

	msg, err := c.control.ReadMessage()
	if err != nil {
		muxSession.Close()
		return fmt.Errorf("failed to read registered message: %w", err)
	}

	switch m := msg.(type) {
	case *protocol.RegisteredMessage:
		c.tunnelURL = m.URL
		c.assignedSubdomain = m.Subdomain
		log.Info("tunnel ready", "url", c.tunnelURL)
	case *protocol.ErrorMessage:
		muxSession.Close()
		return classifyRegistrationError(m)
	default:
		muxSession.Close()
		return fmt.Errorf("unexpected message type: %T", msg)
	}

	go c.sendPings(ctx)
	go c.controlLoop()

	log.Info("forwarding requests", "to", c.localAddr)

	for {
		stream, err := muxSession.AcceptStream()
		if err != nil {
			select {
			case <-c.shutdownCh:
				return ErrShutdown
			default:
			}
			if ctx.Err() != nil {
				return ErrShutdown
			}
			log.Debug("failed to accept stream", "error", err)
			return fmt.Errorf("session closed: %w", err)
		}

		log.Debug("accepted stream from server", "stream_id", stream.StreamID())
		go c.forward(stream)
	}
}

// sendPings sends periodic application-level keepalives to the server. On
// failure it closes the session to unblock the accept loop.
func (c *Client) sendPings(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownCh:
			return
		case <-ticker.C:
			if err := c.control.SendPing(); err != nil {
				log.Debug("failed to send ping, closing session", "error", err)
				c.mux.Close()
				return
			}
		}
	}
}

// controlLoop reads server-originated control messages for the lifetime of
// the session: Pong acknowledgements, certificate status updates, and a
// graceful Shutdown request.
func (c *Client) controlLoop() {
	for {
		msg, err := c.control.ReadMessage()
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case *protocol.PongMessage:
			log.Debug("pong received")
		case *protocol.CertificateStatusMessage:
			if m.Ready {
				log.Info("tls certificate ready")
			} else {
				log.Warn("tls certificate issuance failed, serving over http only")
			}
		case *protocol.ShutdownMessage:
			log.Info("server requested shutdown")
			c.signalShutdown()
			return
		default:
			log.Warn("unexpected control message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) signalShutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
		c.mux.Close()
	})
}

// classifyRegistrationError maps a server-reported registration failure onto
// the client's sentinel errors so RunWithReconnect can tell a permanent
// rejection from a transient one without parsing message text.
func classifyRegistrationError(m *protocol.ErrorMessage) error {
	switch m.Code {
	case protocol.ErrSubdomainTaken:
		return fmt.Errorf("%w: %s", ErrSubdomainTaken, m.Message)
	case protocol.ErrInvalidSubdomain:
		return fmt.Errorf("%w: %s", ErrInvalidSubdomain, m.Message)
	case protocol.ErrInvalidToken, protocol.ErrLimitExceeded:
		return fmt.Errorf("%w: %s", ErrPermanentFailure, m.Message)
	default:
		return fmt.Errorf("registration failed: %s", m.Message)
	}
}

// RunWithReconnect runs the client with automatic reconnection on transient
// failures.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	if !c.reconnect {
		return c.Run(ctx)
	}

	retry := backoff.NewBackoff(c.backoffConfig)

	for {
		c.tunnelURL = ""

		err := c.Run(ctx)

		if c.tunnelURL != "" {
			retry.Reset()
		}

		if err == nil || isPermanentError(err) {
			return err
		}

		if retry.MaxRetriesReached() {
			log.Error("max reconnection attempts reached")
			return ErrMaxRetriesExceeded
		}

		delay := retry.NextDelay()
		log.Warn("connection lost, reconnecting...",
			"error", err,
			"attempt", retry.Attempt(),
			"delay", delay.Round(time.Millisecond),
		)

		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-time.After(delay):
		}

		log.Info("attempting to reconnect",
			"server", c.serverAddr,
			"subdomain", c.assignedSubdomain,
		)
	}
}

// Close closes the client session.
func (c *Client) Close() error {
	if c.mux != nil {
		return c.mux.Close()
	}
	return nil
}

// TunnelURL returns the public URL for the tunnel.
func (c *Client) TunnelURL() string {
	return c.tunnelURL
}

// Subdomain returns the assigned subdomain.
func (c *Client) Subdomain() string {
	return c.assignedSubdomain
}
