// Package carrier wraps a binary WebSocket connection as a duplex byte
// stream suitable for driving a yamux session, and provides the default
// yamux configuration shared by both sides of the tunnel.
package carrier

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// maxWriteFrame caps a single outbound WebSocket binary message. The mux
// layer above provides its own framing; this is purely a transport-level
// cap so no single write blows past typical proxy/browser frame limits.
const maxWriteFrame = 64 * 1024

// Conn adapts a *websocket.Conn into an io.ReadWriteCloser. Inbound binary
// frames are concatenated into the read side; ping frames are answered with
// pong by the ping handler New installs; a text frame is a protocol
// violation on this carrier and closes the connection with status 1002
// (protocol error).
type Conn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	pending *bytes.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New wraps ws as a Conn. ws must already have completed its HTTP upgrade.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws}
	ws.SetPingHandler(func(data string) error {
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	return c
}

// Read implements io.Reader. It blocks until a binary message arrives,
// buffering it, and drains it across possibly-many Read calls.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.pending == nil || c.pending.Len() == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, c.translateReadErr(err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.pending = bytes.NewReader(data)
		case websocket.TextMessage:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseProtocolError, "text frames not supported"),
				time.Now().Add(5*time.Second))
			c.ws.Close()
			return 0, errors.New("carrier: text frame is a protocol violation")
		default:
			// Ping/pong/close are handled by the gorilla library's default
			// handlers (ping->pong) or return an error from ReadMessage
			// (close), so nothing else to do here.
		}
	}

	return c.pending.Read(p)
}

func (c *Conn) translateReadErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

// Write implements io.Writer, splitting large buffers across multiple
// binary messages capped at maxWriteFrame bytes each.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxWriteFrame {
			chunk = chunk[:maxWriteFrame]
		}
		if err := c.ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close closes the underlying WebSocket connection. Safe to call more than
// once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// SetDeadline, SetReadDeadline and SetWriteDeadline forward to the
// underlying socket's deadlines, as yamux expects of its carrier.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// YamuxConfig returns the shared yamux configuration used by both the
// server and the client over a carrier.
func YamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.AcceptBacklog = 256
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.StreamCloseTimeout = 5 * time.Minute
	cfg.StreamOpenTimeout = 30 * time.Second
	cfg.MaxStreamWindowSize = 256 * 1024
	cfg.LogOutput = io.Discard
	return cfg
}
