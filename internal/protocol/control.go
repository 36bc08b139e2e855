package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds a single control message: substream 0 carries
// line-delimited JSON, <= 16KiB per line.
const maxLineBytes = 16 * 1024

// ControlStream handles reading and writing control messages over a stream.
// Reads are expected from a single goroutine (the control loop), but writes
// can come concurrently from the control loop, ping ticker, and background
// issuance goroutines, so the encoder is guarded by writeMu.
type ControlStream struct {
	encoder *json.Encoder
	decoder *json.Decoder
	stream  io.ReadWriteCloser

	writeMu sync.Mutex
}

// NewControlStream creates a new control stream handler.
func NewControlStream(stream io.ReadWriteCloser) *ControlStream {
	return &ControlStream{
		encoder: json.NewEncoder(stream),
		decoder: json.NewDecoder(stream),
		stream:  stream,
	}
}

// SendRegister sends a register message.
func (c *ControlStream) SendRegister(subdomain, token string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewRegisterMessage(subdomain, token))
}

// SendRegistered sends a registered message.
func (c *ControlStream) SendRegistered(subdomain, url string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewRegisteredMessage(subdomain, url))
}

// SendPing sends a ping message.
func (c *ControlStream) SendPing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewPingMessage())
}

// SendPong sends a pong message.
func (c *ControlStream) SendPong() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewPongMessage())
}

// SendDisconnect sends a disconnect message.
func (c *ControlStream) SendDisconnect() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewDisconnectMessage())
}

// SendError sends an error message.
func (c *ControlStream) SendError(code ErrorCode, message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewErrorMessage(code, message))
}

// SendCertificateStatus sends a certificate status message.
func (c *ControlStream) SendCertificateStatus(ready bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewCertificateStatusMessage(ready))
}

// SendShutdown sends a shutdown message.
func (c *ControlStream) SendShutdown() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(NewShutdownMessage())
}

// messageType is used to peek at the type field.
type messageType struct {
	Type string `json:"type"`
}

// ReadMessage reads and returns the next control message. Returns one of
// the *Message types declared in messages.go, or an error if the stream
// fails or the message has an unrecognized type.
func (c *ControlStream) ReadMessage() (any, error) {
	// Decode into raw JSON first to peek at type.
	var raw json.RawMessage
	if err := c.decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if len(raw) > maxLineBytes {
		return nil, fmt.Errorf("control message of %d bytes exceeds %d byte limit", len(raw), maxLineBytes)
	}

	var mt messageType
	if err := json.Unmarshal(raw, &mt); err != nil {
		return nil, fmt.Errorf("failed to parse message type: %w", err)
	}

	switch mt.Type {
	case TypeRegister:
		var msg RegisterMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse register message: %w", err)
		}
		return &msg, nil

	case TypeRegistered:
		var msg RegisteredMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse registered message: %w", err)
		}
		return &msg, nil

	case TypePing:
		var msg PingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse ping message: %w", err)
		}
		return &msg, nil

	case TypePong:
		var msg PongMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse pong message: %w", err)
		}
		return &msg, nil

	case TypeDisconnect:
		var msg DisconnectMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse disconnect message: %w", err)
		}
		return &msg, nil

	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse error message: %w", err)
		}
		return &msg, nil

	case TypeCertificateStatus:
		var msg CertificateStatusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse certificate_status message: %w", err)
		}
		return &msg, nil

	case TypeShutdown:
		var msg ShutdownMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse shutdown message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", mt.Type)
	}
}

// Close closes the underlying stream.
func (c *ControlStream) Close() error {
	return c.stream.Close()
}
