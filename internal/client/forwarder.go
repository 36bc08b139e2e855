package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"
)

// forward reads one HTTP/1.1 request off stream, relays it to the local
// service, and writes the parsed response back onto stream. Each substream
// carries exactly one request/response pair; the stream is always closed
// when forward returns, so there is no keep-alive to the origin.
func (c *Client) forward(stream *yamux.Stream) {
	defer stream.Close()

	if err := stream.SetDeadline(time.Now().Add(c.forwardTimeout)); err != nil {
		return
	}

	req, err := http.ReadRequest(bufio.NewReader(stream))
	if err != nil {
		log.Debug("failed to parse tunneled request", "error", err)
		writeSyntheticResponse(stream, http.StatusBadGateway, "malformed request from relay")
		return
	}
	defer req.Body.Close()

	if c.localHostOverride != "" {
		req.Host = c.localHostOverride
	}

	log.Info("request", "method", req.Method, "path", req.URL.Path)

	localConn, err := net.DialTimeout("tcp", c.localAddr, c.forwardTimeout)
	if err != nil {
		log.Error("failed to connect to local service", "error", err, "local", c.localAddr)
		writeSyntheticResponse(stream, http.StatusBadGateway, "local service unreachable")
		return
	}
	defer localConn.Close()
	localConn.SetDeadline(time.Now().Add(c.forwardTimeout))

	if err := req.Write(localConn); err != nil {
		log.Debug("failed to write request to local service", "error", err)
		if isTimeoutErr(err) {
			writeSyntheticResponse(stream, http.StatusGatewayTimeout, "local service timed out")
		} else {
			writeSyntheticResponse(stream, http.StatusBadGateway, "failed to forward request")
		}
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(localConn), req)
	if err != nil {
		if isTimeoutErr(err) {
			writeSyntheticResponse(stream, http.StatusGatewayTimeout, "local service timed out")
		} else {
			log.Debug("failed to parse local response", "error", err)
			writeSyntheticResponse(stream, http.StatusBadGateway, "malformed response from local service")
		}
		return
	}
	defer resp.Body.Close()

	if err := resp.Write(stream); err != nil {
		log.Debug("failed to write response to relay", "error", err, "stream_id", stream.StreamID())
	}
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// writeSyntheticResponse writes a literal, self-contained HTTP/1.1 error
// response directly onto the substream, used when the origin never produced
// a parseable response of its own.
func writeSyntheticResponse(w io.Writer, status int, message string) {
	body := message + "\n"
	resp := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body,
	)
	io.WriteString(w, resp)
}
