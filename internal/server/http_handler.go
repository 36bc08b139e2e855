package server

import "strings"

// stripPort removes a trailing ":port" from host, leaving IPv6 hosts (which
// carry more than one colon) untouched.
func stripPort(host string) string {
	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		if strings.Count(host, ":") == 1 {
			return host[:colonIdx]
		}
	}
	return host
}

// extractSubdomain parses the Host header and extracts the subdomain.
// Expected formats:
//   - "abc123.tunnel.example.com" → "abc123"
//   - "abc123.tunnel.example.com:8080" → "abc123"
//   - "abc123.localhost" → "abc123"
//   - "abc123.localhost:8080" → "abc123"
//   - "localhost:8080" → "" (no subdomain)
func extractSubdomain(host string) string {
	host = stripPort(host)

	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return ""
	}

	return parts[0]
}
