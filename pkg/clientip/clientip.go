// Package clientip extracts the originating client IP from an HTTP
// request, honoring the proxy headers commonly set in front of the
// service before falling back to the socket address.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// FromRequest returns the client's IP address. Header priority:
// X-Forwarded-For (first valid entry), then X-Real-IP, then RemoteAddr.
// Returns "" when no valid address can be determined.
func FromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for _, part := range strings.Split(forwarded, ",") {
			if ip := parseIP(part); ip != "" {
				return ip
			}
		}
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may already be a bare IP.
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

// parseIP validates and normalizes an IP address string. Returns "" when
// the input is not a valid address.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
