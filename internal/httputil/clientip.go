package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller address of r. Forwarding headers are only
// honoured when trustForwarded is set, since the control API normally
// listens on loopback with no proxy in front.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsLoopback reports whether the caller connected from the local host.
func IsLoopback(r *http.Request) bool {
	ip := net.ParseIP(ClientIP(r, false))
	return ip != nil && ip.IsLoopback()
}
