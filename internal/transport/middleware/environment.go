package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/frahmantamala/access-control/internal"
)

// AccessEnvironment exposes request attributes to permission conditions.
// Attributes given explicitly in a check request take precedence. The client
// address is the connection peer unless that peer is one of trustedProxies,
// in which case the forwarding headers are followed back to the first
// untrusted hop.
func AccessEnvironment(trustedProxies []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := map[string]any{
				internal.EnvIP:     clientIP(r, trustedProxies),
				internal.EnvMethod: r.Method,
			}
			if userID := internal.UserIDFromContext(r.Context()); userID != "" {
				attrs[internal.EnvUserID] = userID
			}
			next.ServeHTTP(w, r.WithContext(internal.ContextWithEnvironment(r.Context(), attrs)))
		})
	}
}

func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !isTrusted(peer, trusted) {
		return peer
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if _, err := netip.ParseAddr(hop); err != nil {
				return peer
			}
			if i == 0 || !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		if _, err := netip.ParseAddr(rip); err == nil {
			return rip
		}
	}
	return peer
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
