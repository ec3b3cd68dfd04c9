package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// callerIPKey is the context key for the resolved caller IP.
type callerIPKey struct{}

// ClientIP returns the address of the caller. Forwarding headers are only
// honored when trustProxy is set: behind a reverse proxy they carry the real
// caller, otherwise anyone can forge them.
//
// Only the last X-Forwarded-For hop is used. The trusted proxy appends the
// address it accepted the connection from; every earlier entry came from the
// caller and can be forged.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := lastForwardedHop(r.Header.Values("X-Forwarded-For")); ip != "" {
			return ip
		}
		// Check X-Real-IP header
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	// Fall back to RemoteAddr (strip port properly for both IPv4 and IPv6)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

// lastForwardedHop returns the right-most entry across all X-Forwarded-For
// header lines.
func lastForwardedHop(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		hops := strings.Split(lines[i], ",")
		for j := len(hops) - 1; j >= 0; j-- {
			if hop := strings.TrimSpace(hops[j]); hop != "" {
				return hop
			}
		}
	}
	return ""
}

// CallerIP is a middleware that resolves the caller address once and stores
// it in the request context.
func CallerIP(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), callerIPKey{}, ClientIP(r, trustProxy))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerIP returns the caller IP stored by CallerIP. Returns empty string if not present.
func GetCallerIP(ctx context.Context) string {
	if ip, ok := ctx.Value(callerIPKey{}).(string); ok {
		return ip
	}
	return ""
}
