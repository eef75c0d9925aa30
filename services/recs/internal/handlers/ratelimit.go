package handlers

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/example/vidfeed/internal/platform/api"
	"github.com/example/vidfeed/internal/platform/httpserver"
)

// RateLimitConfig configures the per-client limiter on /v1.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
}

// RateLimit returns an httprate limiter keyed by client IP. A non-positive
// Requests disables limiting.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return httprate.Limit(cfg.Requests, cfg.Window,
		httprate.WithKeyFuncs(clientKey(cfg.TrustedProxies)),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			rid := httpserver.RequestIDFromContext(r.Context())
			api.RateLimited(w, "RATE_LIMITED", "Too many requests", rid, nil)
		}),
	)
}

// clientKey trusts X-Forwarded-For only when the direct peer is a trusted
// proxy, and then takes the right-most hop that is not itself trusted.
func clientKey(trusted []netip.Prefix) httprate.KeyFunc {
	return func(r *http.Request) (string, error) {
		peer, ok := remoteAddr(r)
		if !ok || !isTrusted(trusted, peer) {
			return httprate.KeyByIP(r)
		}
		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			ip = ip.Unmap()
			if !isTrusted(trusted, ip) {
				return ip.String(), nil
			}
		}
		return peer.String(), nil
	}
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func isTrusted(trusted []netip.Prefix, ip netip.Addr) bool {
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
