package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func limited(t *testing.T, cfg RateLimitConfig) http.Handler {
	t.Helper()
	return RateLimit(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, remote, xff string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimit_AllowsUpToLimit(t *testing.T) {
	h := limited(t, RateLimitConfig{Requests: 3, Window: time.Minute})
	for i := 0; i < 3; i++ {
		if code := hit(h, "1.2.3.4:1234", ""); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := hit(h, "1.2.3.4:5678", ""); code != http.StatusTooManyRequests {
		t.Fatalf("4th request from another port: expected 429, got %d", code)
	}
	if code := hit(h, "5.6.7.8:1234", ""); code != http.StatusOK {
		t.Fatalf("other client: expected 200, got %d", code)
	}
}

func TestRateLimit_SpoofedForwardedForSharesBucket(t *testing.T) {
	h := limited(t, RateLimitConfig{Requests: 1, Window: time.Minute})
	if code := hit(h, "198.51.100.7:4000", "1.1.1.1"); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	for _, xff := range []string{"2.2.2.2", "3.3.3.3, 4.4.4.4", ""} {
		if code := hit(h, "198.51.100.7:4001", xff); code != http.StatusTooManyRequests {
			t.Fatalf("xff %q: expected 429, got %d", xff, code)
		}
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	h := limited(t, RateLimitConfig{})
	for i := 0; i < 5; i++ {
		if code := hit(h, "1.2.3.4:1", ""); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
}

func TestClientKey(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores header", "203.0.113.50:4444", "198.51.100.1", "203.0.113.50"},
		{"trusted peer uses client hop", "10.0.0.1:4444", "203.0.113.9", "203.0.113.9"},
		{"spoofed left hop ignored", "10.0.0.1:4444", "6.6.6.6, 203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"trusted peer without header", "10.0.0.1:4444", "", "10.0.0.1"},
		{"garbage hop falls back to peer", "10.0.0.1:4444", "not-an-ip", "10.0.0.1"},
	}
	key := clientKey(trusted)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = c.remote
			if c.xff != "" {
				req.Header.Set("X-Forwarded-For", c.xff)
			}
			got, err := key(req)
			if err != nil {
				t.Fatalf("key: %v", err)
			}
			if got != c.want {
				t.Fatalf("expected %q, got %q", c.want, got)
			}
		})
	}
}
