package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/vidfeed/internal/platform/api"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

type tokenSpec struct {
	sub    string
	role   string
	iss    string
	exp    time.Time
	secret []byte
}

func sign(t *testing.T, ts tokenSpec) string {
	t.Helper()
	if ts.exp.IsZero() {
		ts.exp = time.Now().Add(time.Hour)
	}
	if ts.secret == nil {
		ts.secret = testSecret
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ts.sub,
			Issuer:    ts.iss,
			ExpiresAt: jwt.NewNumericDate(ts.exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: ts.role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWTVerifier_Parse(t *testing.T) {
	valid := sign(t, tokenSpec{sub: "viewer-1", role: "viewer", iss: "accounts"})
	parts := strings.Split(valid, ".")
	noneTok, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "viewer-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	cases := []struct {
		name     string
		verifier JWTVerifier
		token    string
		wantErr  bool
	}{
		{"valid", JWTVerifier{Secret: testSecret}, valid, false},
		{"issuer match", JWTVerifier{Secret: testSecret, Issuer: "accounts"}, valid, false},
		{"issuer mismatch", JWTVerifier{Secret: testSecret, Issuer: "elsewhere"}, valid, true},
		{"expired", JWTVerifier{Secret: testSecret}, sign(t, tokenSpec{sub: "viewer-1", exp: time.Now().Add(-time.Hour)}), true},
		{"expired within leeway", JWTVerifier{Secret: testSecret, Leeway: time.Minute}, sign(t, tokenSpec{sub: "viewer-1", exp: time.Now().Add(-10 * time.Second)}), false},
		{"wrong secret", JWTVerifier{Secret: []byte("wrong-secret")}, valid, true},
		{"malformed", JWTVerifier{Secret: testSecret}, "not.a.valid.token", true},
		{"tampered payload", JWTVerifier{Secret: testSecret}, parts[0] + ".dGFtcGVyZWQ." + parts[2], true},
		{"alg none", JWTVerifier{Secret: testSecret}, noneTok, true},
		{"empty subject", JWTVerifier{Secret: testSecret}, sign(t, tokenSpec{role: "viewer"}), true},
		{"empty secret", JWTVerifier{}, valid, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := tc.verifier.Parse(tc.token)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got claims %+v", claims)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.Subject != "viewer-1" {
				t.Fatalf("expected subject viewer-1, got %q", claims.Subject)
			}
		})
	}
}

func TestJWTVerifier_Sentinels(t *testing.T) {
	if _, err := (JWTVerifier{}).Parse("x"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
	tok := sign(t, tokenSpec{})
	if _, err := (JWTVerifier{Secret: testSecret}).Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty subject, got %v", err)
	}
}

func serveRequireUser(authz string) (*httptest.ResponseRecorder, string, string) {
	var uid, role string
	req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	RequireUser(JWTVerifier{Secret: testSecret})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ = UserIDFromContext(r.Context())
		role, _ = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)
	return rr, uid, role
}

func TestRequireUser(t *testing.T) {
	cases := []struct {
		name     string
		authz    string
		wantCode string
	}{
		{"missing header", "", "AUTH_MISSING"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "AUTH_MISSING"},
		{"bearer without token", "Bearer   ", "AUTH_MISSING"},
		{"garbage token", "Bearer invalid.token.here", "AUTH_INVALID"},
		{"expired", "Bearer " + sign(t, tokenSpec{sub: "viewer-42", exp: time.Now().Add(-time.Hour)}), "AUTH_INVALID"},
		{"empty subject", "Bearer " + sign(t, tokenSpec{role: "viewer"}), "AUTH_INVALID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, _, _ := serveRequireUser(tc.authz)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			var resp api.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Code != tc.wantCode {
				t.Fatalf("expected %s, got %q", tc.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestRequireUser_InjectsViewer(t *testing.T) {
	rr, uid, role := serveRequireUser("bearer " + sign(t, tokenSpec{sub: "viewer-42", role: " admin "}))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if uid != "viewer-42" || role != "admin" {
		t.Fatalf("unexpected context values uid=%q role=%q", uid, role)
	}
}

func TestRequireUser_NoRoleClaim(t *testing.T) {
	_, _, role := serveRequireUser("Bearer " + sign(t, tokenSpec{sub: "viewer-7"}))
	if role != "" {
		t.Fatalf("expected no role, got %q", role)
	}
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name   string
		roles  []string
		role   string
		status int
	}{
		{"admin allowed", []string{RoleAdmin}, "admin", http.StatusOK},
		{"case insensitive", []string{RoleAdmin}, "ADMIN", http.StatusOK},
		{"one of many", []string{"curator", RoleAdmin}, "curator", http.StatusOK},
		{"viewer denied", []string{RoleAdmin}, "viewer", http.StatusForbidden},
		{"no role", []string{RoleAdmin}, "", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if tc.role != "" {
				ctx = WithRole(ctx, tc.role)
			}
			req := httptest.NewRequest(http.MethodPut, "/v1/admin/catalog", nil).WithContext(ctx)
			rr := httptest.NewRecorder()
			RequireRole(tc.roles...)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestRequireAdmin_ForbiddenEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/catalog", nil).WithContext(WithRole(context.Background(), "viewer"))
	rr := httptest.NewRecorder()
	RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run for viewers")
	})).ServeHTTP(rr, req)

	var resp api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rr.Code != http.StatusForbidden || resp.Error.Code != "ROLE_REQUIRED" {
		t.Fatalf("unexpected response %d %+v", rr.Code, resp.Error)
	}
}
