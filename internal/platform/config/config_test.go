package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SERVICE_NAME", "HTTP_ADDR", "LOG_LEVEL", "APP_ENV", "CORS_ALLOWED_ORIGINS", "HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

func TestLoad_RequiresServiceName(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error without SERVICE_NAME")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_NAME", "recs")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HTTP.ReadTimeout != 15*time.Second || cfg.HTTP.WriteTimeout != 30*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.HTTP)
	}
	if len(cfg.HTTP.CORSOrigins) != 0 {
		t.Fatalf("expected no CORS origins, got %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.IsProduction() {
		t.Fatal("expected development by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_NAME", "recs")
	t.Setenv("APP_ENV", "Production")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://vidfeed.app , ,https://www.vidfeed.app")
	t.Setenv("HTTP_WRITE_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatal("expected production")
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "https://www.vidfeed.app" {
		t.Fatalf("unexpected origins %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.HTTP.WriteTimeout != 45*time.Second {
		t.Fatalf("expected 45s, got %v", cfg.HTTP.WriteTimeout)
	}
}

func TestLoad_BadTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_NAME", "recs")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed timeout")
	}
}

func TestSplitList(t *testing.T) {
	if got := SplitList(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if got := SplitList(" a ,b,, "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split %v", got)
	}
}
