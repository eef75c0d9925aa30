package natsconn

import (
	"testing"
	"time"
)

func TestEnvInt(t *testing.T) {
	if v := envInt("NATSCONN_TEST_NONEXISTENT", 42); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	t.Setenv("NATSCONN_TEST_INT", "7")
	if v := envInt("NATSCONN_TEST_INT", 42); v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	t.Setenv("NATSCONN_TEST_INT", "-3")
	if v := envInt("NATSCONN_TEST_INT", 42); v != 42 {
		t.Fatalf("expected fallback for negative value, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	if v := envDuration("NATSCONN_TEST_NONEXISTENT", 5*time.Second); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("NATSCONN_TEST_DUR", "3s")
	if v := envDuration("NATSCONN_TEST_DUR", 5*time.Second); v != 3*time.Second {
		t.Fatalf("expected 3s, got %s", v)
	}
	t.Setenv("NATSCONN_TEST_DUR", "soon")
	if v := envDuration("NATSCONN_TEST_DUR", 5*time.Second); v != 5*time.Second {
		t.Fatalf("expected fallback for bad duration, got %s", v)
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("NATS_MAX_RECONNECTS", "9")
	var o Options
	o.defaults()
	if o.URL != "nats://broker:4222" {
		t.Fatalf("unexpected url %q", o.URL)
	}
	if o.MaxReconnects != 9 {
		t.Fatalf("expected 9 reconnects, got %d", o.MaxReconnects)
	}
	if o.ReconnectWait != 2*time.Second {
		t.Fatalf("expected 2s wait, got %s", o.ReconnectWait)
	}
	if o.Log == nil {
		t.Fatal("expected nop logger")
	}
}

func TestMissingSubjects(t *testing.T) {
	got := missingSubjects([]string{"recs.>"}, []string{"recs.>", "cache.invalidate.catalog"})
	if len(got) != 1 || got[0] != "cache.invalidate.catalog" {
		t.Fatalf("unexpected missing subjects: %v", got)
	}
	if got := missingSubjects([]string{"a", "b"}, []string{"b"}); len(got) != 0 {
		t.Fatalf("expected none missing, got %v", got)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(Options{
		URL:           "nats://127.0.0.1:19999",
		MaxReconnects: 0,
		ReconnectWait: 10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error connecting to invalid NATS URL")
	}
}
