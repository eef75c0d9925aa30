package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	platformconfig "github.com/example/vidfeed/internal/platform/config"
	"github.com/example/vidfeed/internal/recommend"
)

type Config struct {
	GRPCAddr    string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   []byte
	JWTIssuer   string

	DBMaxConns int

	DecayBaseDays float64
	FeedCacheTTL  time.Duration
	FeedPageSize  int

	WorkerBatchSize  int
	WorkerMaxDeliver int

	RateLimitRequests int
	RateLimitWindow   time.Duration
	TrustedProxies    []netip.Prefix

	// Circuit breaker around the shared Redis cache.
	CacheCBFailures int
	CacheCBTimeout  time.Duration
}

func Load() (Config, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	cfg := Config{
		GRPCAddr:    envString("GRPC_ADDR", ":9090"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		NATSURL:     strings.TrimSpace(os.Getenv("NATS_URL")),
		JWTSecret:   []byte(secret),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
	}

	var err error
	if cfg.DBMaxConns, err = envInt("DB_MAX_CONNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.DecayBaseDays, err = envFloat("DECAY_BASE_DAYS", recommend.DefaultDecayBaseDays); err != nil {
		return Config{}, err
	}
	if cfg.FeedCacheTTL, err = envDuration("FEED_CACHE_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.FeedPageSize, err = envInt("FEED_PAGE_SIZE", 20); err != nil {
		return Config{}, err
	}
	if cfg.FeedPageSize > 100 {
		cfg.FeedPageSize = 100
	}
	if cfg.WorkerBatchSize, err = envInt("WORKER_BATCH_SIZE", 10); err != nil {
		return Config{}, err
	}
	if cfg.WorkerMaxDeliver, err = envInt("WORKER_MAX_DELIVER", 5); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRequests, err = envInt("RATE_LIMIT_REQUESTS", 120); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.TrustedProxies, err = envPrefixes("TRUSTED_PROXIES"); err != nil {
		return Config{}, err
	}
	if cfg.CacheCBFailures, err = envInt("CACHE_CB_FAILURE_THRESHOLD", 5); err != nil {
		return Config{}, err
	}
	if cfg.CacheCBTimeout, err = envDuration("CACHE_CB_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || !(f > 0) {
		return 0, fmt.Errorf("%s must be a positive number, got %q", key, v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

// envPrefixes parses a comma separated list of CIDRs or bare addresses.
func envPrefixes(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range platformconfig.SplitList(os.Getenv(key)) {
		if p, err := netip.ParsePrefix(v); err == nil {
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid address %q", key, v)
		}
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}
