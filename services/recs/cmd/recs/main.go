package main

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/vidfeed/internal/platform/analytics"
	"github.com/example/vidfeed/internal/platform/auth"
	"github.com/example/vidfeed/internal/platform/config"
	"github.com/example/vidfeed/internal/platform/db"
	"github.com/example/vidfeed/internal/platform/httpserver"
	"github.com/example/vidfeed/internal/platform/logging"
	"github.com/example/vidfeed/internal/platform/natsconn"
	"github.com/example/vidfeed/internal/platform/run"
	"github.com/example/vidfeed/internal/recommend"
	"github.com/example/vidfeed/services/recs/internal/affinity"
	"github.com/example/vidfeed/services/recs/internal/cache"
	recsconfig "github.com/example/vidfeed/services/recs/internal/config"
	"github.com/example/vidfeed/services/recs/internal/feed"
	"github.com/example/vidfeed/services/recs/internal/handlers"
	"github.com/example/vidfeed/services/recs/internal/idempotency"
	"github.com/example/vidfeed/services/recs/internal/metrics"
	"github.com/example/vidfeed/services/recs/internal/store"
	"github.com/example/vidfeed/services/recs/internal/worker"
)

const healthService = "vidfeed.recs"

func main() {
	appCfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(appCfg.LogLevel, appCfg.ServiceName)
	if err != nil {
		panic(err)
	}

	cfg, err := recsconfig.Load()
	if err != nil {
		log.Error("config", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}
	isProd := appCfg.IsProduction()

	stores, pool := initStores(log, cfg.DatabaseURL, db.PoolOptions{MaxConns: int32(cfg.DBMaxConns)}, isProd)
	rdb := initRedis(log, cfg.RedisURL, isProd)

	nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: appCfg.ServiceName, Log: log})
	if err != nil {
		// Non-fatal: HTTP keeps serving, events are not consumed.
		log.Error("nats connect", zap.Error(err))
		nc = nil
	}

	var js nats.JetStreamContext
	if nc != nil {
		if js, err = nc.JetStream(); err != nil {
			log.Warn("jetstream unavailable, analytics disabled", zap.Error(err))
			js = nil
		}
	}

	var (
		catalogCache cache.Cache
		ttlCache     *cache.TTLCache
	)
	if rdb != nil {
		cb := cache.NewBreaker("recs-cache", uint32(cfg.CacheCBFailures), cfg.CacheCBTimeout,
			func(name string, from, to gobreaker.State) {
				log.Info("circuit-breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			})
		catalogCache = cache.NewRedisCache(rdb, cfg.FeedCacheTTL, cache.WithCircuitBreaker(cb))
		log.Info("catalog cache: redis")
	} else {
		ttlCache = cache.NewTTLCache(cfg.FeedCacheTTL, nc, log)
		catalogCache = ttlCache
		log.Info("catalog cache: memory")
	}

	engine := recommend.NewEngine(recommend.WithDecayBaseDays(cfg.DecayBaseDays))
	tracker := affinity.NewTracker(stores.Catalog, stores.Tags, stores.Watches, log)
	svc := feed.NewService(engine, stores.Catalog, stores.Likes, tracker,
		feed.WithCache(catalogCache),
		feed.WithLogger(log),
		feed.WithPageSize(cfg.FeedPageSize),
	)

	catalogChanged := func(ctx context.Context) {
		if err := svc.InvalidateCatalog(ctx); err != nil {
			log.Warn("catalog cache invalidate failed", zap.Error(err))
		}
		if err := cache.PublishInvalidate(nc, cache.KeyCatalogItems); err != nil {
			log.Warn("catalog invalidate publish failed", zap.Error(err))
		}
	}

	verifier := auth.JWTVerifier{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Leeway: 30 * time.Second}
	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc:   readyFunc(pool),
		Metrics:     metrics.Handler(),
		Logger:      log,
		CORSOrigins: appCfg.HTTP.CORSOrigins,
	})
	handlers.Mount(r, handlers.Deps{
		Feed:           svc,
		Tracker:        tracker,
		Stores:         stores,
		Analytics:      analytics.New(js, log),
		CatalogChanged: catalogChanged,
		Log:            log,
	}, verifier, handlers.RateLimit(handlers.RateLimitConfig{
		Requests:       cfg.RateLimitRequests,
		Window:         cfg.RateLimitWindow,
		TrustedProxies: cfg.TrustedProxies,
	}))

	srv := httpserver.New(httpserver.Options{
		Addr:         appCfg.HTTP.Addr,
		Router:       r,
		ReadTimeout:  appCfg.HTTP.ReadTimeout,
		WriteTimeout: appCfg.HTTP.WriteTimeout,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error("grpc listen", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		if nc != nil {
			seen, err := idempotency.NewStore(rdb, pool, idempotency.DefaultTTL, isProd)
			if err != nil {
				return err
			}
			w, err := worker.NewWorker(log, nc, worker.Handlers{
				Watch: func(ctx context.Context, ev worker.WatchEvent) error {
					_, err := tracker.RecordWatch(ctx, ev.Session())
					return err
				},
				Catalog: func(ctx context.Context, ev worker.CatalogEvent) error {
					if err := stores.Catalog.UpsertItems(ctx, ev.Items); err != nil {
						return err
					}
					catalogChanged(ctx)
					return nil
				},
			}, seen, worker.Options{BatchSize: cfg.WorkerBatchSize, MaxDeliver: cfg.WorkerMaxDeliver})
			if err != nil {
				return err
			}
			go func() {
				if err := w.Run(ctx); err != nil {
					log.Error("worker stopped", zap.Error(err))
					healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
				}
			}()
		} else if isProd {
			return errors.New("NATS is required in production")
		}

		go func() {
			log.Info("grpc server starting", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("grpc serve", zap.Error(err))
			}
		}()
		healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		return srv.Start(log)
	})

	healthSrv.Shutdown()
	runner.Graceful(
		srv.Shutdown,
		run.StopGRPC(grpcSrv),
		func(context.Context) error {
			if nc == nil {
				return nil
			}
			return nc.Drain()
		},
		func(context.Context) error {
			if ttlCache != nil {
				_ = ttlCache.Close()
			}
			if rdb != nil {
				_ = rdb.Close()
			}
			if pool != nil {
				pool.Close()
			}
			return nil
		},
	)
	log.Info("exit", zap.Int("code", code))
	_ = log.Sync()
	run.Exit(code)
}

// initStores selects the store backend.
// In production (APP_ENV=production) it requires a working Postgres connection
// and terminates the process otherwise.
func initStores(log *zap.Logger, dsn string, poolOpts db.PoolOptions, isProd bool) (store.Stores, *pgxpool.Pool) {
	if dsn == "" {
		if isProd {
			log.Error("DATABASE_URL is required in production")
			_ = log.Sync()
			os.Exit(1)
		}
		log.Warn("DATABASE_URL not set, using in-memory stores (development only)")
		return store.NewMemory(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, dsn, poolOpts)
	if err == nil {
		if err = store.Migrate(ctx, pool); err != nil {
			pool.Close()
		}
	}
	if err != nil {
		if isProd {
			log.Error("postgres is required in production but unavailable", zap.Error(err))
			_ = log.Sync()
			os.Exit(1)
		}
		log.Warn("postgres unavailable, falling back to in-memory stores", zap.Error(err))
		return store.NewMemory(), nil
	}

	log.Info("stores: postgres")
	return store.NewPostgres(pool), pool
}

// initRedis returns nil when REDIS_URL is unset. An unreachable Redis is
// fatal in production and ignored in development.
func initRedis(log *zap.Logger, url string, isProd bool) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if isProd {
			log.Error("redis ping failed in production", zap.Error(err))
			_ = log.Sync()
			os.Exit(1)
		}
		log.Warn("redis unavailable, using in-memory cache", zap.Error(err))
		return nil
	}
	log.Info("redis connected")
	return client
}

func readyFunc(pool *pgxpool.Pool) func() error {
	if pool == nil {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}
}
