// Command cache-api serves cached inventory and location reads in front of
// the system of record, plus the cache admin endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/dinecache/internal/httpx"
	"github.com/Sternrassler/dinecache/pkg/cache"
	"github.com/Sternrassler/dinecache/pkg/inventory"
	"github.com/Sternrassler/dinecache/pkg/location"
	"github.com/Sternrassler/dinecache/pkg/logging"
	"github.com/Sternrassler/dinecache/pkg/origin"
	"github.com/Sternrassler/dinecache/pkg/ratelimit"
	"github.com/Sternrassler/dinecache/pkg/rbac"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "cache-api",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("cache-api stopped")
	}
	log.Info().Msg("cache-api stopped")
}

func run(ctx context.Context, cfg Config) error {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pctx).Err()
	cancel()
	if err != nil {
		// The cache degrades to misses; start anyway and report not ready.
		log.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis unreachable at startup")
	} else {
		log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	sourceCfg := origin.DefaultConfig(cfg.SourceURL)
	sourceCfg.Gate = ratelimit.NewTracker(redisClient, cfg.CachePrefix, logging.NewLogger("ratelimit"))
	source, err := origin.New(sourceCfg)
	if err != nil {
		return fmt.Errorf("create source client: %w", err)
	}

	deps := newDeps(redisClient, source, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		listenLoop(gctx, deps.tiered, 5*time.Second)
		return nil
	})

	g.Go(func() error {
		sweepLoop(gctx, deps.remote, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("source", cfg.SourceURL).Msg("Starting cache API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down cache API")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

func newHandler(d *deps) http.Handler {
	logger := logging.NewLogger("http")
	return httpx.Chain(newRouter(d),
		httpx.RequestID(),
		httpx.Recover(logger),
		httpx.AccessLog(logger),
	)
}

type deps struct {
	redis     *redis.Client
	remote    *cache.RedisStore
	tiered    *cache.Tiered
	inventory *inventory.Cache
	locations *location.Cache
	guard     *rbac.Guard
}

func newDeps(redisClient *redis.Client, source *origin.Client, cfg Config) *deps {
	storeCfg := cache.DefaultConfig()
	storeCfg.Prefix = cfg.CachePrefix
	storeCfg.QueryTimeout = cfg.QueryTimeout

	remote := cache.NewRedisStore(redisClient, storeCfg, logging.NewLogger("redis-store"))
	tiered := cache.NewTiered(cache.NewMemoryStore(cfg.L1Size, cfg.L1TTL), remote, logging.NewLogger("tiered-cache"))

	return &deps{
		redis:     redisClient,
		remote:    remote,
		tiered:    tiered,
		inventory: inventory.New(tiered, inventory.NewHTTPSource(source), inventory.NewEvents(redisClient)),
		locations: location.New(tiered, location.NewHTTPSource(source)),
		guard:     rbac.NewGuard(rbac.HeaderResolver{}),
	}
}

// listenLoop keeps the peer invalidation subscription alive, resubscribing
// after retry whenever it drops, until ctx ends.
func listenLoop(ctx context.Context, tiered *cache.Tiered, retry time.Duration) {
	logger := logging.NewLogger("invalidation-listener")
	for {
		if err := tiered.Listen(ctx); err != nil {
			logger.Warn().Err(err).Dur("retry", retry).Msg("Peer invalidation subscription failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// sweepLoop prunes stale tag index members every interval until ctx ends.
func sweepLoop(ctx context.Context, store *cache.RedisStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := logging.NewLogger("sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Int("pruned", n).Msg("Tag index sweep failed")
				continue
			}
			logger.Debug().Int("pruned", n).Msg("Tag index swept")
		}
	}
}
