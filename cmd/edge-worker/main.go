// Command edge-worker is the caching HTTP tier in front of the API. GET
// responses are served from the edge store until their TTL elapses.
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

	"github.com/caarlos0/env/v11"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/dinecache/internal/httpx"
	"github.com/Sternrassler/dinecache/pkg/cache"
	"github.com/Sternrassler/dinecache/pkg/edge"
	"github.com/Sternrassler/dinecache/pkg/logging"
	"github.com/Sternrassler/dinecache/pkg/metrics"
	"github.com/Sternrassler/dinecache/pkg/origin"
)

// Config is read from the environment.
type Config struct {
	Port        string `env:"PORT" envDefault:"8787"`
	APIURL      string `env:"API_URL,required"`
	CacheTTL    int    `env:"CACHE_TTL" envDefault:"300"`
	CacheSize   int    `env:"EDGE_CACHE_SIZE" envDefault:"10000"`
	MaxBodySize int64  `env:"EDGE_MAX_BODY_BYTES" envDefault:"1048576"`

	// RedisURL selects a store shared by every edge worker
	RedisURL string `env:"EDGE_REDIS_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// TTL returns CACHE_TTL as a duration.
func (c Config) TTL() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("CACHE_TTL must be positive seconds (got %d)", cfg.CacheTTL)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "edge-worker",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("edge-worker stopped")
	}
	log.Info().Msg("edge-worker stopped")
}

func run(ctx context.Context, cfg Config) error {
	client, err := origin.New(origin.DefaultConfig(cfg.APIURL))
	if err != nil {
		return fmt.Errorf("create origin client: %w", err)
	}

	store, closeStore, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	proxy := edge.New(client, store, edge.Config{
		TTL:         cfg.TTL(),
		MaxBodySize: cfg.MaxBodySize,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(proxy),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("origin", cfg.APIURL).
			Dur("ttl", cfg.TTL()).
			Msg("Starting edge worker")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down edge worker")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		return errors.Join(err, proxy.Close())
	})
	return g.Wait()
}

// newStore returns the in-process store, or a Redis-backed one when
// EDGE_REDIS_URL is set.
func newStore(cfg Config) (edge.Store, func(), error) {
	if cfg.RedisURL == "" {
		return edge.NewMemoryStore(cfg.CacheSize, cfg.TTL()), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse EDGE_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)
	storeCfg := cache.DefaultConfig()
	storeCfg.Prefix = "dc-edge"
	remote := cache.NewRedisStore(redisClient, storeCfg, logging.NewLogger("edge-redis"))

	log.Info().Str("addr", opts.Addr).Msg("Using shared edge store")
	return edge.NewSharedStore(remote), func() { redisClient.Close() }, nil
}

func newRouter(proxy *edge.Proxy) http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	router.NotFound = proxy
	router.MethodNotAllowed = proxy
	router.HandleMethodNotAllowed = true

	logger := logging.NewLogger("http")
	return httpx.Chain(router,
		httpx.RequestID(),
		httpx.Recover(logger),
		httpx.AccessLog(logger),
	)
}
