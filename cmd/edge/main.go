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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/api"
	"github.com/counselly/edge/internal/backend"
	"github.com/counselly/edge/internal/cache"
	"github.com/counselly/edge/internal/chat"
	"github.com/counselly/edge/internal/config"
	"github.com/counselly/edge/internal/identity"
	"github.com/counselly/edge/internal/kv"
	"github.com/counselly/edge/internal/logger"
	"github.com/counselly/edge/internal/messaging"
	"github.com/counselly/edge/internal/metrics"
	"github.com/counselly/edge/internal/ratelimit"
	"github.com/counselly/edge/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "edge: %v\n", err)
		os.Exit(1)
	}

	root := logger.New(cfg.AppEnv, os.Stdout)
	if err := run(cfg, root); err != nil {
		root.Fatal().Err(err).Msg("edge stopped")
	}
}

func run(cfg config.Config, root zerolog.Logger) error {
	log := logger.Component(root, "main")
	instance := instanceName(cfg)

	log.Info().
		Str("instance", instance).
		Str("listen_addr", cfg.ListenAddr).
		Str("app_env", cfg.AppEnv).
		Str("durable_store", cfg.DurableStore).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("backend_url", cfg.BackendURL).
		Dur("cache_ttl", cfg.CacheTTL).
		Bool("cache_single_flight", cfg.CacheSingleFlight).
		Dur("session_ttl", cfg.SessionTTL).
		Msg("counselly edge starting")

	checks := make(map[string]api.Check)

	st, err := openStores(cfg, root, checks)
	if err != nil {
		return err
	}
	defer st.close(log)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "counselly-edge-" + instance
	nc, err := messaging.NewNATSClient(natsConfig, logger.Component(root, "nats"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	checks["nats"] = func(context.Context) error {
		if !nc.Connected() {
			return errors.New("not connected")
		}
		return nil
	}

	// --- Cache ---
	cacheOpts := []cache.Option{
		cache.WithTTL(cfg.CacheTTL),
		cache.WithLogger(logger.Component(root, "cache")),
		cache.WithRecorder(metrics.Cache{}),
	}
	if cfg.CacheSingleFlight {
		cacheOpts = append(cacheOpts, cache.WithSingleFlight())
	}
	store := cache.New(cacheOpts...)
	if err := nc.SubscribeInvalidations(messaging.ApplyInvalidations(store, instance, logger.Component(root, "cache-sync"))); err != nil {
		return fmt.Errorf("subscribe invalidations: %w", err)
	}

	// --- Backend ---
	backendConfig := backend.DefaultConfig(cfg.BackendURL)
	backendConfig.Timeout = cfg.BackendTimeout
	catalog, err := backend.New(backendConfig, logger.Component(root, "backend"))
	if err != nil {
		return err
	}

	// --- Identity, relay ---
	provider := identity.NewProvider(st.durable, st.session,
		identity.WithLogger(logger.Component(root, "identity")),
		identity.WithRecorder(metrics.Identity{}),
	)

	var (
		relayLimiter ws.Limiter
		apiLimiter   api.Limiter
	)
	if st.redis != nil {
		limiter := ratelimit.NewLimiter(st.redis, logger.Component(root, "ratelimit"))
		relayLimiter, apiLimiter = limiter, limiter
	}

	relay := ws.NewRelay(ws.DefaultConfig(), nc, relayLimiter,
		chat.NewTranscript(chat.DefaultTranscriptSize),
		logger.Component(root, "relay"), metrics.Relay{})

	// --- HTTP ---
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN unset, internal cache routes disabled")
	}
	h := api.New(api.Deps{
		Identity: provider,
		Cache:    store,
		Catalog:  catalog,
		Bus:      nc,
		Relay:    relay,
		Limiter:  apiLimiter,
		Checks:   checks,
		Cookies:  api.CookieOptions{Secure: cfg.IsProduction()},
		Origin:   instance,

		AdminToken: cfg.AdminToken,
		Log:        logger.Component(root, "api"),
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := relay.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("relay shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("edge stopped")
	return nil
}

type stores struct {
	durable kv.Store
	session kv.Store
	redis   *redis.Client
	closers []func() error
}

func (s *stores) close(log zerolog.Logger) {
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("store close")
		}
	}
}

// openStores builds the durable and session identity stores. Memory mode
// needs no Redis; the session store is Redis otherwise.
func openStores(cfg config.Config, root zerolog.Logger, checks map[string]api.Check) (*stores, error) {
	log := logger.Component(root, "stores")
	st := &stores{}

	if cfg.DurableStore == config.StoreMemory {
		log.Warn().Msg("identity stores are in memory, visitor ids will not survive a restart")
		st.durable = kv.NewMemory()
		st.session = kv.NewMemory()
		return st, nil
	}

	rdb, err := kv.DialRedis(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, err
	}
	st.redis = rdb
	st.closers = append(st.closers, rdb.Close)
	sessions := kv.NewSessionRedis(rdb, cfg.SessionTTL)
	st.session = sessions
	checks["redis"] = sessions.Ping

	switch cfg.DurableStore {
	case config.StorePostgres:
		if err := kv.Migrate(cfg.DatabaseURL); err != nil {
			st.close(log)
			return nil, err
		}
		db, err := kv.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			st.close(log)
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		st.durable = kv.NewPostgres(db)
		checks["postgres"] = db.PingContext
		log.Info().Msg("durable identity in postgres")
	default:
		st.durable = kv.NewDurableRedis(rdb)
		log.Info().Msg("durable identity in redis")
	}
	return st, nil
}

func instanceName(cfg config.Config) string {
	if cfg.InstanceName != "" {
		return cfg.InstanceName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "edge-1"
}
