package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/p-blackswan/tasksync/internal/api"
	"github.com/p-blackswan/tasksync/internal/config"
	"github.com/p-blackswan/tasksync/internal/dictionary"
	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/health"
	"github.com/p-blackswan/tasksync/internal/idempotency"
	"github.com/p-blackswan/tasksync/internal/metrics"
	"github.com/p-blackswan/tasksync/internal/retry"
	"github.com/p-blackswan/tasksync/internal/scheduler"
	"github.com/p-blackswan/tasksync/internal/store"
	"github.com/p-blackswan/tasksync/internal/tasksync"
	"github.com/p-blackswan/tasksync/internal/upstream"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.LogFile != "" {
		logger = withLogFile(logger, cfg)
		log.Logger = logger
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	backendCfg, err := config.ResolveBackend(cfg)
	if err != nil {
		logConfigError(logger, err, "backend configuration is invalid")
	}

	authCfg := api.AuthConfig{
		Mode:      cfg.APIAuthMode,
		APIKey:    cfg.APIKey,
		JWTSecret: cfg.WebhookJWTSecret,
	}
	if err := authCfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("api auth configuration is invalid")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_addr", cfg.HTTPAddr).
		Object("backend", backendCfg).
		Str("auth_mode", cfg.APIAuthMode).
		Msg("starting sync service")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Source-of-truth store
	st, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open store")
	}
	if n, err := st.ResetStuckSyncing(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to reset interrupted syncs")
	} else if n > 0 {
		logger.Warn().Int64("count", n).Msg("reset tasks left in syncing by a previous run")
	}

	// Upstream client
	backend, err := upstream.New(backendCfg, upstream.Options{
		Timeout:   cfg.UpstreamTimeout,
		RateLimit: rate.Limit(cfg.UpstreamRateLimitRPS),
		Burst:     cfg.UpstreamRateLimitBurst,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init upstream client")
	}

	// Orchestrators share one idempotency cache
	m := metrics.New()
	cache := idempotency.New[any](idempotency.Options{
		Capacity: cfg.IdempotencyCacheSize,
		TTL:      cfg.IdempotencyTTL,
	})
	m.RegisterIdempotencyGauge(cache.Len)
	m.RegisterStoreSizeGauge(st.DBSizeBytes)

	orch := retry.New(retry.Config{
		MaxRetries:    cfg.SyncMaxRetries,
		BaseDelay:     cfg.BaseDelay(),
		MaxDelay:      cfg.MaxDelay(),
		JitterCeiling: cfg.JitterCeiling(),
	}, cache, logger, retry.WithObserver(m))
	dictOrch := orch.WithMaxRetries(cfg.DictionaryMaxRetries)

	// Dictionary barrier: nothing syncs until this returns
	dicts := dictionary.NewCache(logger)
	dicts.SetObserver(m)

	fallback := loadFallback(logger, cfg)
	if err := dicts.Load(ctx, backend, dictOrch, fallback); err != nil {
		logConfigError(logger, err, "dictionaries could not be resolved")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		cache.RunSweeper(ctx, cfg.IdempotencySweepInterval, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		st.RunRetentionLoop(ctx, cfg.RetentionInterval, cfg.SyncLogRetention, logger)
	}()

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("dictionaries", health.Flag(dicts.Ready))
	checker.Register("store", health.Ping(st.Ping, health.StatusDown))
	checker.Register("upstream", health.Ping(backend.Ping, health.StatusDegraded))

	syncer := tasksync.New(tasksync.Config{
		OperationTimeout: cfg.SyncOperationTimeout,
		BulkLimit:        cfg.BulkSyncLimit,
	}, st, backend, dicts, orch, logger, tasksync.WithObserver(m))

	jobs := scheduler.New([]scheduler.Job{{
		Name:     "resync",
		Interval: cfg.ResyncInterval,
		Run: func(ctx context.Context) error {
			_, err := syncer.SyncBulk(ctx, cfg.BulkSyncLimit)
			return err
		},
	}}, logger)
	jobs.Start(ctx)

	server := api.NewServer(ctx, api.ServerConfig{
		ListenAddr: cfg.HTTPAddr,
		Auth:       authCfg,
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		Backend: backendCfg,
	}, api.Deps{
		Syncer:       syncer,
		Dictionaries: dicts,
		Checker:      checker,
		Events:       st,
		Metrics:      m,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for shutdown signal
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("api server stopped unexpectedly")
	}

	// Cancel context: in-flight syncs and their retries are abandoned
	cancel()

	if err := server.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}

	logger.Info().Msg("sync service stopped")
}

// withLogFile tees output into a size-rotated file.
func withLogFile(logger zerolog.Logger, cfg *config.Config) zerolog.Logger {
	rotated := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogFileMaxMB,
		MaxBackups: cfg.LogFileMaxBackups,
		Compress:   true,
	}
	var out io.Writer = os.Stdout
	if cfg.Environment == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return logger.Output(zerolog.MultiLevelWriter(out, rotated))
}

// loadFallback merges the optional YAML file with the per-entry env vars.
// Env vars win.
func loadFallback(logger zerolog.Logger, cfg *config.Config) dictionary.Fallback {
	var sources []map[string]map[string]string
	if cfg.DictionaryFile != "" {
		fromFile, err := dictionary.LoadFallbackFile(cfg.DictionaryFile)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.DictionaryFile).Msg("dictionary fallback file ignored")
		} else {
			sources = append(sources, fromFile)
		}
	}
	sources = append(sources, cfg.FallbackIDs())

	fb, problems := dictionary.ParseFallback(sources...)
	for _, p := range problems {
		logger.Warn().Str("problem", p).Msg("invalid dictionary fallback value ignored")
	}
	return fb
}

// logConfigError exits with the offending variable names. Values are never
// logged.
func logConfigError(logger zerolog.Logger, err error, msg string) {
	ev := logger.Fatal().Err(err)
	var cfgErr *perrors.ConfigError
	if errors.As(err, &cfgErr) {
		ev = ev.Strs("vars", cfgErr.Vars)
	}
	ev.Msg(msg)
}
