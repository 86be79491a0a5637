// Command server starts the StreamRelay HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamrelay/internal/api"
	"streamrelay/internal/auth"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/server"
	"streamrelay/internal/serverutil"
	"streamrelay/internal/source"
	"streamrelay/internal/storage"
	"streamrelay/internal/stream"
)

const (
	envPrefix = "STREAMRELAY_"

	modeDevelopment = "development"
	modeProduction  = "production"

	storageDriverJSON     = "json"
	storageDriverPostgres = "postgres"

	sessionStoreMemory   = "memory"
	sessionStorePostgres = "postgres"
	sessionStoreRedis    = "redis"

	defaultDataPath        = "data/streamrelay.json"
	defaultHLSDir          = "data/streams"
	defaultSessionTTL      = 7 * 24 * time.Hour
	defaultPurgeInterval   = 15 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

func main() {
	var (
		addrFlag          = flag.String("addr", "", "listen address (host:port)")
		modeFlag          = flag.String("mode", "", "runtime mode: development or production")
		dataFlag          = flag.String("data", "", "path to the JSON datastore file")
		storageDriverFlag = flag.String("storage-driver", "", "storage driver: json or postgres")
		postgresDSNFlag   = flag.String("postgres-dsn", "", "postgres connection string for the stream datastore")

		sessionStoreFlag       = flag.String("session-store", "", "session store: memory, postgres, or redis")
		sessionPostgresDSNFlag = flag.String("session-postgres-dsn", "", "postgres connection string for the session store")
		sessionRedisAddrFlag   = flag.String("session-redis-addr", "", "redis address for the session store")
		sessionRedisUserFlag   = flag.String("session-redis-username", "", "redis username for the session store")
		sessionRedisPassFlag   = flag.String("session-redis-password", "", "redis password for the session store")
		sessionRedisPrefixFlag = flag.String("session-redis-prefix", "", "key prefix for redis-backed sessions")
		sessionTTLFlag         = flag.Duration("session-ttl", 0, "session lifetime (e.g. 168h)")

		hlsDirFlag       = flag.String("hls-dir", "", "root directory for per-stream HLS output")
		maxDownloadsFlag = flag.Int("max-downloads", 0, "maximum concurrent source downloads")

		tlsCertFlag = flag.String("tls-cert", "", "path to the TLS certificate")
		tlsKeyFlag  = flag.String("tls-key", "", "path to the TLS private key")

		logLevelFlag  = flag.String("log-level", "", "log level: debug, info, warn, or error")
		logFormatFlag = flag.String("log-format", "", "log format: json or text")

		rateGlobalRPSFlag   = flag.Float64("rate-global-rps", 0, "global requests per second across all clients")
		rateGlobalBurstFlag = flag.Int("rate-global-burst", 0, "global burst size")
		rateLoginLimitFlag  = flag.Int("rate-login-limit", 0, "login attempts allowed per window per client")
		rateLoginWindowFlag = flag.Duration("rate-login-window", 0, "login rate-limit window")
		rateRedisAddrFlag   = flag.String("rate-redis-addr", "", "redis address for shared login rate limiting")
		rateRedisPassFlag   = flag.String("rate-redis-password", "", "redis password for shared login rate limiting")
	)
	flag.Parse()

	mode, err := modeValue(firstNonEmpty(*modeFlag, os.Getenv(envPrefix+"MODE")))
	if err != nil {
		fatalf("invalid mode: %v", err)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, os.Getenv(envPrefix+"LOG_LEVEL")),
		Format: firstNonEmpty(*logFormatFlag, os.Getenv(envPrefix+"LOG_FORMAT")),
	})
	recorder := metrics.Default()

	addr := resolveListenAddr(*addrFlag, mode)
	hlsDir := firstNonEmpty(*hlsDirFlag, os.Getenv(envPrefix+"HLS_DIR"), defaultHLSDir)
	if err := os.MkdirAll(hlsDir, 0o755); err != nil {
		fatalf("create hls dir %s: %v", hlsDir, err)
	}

	ctx := context.Background()

	driver, err := resolveStorageDriver(firstNonEmpty(*storageDriverFlag, os.Getenv(envPrefix+"STORAGE_DRIVER")))
	if err != nil {
		fatalf("invalid storage driver: %v", err)
	}
	if err := validateProductionDatastore(mode, driver); err != nil {
		fatalf("%v", err)
	}

	var repo storage.Repository
	switch driver {
	case storageDriverPostgres:
		dsn := resolvePostgresDSN(*postgresDSNFlag)
		if dsn == "" {
			fatalf("postgres storage driver requires -postgres-dsn or %sPOSTGRES_DSN", envPrefix)
		}
		repo, err = storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             dsn,
			ApplicationName: "streamrelay",
		})
		if err != nil {
			fatalf("open postgres datastore: %v", err)
		}
	default:
		dataPath := resolveDataPath(*dataFlag)
		store, err := storage.NewStorage(dataPath)
		if err != nil {
			fatalf("open datastore %s: %v", dataPath, err)
		}
		repo = store
	}

	sessionTTL := resolveDurationSetting(*sessionTTLFlag, envPrefix+"SESSION_TTL", defaultSessionTTL)
	sessionStoreName, err := resolveSessionStore(firstNonEmpty(*sessionStoreFlag, os.Getenv(envPrefix+"SESSION_STORE")))
	if err != nil {
		fatalf("invalid session store: %v", err)
	}

	var sessionStore auth.SessionStore
	switch sessionStoreName {
	case sessionStorePostgres:
		dsn := firstNonEmpty(*sessionPostgresDSNFlag, os.Getenv(envPrefix+"SESSION_POSTGRES_DSN"), resolvePostgresDSN(*postgresDSNFlag))
		store, err := auth.NewPostgresSessionStore(ctx, dsn)
		if err != nil {
			fatalf("open postgres session store: %v", err)
		}
		sessionStore = store
	case sessionStoreRedis:
		store, err := auth.NewRedisSessionStore(auth.RedisSessionConfig{
			Addr:      firstNonEmpty(*sessionRedisAddrFlag, os.Getenv(envPrefix+"SESSION_REDIS_ADDR")),
			Username:  firstNonEmpty(*sessionRedisUserFlag, os.Getenv(envPrefix+"SESSION_REDIS_USERNAME")),
			Password:  firstNonEmpty(*sessionRedisPassFlag, os.Getenv(envPrefix+"SESSION_REDIS_PASSWORD")),
			KeyPrefix: firstNonEmpty(*sessionRedisPrefixFlag, os.Getenv(envPrefix+"SESSION_REDIS_PREFIX")),
		})
		if err != nil {
			fatalf("open redis session store: %v", err)
		}
		sessionStore = store
	default:
		sessionStore = auth.NewMemorySessionStore()
	}

	sessions := auth.NewSessionManager(sessionTTL, auth.WithStore(sessionStore))

	registry := source.NewRegistry(source.ExecRunner{})
	timings := stream.DefaultTimings()
	maxDownloads := int64(resolveInt(*maxDownloadsFlag, envPrefix+"MAX_DOWNLOADS", 2))
	fetcher := stream.NewFetcher(source.ExecRunner{}, maxDownloads, timings.FetchTimeout, logger, recorder)

	manager := stream.NewManager(stream.ManagerConfig{
		Registry: registry,
		Repo:     repo,
		BaseDir:  hlsDir,
		Timings:  timings,
		Logger:   logger,
		Metrics:  recorder,
		Fetcher:  fetcher,
	})
	if err := manager.Restore(ctx); err != nil {
		logger.Error("restore persisted streams", "error", err)
	}

	handler := api.NewHandler(repo, sessions, manager, logger)

	srv, err := server.New(handler, server.Config{
		Addr: addr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCertFlag, os.Getenv(envPrefix+"TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKeyFlag, os.Getenv(envPrefix+"TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*rateGlobalRPSFlag, envPrefix+"RATE_GLOBAL_RPS", 50),
			GlobalBurst:   resolveInt(*rateGlobalBurstFlag, envPrefix+"RATE_GLOBAL_BURST", 100),
			LoginLimit:    resolveInt(*rateLoginLimitFlag, envPrefix+"RATE_LOGIN_LIMIT", 10),
			LoginWindow:   resolveDurationSetting(*rateLoginWindowFlag, envPrefix+"RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddrFlag, os.Getenv(envPrefix+"RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassFlag, os.Getenv(envPrefix+"RATE_REDIS_PASSWORD")),
		},
		Logger:  logger,
		Metrics: recorder,
		HLSDir:  hlsDir,
	})
	if err != nil {
		fatalf("configure server: %v", err)
	}

	purgeStop := startSessionPurgeWorker(sessions, defaultPurgeInterval, logger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tlsCert, tlsKey := srv.TLSFiles()
	logger.Info("server listening", "addr", addr, "mode", mode, "storage_driver", driver, "session_store", sessionStoreName)
	runErr := serverutil.Run(runCtx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: tlsCert, KeyFile: tlsKey},
		ShutdownTimeout: defaultShutdownTimeout,
	})
	if runErr != nil {
		logger.Error("server failed", "error", runErr)
	} else {
		logger.Info("shutting down")
	}

	close(purgeStop)
	manager.StopAll()

	closeCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if closer, ok := sessionStore.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(closeCtx); err != nil {
			logger.Error("close session store", "error", err)
		}
	} else if closer, ok := sessionStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("close session store", "error", err)
		}
	}
	if err := repo.Close(closeCtx); err != nil {
		logger.Error("close datastore", "error", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// startSessionPurgeWorker expires stale sessions in the background so the
// store does not accumulate dead tokens between restarts.
func startSessionPurgeWorker(sessions *auth.SessionManager, interval time.Duration, logger *slog.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sessions.PurgeExpired(); err != nil {
					logger.Warn("purge expired sessions", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func resolveDurationSetting(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func resolveListenAddr(flagValue, mode string) string {
	if addr := firstNonEmpty(flagValue, os.Getenv(envPrefix+"ADDR")); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		return ":" + port
	}
	return defaultListenForMode(mode)
}

func defaultListenForMode(mode string) string {
	if mode == modeProduction {
		return ":8080"
	}
	return "127.0.0.1:8080"
}

func modeValue(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", modeDevelopment, "dev":
		return modeDevelopment, nil
	case modeProduction, "prod":
		return modeProduction, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (expected development or production)", raw)
	}
}

func resolveStorageDriver(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", storageDriverJSON:
		return storageDriverJSON, nil
	case storageDriverPostgres:
		return storageDriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q (expected json or postgres)", raw)
	}
}

func resolveSessionStore(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", sessionStoreMemory:
		return sessionStoreMemory, nil
	case sessionStorePostgres:
		return sessionStorePostgres, nil
	case sessionStoreRedis:
		return sessionStoreRedis, nil
	default:
		return "", fmt.Errorf("unsupported session store %q (expected memory, postgres, or redis)", raw)
	}
}

// validateProductionDatastore refuses to boot a production process against the
// single-file JSON store, which cannot be shared across replicas.
func validateProductionDatastore(mode, driver string) error {
	if mode == modeProduction && driver == storageDriverJSON {
		return fmt.Errorf("production mode requires the postgres storage driver (set -storage-driver=postgres)")
	}
	return nil
}

func resolveDataPath(flagValue string) string {
	path := firstNonEmpty(flagValue, os.Getenv(envPrefix+"DATA"), defaultDataPath)
	return filepath.Clean(path)
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv(envPrefix+"POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}
