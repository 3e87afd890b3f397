// Command server starts the clipgate API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"clipgate/internal/api"
	"clipgate/internal/auth"
	"clipgate/internal/gateway"
	"clipgate/internal/observability/logging"
	"clipgate/internal/observability/metrics"
	"clipgate/internal/server"
	"clipgate/internal/token"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	upstreamURL := flag.String("upstream-url", "", "base URL of the upstream resource API")
	upstreamTimeout := flag.Duration("upstream-timeout", 0, "timeout for upstream requests")
	sealSecret := flag.String("seal-secret", "", "master secret for sealing upstream credentials at rest")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute session lifetime")
	sessionIdle := flag.Duration("session-idle-timeout", 0, "idle timeout before a session expires")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory, postgres or redis)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionRedisAddr := flag.String("session-redis-addr", "", "Redis address for the session store")
	sessionRedisAddrs := flag.String("session-redis-addrs", "", "comma separated Redis addresses for the session store")
	sessionRedisUsername := flag.String("session-redis-username", "", "Redis username for the session store")
	sessionRedisPassword := flag.String("session-redis-password", "", "Redis password for the session store")
	sessionRedisMasterName := flag.String("session-redis-sentinel-master", "", "Redis sentinel master name for the session store")
	sessionRedisPoolSize := flag.Int("session-redis-pool-size", 0, "maximum Redis connections for the session store")
	sessionRedisTimeout := flag.Duration("session-redis-timeout", 0, "timeout for session store Redis operations")
	sessionRedisTLSCA := flag.String("session-redis-tls-ca", "", "path to Redis TLS CA certificate for the session store")
	sessionRedisTLSCert := flag.String("session-redis-tls-cert", "", "path to Redis TLS client certificate for the session store")
	sessionRedisTLSKey := flag.String("session-redis-tls-key", "", "path to Redis TLS client key for the session store")
	sessionRedisTLSServerName := flag.String("session-redis-tls-server-name", "", "override Redis TLS server name for the session store")
	sessionRedisTLSSkipVerify := flag.Bool("session-redis-tls-skip-verify", false, "skip Redis TLS verification for the session store")
	tokenStoreDriver := flag.String("token-store", "", "token store driver (memory or postgres)")
	tokenPostgresDSN := flag.String("token-postgres-dsn", "", "Postgres DSN for the API token store")
	purgeInterval := flag.Duration("purge-interval", 0, "interval between expired session and token sweeps")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	allowedOrigins := flag.String("cors-allowed-origins", "", "comma separated browser origins allowed to call the gateway")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("CLIPGATE_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CLIPGATE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("CLIPGATE_ADDR"))

	upstream := firstNonEmpty(*upstreamURL, os.Getenv("CLIPGATE_UPSTREAM_URL"))
	if upstream == "" {
		logger.Error("no upstream configured: provide --upstream-url or set CLIPGATE_UPSTREAM_URL")
		os.Exit(1)
	}

	masterSecret := firstNonEmpty(*sealSecret, os.Getenv("CLIPGATE_SEAL_SECRET"))
	if masterSecret == "" && serverMode == "production" {
		logger.Error("production mode requires a sealing secret: set CLIPGATE_SEAL_SECRET")
		os.Exit(1)
	}
	var sealer *auth.Sealer
	if masterSecret != "" {
		s, err := auth.NewSealer(masterSecret)
		if err != nil {
			logger.Error("failed to initialise credential sealer", "error", err)
			os.Exit(1)
		}
		sealer = s
	} else {
		logger.Warn("credential sealing disabled; upstream credentials are stored in plain text")
	}

	forwarder, err := gateway.New(gateway.Config{
		BaseURL: upstream,
		Client:  &http.Client{Timeout: resolveDuration(*upstreamTimeout, "CLIPGATE_UPSTREAM_TIMEOUT", 30*time.Second)},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure upstream forwarder", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("CLIPGATE_SESSION_STORE"),
		firstNonEmpty(*sessionPostgresDSN, os.Getenv("CLIPGATE_SESSION_POSTGRES_DSN")),
		firstNonEmpty(*sessionRedisAddr, os.Getenv("CLIPGATE_SESSION_REDIS_ADDR")),
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var (
		sessionStore  auth.SessionStore
		sessionCloser func(context.Context) error
	)
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = func(ctx context.Context) error { return pgStore.Close(ctx) }
	case "redis":
		redisStore, err := auth.NewRedisSessionStore(auth.RedisSessionConfig{
			Addr:         sessionConfig.RedisAddr,
			Addrs:        splitAndTrim(firstNonEmpty(*sessionRedisAddrs, os.Getenv("CLIPGATE_SESSION_REDIS_ADDRS"))),
			Username:     firstNonEmpty(*sessionRedisUsername, os.Getenv("CLIPGATE_SESSION_REDIS_USERNAME")),
			Password:     firstNonEmpty(*sessionRedisPassword, os.Getenv("CLIPGATE_SESSION_REDIS_PASSWORD")),
			MasterName:   firstNonEmpty(*sessionRedisMasterName, os.Getenv("CLIPGATE_SESSION_REDIS_SENTINEL_MASTER")),
			DialTimeout:  resolveDuration(*sessionRedisTimeout, "CLIPGATE_SESSION_REDIS_TIMEOUT", 0),
			ReadTimeout:  resolveDuration(*sessionRedisTimeout, "CLIPGATE_SESSION_REDIS_TIMEOUT", 0),
			WriteTimeout: resolveDuration(*sessionRedisTimeout, "CLIPGATE_SESSION_REDIS_TIMEOUT", 0),
			PoolSize:     resolveInt(*sessionRedisPoolSize, "CLIPGATE_SESSION_REDIS_POOL_SIZE"),
			TLS: auth.RedisTLSConfig{
				CAFile:             firstNonEmpty(*sessionRedisTLSCA, os.Getenv("CLIPGATE_SESSION_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*sessionRedisTLSCert, os.Getenv("CLIPGATE_SESSION_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*sessionRedisTLSKey, os.Getenv("CLIPGATE_SESSION_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*sessionRedisTLSServerName, os.Getenv("CLIPGATE_SESSION_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*sessionRedisTLSSkipVerify, "CLIPGATE_SESSION_REDIS_TLS_SKIP_VERIFY"),
			},
		})
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = redisStore
		sessionCloser = func(context.Context) error { return redisStore.Close() }
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	sessionOptions := []auth.SessionOption{auth.WithStore(sessionStore)}
	if sealer != nil {
		sessionOptions = append(sessionOptions, auth.WithSealer(sealer))
	}
	if idle := resolveDuration(*sessionIdle, "CLIPGATE_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOptions = append(sessionOptions, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewSessionManager(resolveDuration(*sessionTTL, "CLIPGATE_SESSION_TTL", 24*time.Hour), sessionOptions...)

	var (
		tokenStore  token.Store
		tokenCloser func(context.Context) error
	)
	tokenDriver, tokenDSN := resolveTokenStoreConfig(
		*tokenStoreDriver,
		os.Getenv("CLIPGATE_TOKEN_STORE"),
		firstNonEmpty(*tokenPostgresDSN, os.Getenv("CLIPGATE_TOKEN_POSTGRES_DSN"), sessionConfig.DSN),
	)
	switch tokenDriver {
	case "memory":
		tokenStore = token.NewMemoryStore()
	case "postgres":
		if tokenDSN == "" {
			logger.Error("postgres token store selected without DSN")
			os.Exit(1)
		}
		pgStore, err := token.NewPostgresStore(tokenDSN)
		if err != nil {
			logger.Error("failed to open token store", "error", err)
			os.Exit(1)
		}
		tokenStore = pgStore
		tokenCloser = func(ctx context.Context) error { return pgStore.Close(ctx) }
	default:
		logger.Error("unsupported token store driver", "driver", tokenDriver)
		os.Exit(1)
	}

	handler := api.NewHandler(sessions, token.NewIssuer(tokenStore), token.NewRegistry(tokenStore), forwarder)
	handler.Sealer = sealer
	handler.Logger = logger
	handler.Metrics = recorder
	if serverMode == "production" {
		handler.SessionCookiePolicy = api.SessionCookiePolicy{
			SameSite:   http.SameSiteStrictMode,
			SecureMode: api.SessionCookieSecureAlways,
		}
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLIPGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLIPGATE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "CLIPGATE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "CLIPGATE_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "CLIPGATE_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "CLIPGATE_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("CLIPGATE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("CLIPGATE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "CLIPGATE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("CLIPGATE_CORS_ALLOWED_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	ready := make(chan struct{})

	group.Go(func() error {
		return srv.Run(groupCtx, ready)
	})
	group.Go(func() error {
		select {
		case <-ready:
			logger.Info("clipgate listening", "addr", listenAddr, "mode", serverMode, "upstream", upstream)
			logger.Info("metrics endpoint available", "path", "/metrics")
		case <-groupCtx.Done():
		}
		return nil
	})

	purgeStop := startPurgeWorker(groupCtx, logging.WithComponent(logger, "purger"), resolveDuration(*purgeInterval, "CLIPGATE_PURGE_INTERVAL", 15*time.Minute), map[string]expiredPurger{
		"sessions": sessions,
		"tokens":   handler.Registry,
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}
	purgeStop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sessionCloser != nil {
		if err := sessionCloser(closeCtx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}
	if tokenCloser != nil {
		if err := tokenCloser(closeCtx); err != nil {
			logger.Warn("failed to close token store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type sessionStoreConfig struct {
	Driver    string
	DSN       string
	RedisAddr string
}

func resolveSessionStoreConfig(flagDriver, envDriver, dsn, redisAddr string) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}
	if driver == "" {
		switch {
		case dsn != "":
			driver = "postgres"
		case redisAddr != "":
			driver = "redis"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if dsn == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store requires a DSN: set --session-postgres-dsn or CLIPGATE_SESSION_POSTGRES_DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: dsn}, nil
	case "redis":
		if redisAddr == "" {
			return sessionStoreConfig{}, fmt.Errorf("redis session store requires an address: set --session-redis-addr or CLIPGATE_SESSION_REDIS_ADDR")
		}
		return sessionStoreConfig{Driver: "redis", RedisAddr: redisAddr}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func resolveTokenStoreConfig(flagDriver, envDriver, dsn string) (string, string) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}
	if driver == "" {
		if strings.TrimSpace(dsn) != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	return driver, strings.TrimSpace(dsn)
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
