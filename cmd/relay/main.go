// Command relay starts the notification relay service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ssr-relay/internal/auth"
	"ssr-relay/internal/envelope"
	"ssr-relay/internal/gateway"
	"ssr-relay/internal/observability/logging"
	"ssr-relay/internal/observability/metrics"
	"ssr-relay/internal/relay"
	"ssr-relay/internal/serverutil"
	"ssr-relay/internal/store"
	"ssr-relay/internal/supervisor"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storeDriver := flag.String("store-driver", "", "shared store driver (redis or memory)")
	clearState := flag.Bool("clear-state", false, "reset the shared pending-queue and subscription records on boot")
	masterApp := flag.String("master-app", "", "application segment for per-user master channels")
	publicKeyPath := flag.String("public-key", "", "path to the PEM-encoded RSA public key")
	privateKeyPath := flag.String("private-key", "", "path to the PEM-encoded RSA private key")
	authMode := flag.String("auth-mode", "", "authenticator (jwt or static)")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for JWT verification")
	jwtIssuer := flag.String("jwt-issuer", "", "required JWT issuer (optional)")
	tokenFile := flag.String("token-file", "", "path to the static token file")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "websocket ping interval (0 disables)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the shared store")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the shared store")
	redisUsername := flag.String("redis-username", "", "Redis username for the shared store")
	redisPassword := flag.String("redis-password", "", "Redis password for the shared store")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name for the shared store")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for the shared store")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	lockTTL := flag.Duration("lock-ttl", 0, "lease TTL for the distributed lock")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file for the listener")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file for the listener")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("SSR_RELAY_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("SSR_RELAY_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sharedStore, err := configureStore(storeConfigInput{
		Driver:        firstNonEmpty(*storeDriver, os.Getenv("SSR_RELAY_STORE_DRIVER")),
		Addr:          firstNonEmpty(*redisAddr, os.Getenv("SSR_RELAY_REDIS_ADDR")),
		Addrs:         splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("SSR_RELAY_REDIS_ADDRS"))),
		Username:      firstNonEmpty(*redisUsername, os.Getenv("SSR_RELAY_REDIS_USERNAME")),
		Password:      firstNonEmpty(*redisPassword, os.Getenv("SSR_RELAY_REDIS_PASSWORD")),
		MasterName:    firstNonEmpty(*redisMasterName, os.Getenv("SSR_RELAY_REDIS_SENTINEL_MASTER")),
		PoolSize:      resolveInt(*redisPoolSize, "SSR_RELAY_REDIS_POOL_SIZE"),
		Timeout:       resolveDuration(*redisTimeout, "SSR_RELAY_REDIS_TIMEOUT", 2*time.Second),
		LockTTL:       resolveDuration(*lockTTL, "SSR_RELAY_LOCK_TTL", 0),
		TLSCA:         firstNonEmpty(*redisTLSCA, os.Getenv("SSR_RELAY_REDIS_TLS_CA")),
		TLSCert:       firstNonEmpty(*redisTLSCert, os.Getenv("SSR_RELAY_REDIS_TLS_CERT")),
		TLSKey:        firstNonEmpty(*redisTLSKey, os.Getenv("SSR_RELAY_REDIS_TLS_KEY")),
		TLSServerName: firstNonEmpty(*redisTLSServerName, os.Getenv("SSR_RELAY_REDIS_TLS_SERVER_NAME")),
		TLSSkipVerify: resolveBool(*redisTLSSkipVerify, "SSR_RELAY_REDIS_TLS_SKIP_VERIFY"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure shared store", "error", err)
		os.Exit(1)
	}
	defer sharedStore.Close()

	publicKey, err := envelope.LoadPublicKey(firstNonEmpty(*publicKeyPath, os.Getenv("SSR_RELAY_PUBLIC_KEY")))
	if err != nil {
		logger.Error("failed to load public key", "error", err)
		os.Exit(1)
	}
	privateKey, err := envelope.LoadPrivateKey(firstNonEmpty(*privateKeyPath, os.Getenv("SSR_RELAY_PRIVATE_KEY")))
	if err != nil {
		logger.Error("failed to load private key", "error", err)
		os.Exit(1)
	}

	supv, err := supervisor.New(ctx, supervisor.Config{
		Store:   sharedStore,
		Logger:  logging.WithComponent(logger, "supervisor"),
		Reset:   resolveBool(*clearState, "SSR_RELAY_CLEAR_STATE"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise subscription supervisor", "error", err)
		os.Exit(1)
	}

	rly := relay.New(relay.Config{
		Supervisor: supv,
		Store:      sharedStore,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Logger:     logging.WithComponent(logger, "relay"),
		Metrics:    recorder,
	})

	authenticator, err := configureAuthenticator(
		firstNonEmpty(*authMode, os.Getenv("SSR_RELAY_AUTH_MODE")),
		firstNonEmpty(*jwtSecret, os.Getenv("SSR_RELAY_JWT_SECRET")),
		firstNonEmpty(*jwtIssuer, os.Getenv("SSR_RELAY_JWT_ISSUER")),
		firstNonEmpty(*tokenFile, os.Getenv("SSR_RELAY_TOKEN_FILE")),
	)
	if err != nil {
		logger.Error("failed to configure authenticator", "error", err)
		os.Exit(1)
	}

	gw := gateway.New(gateway.Config{
		Auth:              authenticator,
		Supervisor:        supv,
		Relay:             rly,
		Store:             sharedStore,
		MasterApp:         firstNonEmpty(*masterApp, os.Getenv("SSR_RELAY_MASTER_APP")),
		Logger:            logging.WithComponent(logger, "gateway"),
		Metrics:           recorder,
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "SSR_RELAY_HEARTBEAT_INTERVAL", 0),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleConnection)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	err = serverutil.Run(ctx, serverutil.Config{
		Addr:    firstNonEmpty(*addr, os.Getenv("SSR_RELAY_ADDR"), ":8080"),
		Handler: mux,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("SSR_RELAY_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("SSR_RELAY_TLS_KEY")),
		},
		Logger: logger,
	})
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

type storeConfigInput struct {
	Driver        string
	Addr          string
	Addrs         []string
	Username      string
	Password      string
	MasterName    string
	PoolSize      int
	Timeout       time.Duration
	LockTTL       time.Duration
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool
}

func configureStore(in storeConfigInput, logger *slog.Logger) (store.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(in.Driver))
	switch driver {
	case "", "redis":
		if driver == "" && in.Addr == "" && len(in.Addrs) == 0 {
			logger.Info("no redis endpoint configured, using in-memory store")
			return store.NewMemoryStore(0), nil
		}
		return store.NewRedisStore(store.RedisConfig{
			Addr:         in.Addr,
			Addrs:        in.Addrs,
			Username:     in.Username,
			Password:     in.Password,
			MasterName:   in.MasterName,
			DialTimeout:  in.Timeout,
			ReadTimeout:  in.Timeout,
			WriteTimeout: in.Timeout,
			PoolSize:     in.PoolSize,
			LockTTL:      in.LockTTL,
			Logger:       logging.WithComponent(logger, "store"),
			TLS: store.RedisTLSConfig{
				CAFile:             in.TLSCA,
				CertFile:           in.TLSCert,
				KeyFile:            in.TLSKey,
				ServerName:         in.TLSServerName,
				InsecureSkipVerify: in.TLSSkipVerify,
			},
		})
	case "memory":
		return store.NewMemoryStore(0), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func configureAuthenticator(mode, jwtSecret, jwtIssuer, tokenFile string) (auth.Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "jwt":
		return auth.NewJWTAuthenticator(jwtSecret, jwtIssuer)
	case "static":
		if tokenFile == "" {
			return nil, fmt.Errorf("static auth selected without token file")
		}
		return auth.NewStaticAuthenticator(tokenFile)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
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
