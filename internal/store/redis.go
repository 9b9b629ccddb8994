package store

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// unlockScript releases a lease only when the caller still owns it, so an
// expired-and-reacquired lease is never deleted by the previous holder.
const unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisTLSConfig controls TLS behaviour for shared-store connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed Store implementation.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Buffer       int
	// LockTTL bounds how long a crashed holder can starve a key before the
	// lease expires on its own.
	LockTTL       time.Duration
	LockRetryWait time.Duration
	Logger        *slog.Logger
	TLS           RedisTLSConfig
}

// NewRedisStore connects to the shared Redis endpoint and verifies
// reachability before returning.
func NewRedisStore(cfg RedisConfig) (Store, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockRetryWait <= 0 {
		cfg.LockRetryWait = 50 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	pingTimeout := cfg.DialTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	return &redisStore{
		client:        client,
		buffer:        cfg.Buffer,
		lockTTL:       cfg.LockTTL,
		lockRetryWait: cfg.LockRetryWait,
		logger:        logger,
	}, nil
}

type redisStore struct {
	client        redis.UniversalClient
	buffer        int
	lockTTL       time.Duration
	lockRetryWait time.Duration
	logger        *slog.Logger
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyMissing
	}
	if err != nil {
		return "", unavailable("get "+key, err)
	}
	return value, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable("set "+key, err)
	}
	return nil
}

func (s *redisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return unavailable("publish "+channel, err)
	}
	return nil
}

func (s *redisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// Receive blocks until the broker confirms the subscription; after it
	// returns, published messages are guaranteed to reach this handle.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe "+channel, err)
	}
	sub := &redisSubscription{
		pubsub:  pubsub,
		channel: channel,
		ch:      make(chan Message, s.buffer),
		logger:  s.logger,
	}
	go sub.run(ctx)
	return sub, nil
}

func (s *redisStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := "lock:" + key
	token := randomToken()
	for {
		acquired, err := s.client.SetNX(ctx, lockKey, token, s.lockTTL).Result()
		if err != nil {
			return unavailable("acquire lock "+key, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockRetryWait):
		}
	}
	s.logger.Debug("lock acquired", "key", key)
	fnErr := fn(ctx)
	// Release on a fresh context so a cancelled caller cannot leak the
	// lease until TTL expiry.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Eval(releaseCtx, unlockScript, []string{lockKey}, token).Err(); err != nil {
		s.logger.Warn("lock release failed, lease will expire", "key", key, "error", err)
	} else {
		s.logger.Debug("lock relinquished", "key", key)
	}
	return fnErr
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	channel string
	once    sync.Once
	ch      chan Message
	logger  *slog.Logger
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.pubsub.Close()
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				_ = s.pubsub.Close()
				return
			default:
				s.logger.Warn("subscriber backlog full, dropping message", "channel", msg.Channel)
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Channel() string {
	return s.channel
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("token-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read store tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("store tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load store tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
