package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisSessionPrefix = "clipgate:session:"

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisSessionConfig configures the Redis-backed session store.
type RedisSessionConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisSessionStore keeps session records in Redis so multiple gateway
// replicas share authentication state without a relational database. Expiry
// is enforced by Redis key TTLs in addition to the record timestamps.
type RedisSessionStore struct {
	client redis.UniversalClient
}

// NewRedisSessionStore connects to Redis using the provided configuration.
func NewRedisSessionStore(cfg RedisSessionConfig) (*RedisSessionStore, error) {
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
	tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
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
	return &RedisSessionStore{client: client}, nil
}

type redisSessionRecord struct {
	UserID            string    `json:"userId"`
	Email             string    `json:"email"`
	Credential        string    `json:"credential,omitempty"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AbsoluteExpiresAt time.Time `json:"absoluteExpiresAt"`
}

// Save writes the session record keyed by token with a TTL matching the
// session's absolute expiry.
func (s *RedisSessionStore) Save(record SessionRecord) error {
	payload, err := json.Marshal(redisSessionRecord{
		UserID:            record.UserID,
		Email:             record.Email,
		Credential:        record.Credential,
		ExpiresAt:         record.ExpiresAt.UTC(),
		AbsoluteExpiresAt: record.AbsoluteExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	deadline := record.AbsoluteExpiresAt
	if deadline.IsZero() || record.ExpiresAt.After(deadline) {
		deadline = record.ExpiresAt
	}
	ttl := time.Until(deadline)
	if ttl <= 0 {
		ttl = time.Second
	}
	ctx := context.Background()
	return s.client.Set(ctx, redisSessionPrefix+record.Token, payload, ttl).Err()
}

// Get retrieves the session record for the provided token.
func (s *RedisSessionStore) Get(token string) (SessionRecord, bool, error) {
	ctx := context.Background()
	payload, err := s.client.Get(ctx, redisSessionPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	var stored redisSessionRecord
	if err := json.Unmarshal(payload, &stored); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return SessionRecord{
		Token:             token,
		UserID:            stored.UserID,
		Email:             stored.Email,
		Credential:        stored.Credential,
		ExpiresAt:         stored.ExpiresAt,
		AbsoluteExpiresAt: stored.AbsoluteExpiresAt,
	}, true, nil
}

// Delete removes the session token from Redis.
func (s *RedisSessionStore) Delete(token string) error {
	return s.client.Del(context.Background(), redisSessionPrefix+token).Err()
}

// PurgeExpired is a no-op for Redis, which evicts sessions via key TTLs.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	return nil
}

// Ping verifies connectivity to the Redis deployment.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client resources.
func (s *RedisSessionStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
