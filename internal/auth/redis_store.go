package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

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
	KeyPrefix    string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisSessionStore keeps sessions in Redis so multiple API replicas share
// authentication state. Expiry is enforced with per-key TTLs, so PurgeExpired
// is a no-op.
type RedisSessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

type redisSessionRecord struct {
	UserID            string    `json:"userId"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AbsoluteExpiresAt time.Time `json:"absoluteExpiresAt"`
}

// NewRedisSessionStore initialises a session store backed by Redis. The
// caller is responsible for ensuring the Redis instance is reachable.
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
	keyPrefix := strings.TrimSpace(cfg.KeyPrefix)
	if keyPrefix == "" {
		keyPrefix = "streamrelay:session:"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
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
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix}, nil
}

// Save stores the session record under the token key with a TTL matching the
// absolute expiry.
func (s *RedisSessionStore) Save(token, userID string, expiresAt, absoluteExpiresAt time.Time) error {
	record := redisSessionRecord{
		UserID:            userID,
		ExpiresAt:         expiresAt.UTC(),
		AbsoluteExpiresAt: absoluteExpiresAt.UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	ttl := time.Until(absoluteExpiresAt)
	if ttl <= 0 {
		return s.Delete(token)
	}
	return s.client.Set(context.Background(), s.keyPrefix+token, payload, ttl).Err()
}

// Get retrieves the session record for the provided token.
func (s *RedisSessionStore) Get(token string) (SessionRecord, bool, error) {
	payload, err := s.client.Get(context.Background(), s.keyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	var record redisSessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return SessionRecord{
		Token:             token,
		UserID:            record.UserID,
		ExpiresAt:         record.ExpiresAt,
		AbsoluteExpiresAt: record.AbsoluteExpiresAt,
	}, true, nil
}

// Delete removes the session token.
func (s *RedisSessionStore) Delete(token string) error {
	return s.client.Del(context.Background(), s.keyPrefix+token).Err()
}

// PurgeExpired is a no-op because Redis evicts keys via TTL.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client resources.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		ServerName:         strings.TrimSpace(cfg.ServerName),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse redis ca file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("redis tls requires both cert and key files")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
