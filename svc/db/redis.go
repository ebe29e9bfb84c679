package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"runbin/cfg"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis carries shared rate limit windows. Paste state never goes here.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// windowScript increments a fixed window counter without exceeding the limit
// and returns {usage, pttl}.
var windowScript = redis.NewScript(`
	local current = tonumber(redis.call("GET", KEYS[1]) or "0")
	if current >= tonumber(ARGV[2]) then
		return {current + 1, redis.call("PTTL", KEYS[1])}
	end
	local usage = redis.call("INCR", KEYS[1])
	if usage == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {usage, redis.call("PTTL", KEYS[1])}
`)

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	r := NewRedisFromClient(redis.NewClient(opt), c.RedisTimeout)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return r, nil
}

func NewRedisFromClient(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func buildRedisTLSConfig(env string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	if certPath := os.Getenv("REDIS_TLS_CA_CERT"); certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	if env != "production" {
		if devCertPath := os.Getenv("REDIS_TLS_DEV_CA"); devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}

// RateLimit counts a hit against key in a fixed window. It returns the usage
// including this hit and the time until the window resets.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := windowScript.Run(ctx, r.client, []string{"rl:" + key}, window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return 0, 0, errors.Wrap(err, "rate limit lua")
	}
	if len(res) != 2 {
		return 0, 0, errors.New("rate limit lua: unexpected reply")
	}
	reset := time.Duration(res[1]) * time.Millisecond
	if reset < 0 {
		reset = window
	}
	return int(res[0]), reset, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Ping(ctx).Err(), "redis ping")
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
