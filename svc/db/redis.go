package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"pastebin/cfg"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis stores page n under <prefix>page:<n>. Commits run in MULTI/EXEC so
// other clients never see half a commit; durability across a Redis restart
// depends on the server running with appendonly and appendfsync always.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis backend needs REDIS_URL")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 0
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.RedisHostname)
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
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisWithClient(client, c.RedisPrefix, c.RedisTimeout), nil
}

func NewRedisWithClient(client *redis.Client, prefix string, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{client: client, timeout: timeout, prefix: prefix}
}

func buildRedisTLSConfig(hostname string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if hostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = hostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath == "" {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append Redis CA cert to pool")
	}
	tlsConfig.RootCAs = certPool
	return tlsConfig, nil
}

func (r *Redis) key(n uint64) string {
	return r.prefix + "page:" + strconv.FormatUint(n, 10)
}

func (r *Redis) ReadPage(ctx context.Context, n uint64, buf []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, r.key(n)).Bytes()
	if err == redis.Nil {
		zero(buf)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "redis read page %d", n)
	}
	if err := checkLen(len(data), len(buf)); err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func (r *Redis) Commit(ctx context.Context, pages map[uint64][]byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, n := range sortedPages(pages) {
			pipe.Set(ctx, r.key(n), pages[n], 0)
		}
		return nil
	})
	return errors.Wrap(err, "redis commit")
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
