package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                  string
	Environment           string
	LogLevel              string
	StoreBackend          string
	StorePath             string
	PageSize              int
	BucketSize            int
	PageCacheSize         int
	RedisURL              string
	RedisPrefix           string
	RedisTLS              bool
	RedisHostname         string
	RedisUsername         string
	RedisPassword         Secret
	RedisTimeout          time.Duration
	DBMaxOpenConns        int
	DBMaxIdleConns        int
	DBQueryTimeout        time.Duration
	WALCheckpointInterval time.Duration
	RateLimit             RateLimitCfg
	TrustedProxies        []string
	MetricsUser           string
	MetricsPass           Secret
	ContextTimeout        time.Duration
	MaxRequestSize        int64
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", "file"))
	c.StorePath = getEnv("STORE_PATH", "pastebin.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisPrefix = getEnv("REDIS_PREFIX", "pastebin:")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.PageSize, err = getInt("PAGE_SIZE", 4096)
	if err != nil {
		return nil, err
	}
	c.BucketSize, err = getInt("BUCKET_SIZE", 64*1024)
	if err != nil {
		return nil, err
	}
	c.PageCacheSize, err = getInt("PAGE_CACHE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 16)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 4)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.WALCheckpointInterval, err = getDuration("WAL_CHECKPOINT_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 50)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.MaxRequestSize, err = getInt64("MAX_REQUEST_SIZE", 16*1024)
	if err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreBackend {
	case "memory":
	case "file", "sqlite", "badger":
		if c.StorePath == "" {
			return fmt.Errorf("STORE_PATH is required for the %s backend", c.StoreBackend)
		}
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.PageSize < 512 || c.PageSize > 64*1024 || c.PageSize&(c.PageSize-1) != 0 {
		return errors.New("PAGE_SIZE must be a power of two between 512 and 65536")
	}
	if c.BucketSize < c.PageSize || c.BucketSize%c.PageSize != 0 {
		return errors.New("BUCKET_SIZE must be a positive multiple of PAGE_SIZE")
	}
	if c.PageCacheSize <= 0 {
		return errors.New("PAGE_CACHE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.MaxRequestSize < 2*1024 {
		return errors.New("MAX_REQUEST_SIZE must be at least 2048")
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.StoreBackend == "memory" {
			return errors.New("STORE_BACKEND=memory is not durable and is refused in production")
		}
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
