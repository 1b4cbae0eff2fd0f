package cfg

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "STORE_BACKEND", "STORE_PATH", "PAGE_SIZE", "BUCKET_SIZE", "RATE_LIMIT_RPM"} {
		t.Setenv(k, "")
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Port != "" {
		t.Errorf("explicitly empty PORT should stay empty, got %q", c.Port)
	}
	if c.PageSize != 4096 {
		t.Errorf("PageSize = %d, want 4096", c.PageSize)
	}
	if c.BucketSize != 64*1024 {
		t.Errorf("BucketSize = %d, want 65536", c.BucketSize)
	}
	if c.DBQueryTimeout != 5*time.Second {
		t.Errorf("DBQueryTimeout = %v", c.DBQueryTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("PAGE_SIZE", "8192")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1,")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.StoreBackend != "sqlite" {
		t.Errorf("StoreBackend = %q, want sqlite", c.StoreBackend)
	}
	if c.PageSize != 8192 {
		t.Errorf("PageSize = %d, want 8192", c.PageSize)
	}
	if len(c.TrustedProxies) != 2 {
		t.Errorf("TrustedProxies = %v", c.TrustedProxies)
	}
}

func TestLoad_BadNumber(t *testing.T) {
	t.Setenv("PAGE_SIZE", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric PAGE_SIZE")
	}
}

func validCfg() *Cfg {
	return &Cfg{
		Port:           "8080",
		Environment:    "development",
		StoreBackend:   "file",
		StorePath:      "pastebin.db",
		PageSize:       4096,
		BucketSize:     64 * 1024,
		PageCacheSize:  128,
		RateLimit:      RateLimitCfg{RPM: 60, Burst: 10},
		ContextTimeout: time.Second,
		MaxRequestSize: 16 * 1024,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Cfg)
		wantErr bool
	}{
		{"valid", func(c *Cfg) {}, false},
		{"memory needs no path", func(c *Cfg) { c.StoreBackend = "memory"; c.StorePath = "" }, false},
		{"bad port", func(c *Cfg) { c.Port = "http" }, true},
		{"unknown backend", func(c *Cfg) { c.StoreBackend = "tape" }, true},
		{"file without path", func(c *Cfg) { c.StorePath = "" }, true},
		{"redis without url", func(c *Cfg) { c.StoreBackend = "redis" }, true},
		{"rediss without tls", func(c *Cfg) { c.StoreBackend = "redis"; c.RedisURL = "rediss://x:6379" }, true},
		{"page size not power of two", func(c *Cfg) { c.PageSize = 3000 }, true},
		{"bucket not page multiple", func(c *Cfg) { c.BucketSize = 4096*3 + 1 }, true},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"nope"} }, true},
		{"prod without metrics auth", func(c *Cfg) { c.Environment = "production" }, true},
		{"prod memory", func(c *Cfg) {
			c.Environment = "production"
			c.MetricsUser = "u"
			c.MetricsPass = NewSecret("p")
			c.StoreBackend = "memory"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCfg()
			tt.mutate(c)
			err := Validate(c)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecretRedacted(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("secret leaked through String(): %s", s.String())
	}
	s.Wipe()
	if s.Value() == "hunter2" {
		t.Errorf("Wipe did not clear secret")
	}
}
