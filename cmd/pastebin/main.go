package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"pastebin/cfg"
	"pastebin/svc/api"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/store"
	"pastebin/svc/svc"
	"pastebin/svc/util"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Msg("failed to read .env")
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("backend", c.StoreBackend).
		Str("environment", c.Environment).
		Msg("starting pastebin API")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := db.Open(c)
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("failed to open store backend")
	}
	defer backend.Close()

	engine, err := store.Open(ctx, backend, store.Options{
		PageSize:   c.PageSize,
		BucketSize: c.BucketSize,
		CacheSize:  c.PageCacheSize,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open paste store")
	}
	defer engine.Close()

	pasteSvc := svc.NewPaste(engine)
	stats, err := pasteSvc.Stats(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to read store stats")
	}
	util.Info().
		Uint64("records", stats.Records).
		Uint64("next_id", stats.NextID).
		Msg("paste store attached")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter)

	g, gctx := errgroup.WithContext(ctx)
	if sq, ok := backend.(*db.SQLite); ok {
		g.Go(func() error {
			db.StartWALMaintenance(gctx, sq.DB(), c.WALCheckpointInterval)
			return nil
		})
		util.Info().Dur("interval", c.WALCheckpointInterval).Msg("WAL maintenance worker started")
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		pasteSvc.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("server exited with error")
	}
	util.Info().Msg("shutdown complete")
}

// healthcheck probes the local /health endpoint for container runtimes.
func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
