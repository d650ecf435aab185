package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/klaviyo-insights/internal/api"
	"github.com/ignite/klaviyo-insights/internal/config"
	"github.com/ignite/klaviyo-insights/internal/klaviyo"
	"github.com/ignite/klaviyo-insights/internal/narrative"
	"github.com/ignite/klaviyo-insights/internal/pkg/distlock"
	"github.com/ignite/klaviyo-insights/internal/pkg/logger"
	"github.com/ignite/klaviyo-insights/internal/pkg/ratelimit"
	"github.com/ignite/klaviyo-insights/internal/report"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	if cfg.Klaviyo.APIKey == "" {
		logger.Error("KLAVIYO_API_KEY is not set")
		os.Exit(1)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		logger.Error("pre-flight check failed", "error", err.Error())
		os.Exit(1)
	}

	client := klaviyo.NewClient(klaviyo.Config{
		APIKey:     cfg.Klaviyo.APIKey,
		BaseURL:    cfg.Klaviyo.BaseURL,
		Revision:   cfg.Klaviyo.Revision,
		Timeout:    cfg.Klaviyo.Timeout(),
		MaxRetries: cfg.Klaviyo.MaxRetries,
	})

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis URL", "error", err.Error())
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			pingCancel()
			logger.Error("redis connection failed", "error", err.Error())
			os.Exit(1)
		}
		pingCancel()
		client.SetGate(ratelimit.NewRedisGate(redisClient, ratelimit.DefaultBudget))
		logger.Info("redis rate-limit gate active", "addr", opts.Addr)
	}

	resolver := klaviyo.NewMetricResolver(client, cfg.Klaviyo.PreferredIntegration)
	orchestrator := report.NewOrchestrator(client, resolver)

	handlers := api.NewHandlers(orchestrator, resolver, client.AccountKey(), report.Options{
		BatchSize:       cfg.Reporting.BatchSize,
		BatchDelay:      cfg.Reporting.BatchDelay(),
		KAVTolerancePct: cfg.Reporting.KAVTolerancePct,
		Compare:         cfg.Reporting.ComparisonEnabled,
		Timezone:        cfg.Klaviyo.Timezone,
	})
	// One run per account at a time; runs share the upstream rate budget.
	handlers.SetLockFactory(distlock.NewFactory(redisClient, 30*time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bedrock.Enabled {
		gen, err := narrative.NewGenerator(ctx, cfg.Bedrock.ModelID)
		if err != nil {
			logger.Warn("narrative generator unavailable", "error", err.Error())
		} else {
			handlers.SetNarrative(gen)
		}
	}
	if cfg.Archive.Enabled && cfg.Archive.S3Bucket != "" {
		archive, err := report.NewS3Archive(ctx, cfg.Archive.S3Bucket, cfg.Archive.S3Region)
		if err != nil {
			logger.Warn("report archive unavailable", "error", err.Error())
		} else {
			handlers.SetArchive(archive)
		}
	}

	server := api.NewServer(handlers)
	addr := fmt.Sprintf("%s:%d", host, port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "account", client.AccountKey())
		errCh <- server.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err.Error())
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}
}
