// myCloud Server
//
// Features:
// - Hierarchical file tree in PostgreSQL or SQLite
// - Folder sizes kept exact on every insert and delete
// - Batch uploads admitted against a global byte ceiling
// - Subtree deletion that survives byte store failures
// - SSE change feed
// - Prometheus metrics & structured logging (zap)
// - Local or S3 byte storage
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/api"
	"github.com/estrada-diego/myCloud/internal/config"
	"github.com/estrada-diego/myCloud/internal/events"
	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metadata"
	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/internal/quota"
	"github.com/estrada-diego/myCloud/internal/storage"
	"github.com/estrada-diego/myCloud/internal/tree"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("myCloud server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("database", cfg.DatabaseDriver),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metaStore, err := metadata.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	if err := metaStore.Migrate(ctx); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("storage backend ready", zap.String("type", backend.Type()))

	tracker := quota.NewTracker(cfg.MaxTotalBytes, 0)
	fileTree := tree.New(metaStore, storage.NewBlobStore(backend), tracker)
	if err := fileTree.Init(ctx); err != nil {
		logging.Fatal("tree init failed", zap.Error(err))
	}
	logging.Info("usage loaded",
		zap.Int64("used", tracker.CurrentUsage()),
		zap.Int64("limit", tracker.Limit()))

	// Folder sizes are derived data; report drift left by an earlier crash.
	report, err := fileTree.Verify(ctx, tree.VerifyOptions{})
	if err != nil {
		logging.Error("startup verification failed", zap.Error(err))
	} else if !report.OK() {
		for _, p := range report.Problems {
			logging.Warn("tree inconsistency", zap.String("problem", p.String()))
		}
		logging.Warn("tree has inconsistencies; run mycloud-fsck -repair",
			zap.Int("problems", len(report.Problems)))
	}

	broadcaster := events.NewBroadcaster()
	rateLimiter := quota.NewRateLimiter(cfg.RequestsPerMinute)

	srv := api.NewServer(fileTree, broadcaster, rateLimiter, cfg.MaxUploadSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Cancelling ctx ends open event streams so Shutdown can finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
			}
		}
	}()

	// Periodic rate limiter cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
