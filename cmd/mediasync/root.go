package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sfdcai/mediasync/internal/api"
	"github.com/sfdcai/mediasync/internal/archive"
	"github.com/sfdcai/mediasync/internal/cache"
	"github.com/sfdcai/mediasync/internal/config"
	"github.com/sfdcai/mediasync/internal/queue"
	"github.com/sfdcai/mediasync/internal/remote"
	"github.com/sfdcai/mediasync/internal/store"
	"github.com/sfdcai/mediasync/internal/validation"
	"github.com/sfdcai/mediasync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mediasync",
	Short: "MediaSync - local-first media backup sync service",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(logWriter(cfg.Log), &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Seed sync status rows for configured tables. Existing rows keep
	// their persisted state so restarts resume where the last run stopped.
	schemas := make([]validation.TableSchema, 0, len(cfg.Sync.Tables))
	for _, table := range cfg.Sync.Tables {
		if err := db.EnsureTableStatus(ctx, table.Name, table.Enabled, time.Duration(table.Frequency)); err != nil {
			return fmt.Errorf("ensure table status %s: %w", table.Name, err)
		}
		schemas = append(schemas, validation.TableSchema{Name: table.Name, Fields: table.Fields})
	}
	registry := validation.NewRegistry(schemas)
	slog.Info("tables registered", "count", len(schemas))

	// 6. Initialize remote client
	policy := remote.DefaultPolicy()
	if cfg.Remote.MaxRetries > 0 {
		policy.MaxRetries = uint64(cfg.Remote.MaxRetries)
	}
	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey,
		time.Duration(cfg.Remote.Timeout), policy)
	slog.Info("remote client initialized", "base_url", cfg.Remote.BaseURL)

	// 7. Cache and queue over the shared store
	apiCache := cache.New(db)
	opQueue := queue.New(db)

	// 8. Archive sink for purged records
	archiver, err := archive.NewArchiver(cfg.Archive)
	if err != nil {
		return fmt.Errorf("initialize archiver: %w", err)
	}

	// 9. Initialize HTTP router
	syncer := worker.NewSyncCoordinator(db, client,
		time.Duration(cfg.Sync.TickInterval), cfg.Sync.BatchSize,
		cfg.Sync.BackoffThreshold, time.Duration(cfg.Sync.BackoffCeiling))
	handler := api.NewHandler(db, apiCache, opQueue, syncer, registry, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 10. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 11. Start background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync", syncer.Run)

	janitor := worker.NewCacheJanitor(db, time.Duration(cfg.Cache.SweepInterval), cfg.Cache.MaxSize)
	startWorker(ctx, &wg, "cache-janitor", janitor.Run)

	flusher := worker.NewQueueFlusher(opQueue, client, apiCache,
		time.Duration(cfg.Queue.FlushInterval), cfg.Queue.BatchSize,
		time.Duration(cfg.Cache.DefaultTTL))
	startWorker(ctx, &wg, "queue-flusher", flusher.Run)

	if cfg.Retention.Enabled {
		sweeper := worker.NewRetentionSweeper(db, archiver,
			time.Duration(cfg.Retention.SweepInterval),
			time.Duration(cfg.Retention.MaxAge), cfg.Retention.BatchSize)
		startWorker(ctx, &wg, "retention", sweeper.Run)
	}

	// 12. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 13. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 14. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 14a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 14b. Wait for workers to complete
	wg.Wait()

	// 14c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// logWriter returns the log destination: a rotating file when log.file is
// configured, stdout otherwise.
func logWriter(cfg config.LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
