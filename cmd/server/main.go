/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing server: hour-balance ledger, invoice
  lifecycle and the drift-audit scheduler. Handles configuration,
  dependency injection and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Initialize the SQLite store
  3. Load guardian financial settings
  4. Pick the locker (Redis when REDIS_ADDRESS is set, else in-process)
  5. Start the notification queue
  6. Build the engine, router and scheduler
  7. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections, wait for active requests (30s)
  3. Drain the notification queue
  4. Close database and Redis connections

ENVIRONMENT:
  See config/config.go for every variable and its default.

SEE ALSO:
  - api/server.go: Router configuration
  - engine/engine.go: Engine options
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/api"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/config"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/engine"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/lock"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/notify"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/settings"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBPath = *port, *dbPath

	logger := config.NewLogger(cfg.LogLevel, os.Stdout)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	provider, err := loadSettings(cfg.SettingsFile)
	if err != nil {
		logger.WithError(err).Fatal("failed to load settings")
	}

	locker, closeLocker := newLocker(cfg, logger)
	defer closeLocker()

	queue := notify.NewQueue(notify.NewLogNotifier(logger), notify.QueueOptions{
		Buffer:      cfg.NotifyBuffer,
		MaxAttempts: cfg.NotifyRetries,
	}, logger)
	queue.Start()
	defer queue.Stop()

	eng := engine.New(store, provider, engine.Options{
		Locker:             locker,
		Notifier:           queue,
		Logger:             logger,
		UndoWindow:         cfg.UndoWindow,
		AggregationTimeout: cfg.AggregationTimeout,
		OperatorRecipient:  cfg.OperatorRecipient,
	})

	scheduler := api.NewDriftScheduler(eng, queue, logger)
	scheduler.CheckInterval = cfg.DriftCheckInterval
	scheduler.AutoRepair = cfg.DriftAutoRepair
	scheduler.Concurrency = cfg.DriftConcurrency
	scheduler.Recipient = cfg.OperatorRecipient
	scheduler.Start()

	router := api.NewRouter(api.NewHandler(eng, logger), api.RouterOptions{})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server stopped")
}

func loadSettings(path string) (settings.Provider, error) {
	if path == "" {
		return settings.NewStatic(settings.DefaultSettings()), nil
	}
	return settings.ParseFile(path)
}

// newLocker connects to Redis when configured. An unreachable Redis falls
// back to in-process locks, which is only safe for a single instance.
func newLocker(cfg config.Config, logger *logrus.Logger) (lock.Locker, func()) {
	local := lock.NewLocal(cfg.LockWait)
	if cfg.RedisAddress == "" {
		return local, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := lock.Connect(ctx, cfg.RedisAddress)
	if err != nil {
		logger.WithError(err).Warn("redis unavailable, using in-process locks")
		return local, func() {}
	}
	logger.WithField("address", cfg.RedisAddress).Info("using redis locks")
	return lock.NewRedis(rdb, lock.RedisOptions{TTL: cfg.LockTTL, Wait: cfg.LockWait}, logger), func() { rdb.Close() }
}
