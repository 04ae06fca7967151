/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rewards & commission ledger service.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (flags, YAML file, .env, LEDGER_* env)
  2. Build the zap logger
  3. Open the SQL store (SQLite or PostgreSQL) and migrate
  4. Seed commission tiers (tiers file, or the standard preset when empty)
  5. Wire ledger, accrual engine, sweeper, batcher, notifier, metrics
  6. Start the cron scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP port, overrides http.port
  -db      DSN, overrides db.dsn (":memory:" for a throwaway SQLite)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, drain requests
  2. Cancel scheduled jobs between accounts and wait for them
  3. Close the database

EXAMPLES:
  ./server -db=":memory:"
  LEDGER_DB_DRIVER=postgres LEDGER_DB_DSN=postgres://... ./server
  ./server -config=./ledger.yaml -port=3000

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
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

	"go.uber.org/zap"

	"github.com/salonhub/ledger-engine/api"
	"github.com/salonhub/ledger-engine/config"
	"github.com/salonhub/ledger-engine/expiry"
	"github.com/salonhub/ledger-engine/factory"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/logging"
	"github.com/salonhub/ledger-engine/metrics"
	"github.com/salonhub/ledger-engine/rewards"
	"github.com/salonhub/ledger-engine/settlement"
	"github.com/salonhub/ledger-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dsn != "" {
		cfg.DB.DSN = *dsn
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	logger.Info("database ready", zap.String("driver", cfg.DB.Driver))

	if err := seedTiers(ctx, store, cfg.Commission.TiersFile, logger); err != nil {
		return err
	}

	program, err := cfg.Program()
	if err != nil {
		return err
	}
	kinds, err := cfg.SettlementKinds()
	if err != nil {
		return err
	}

	m := metrics.New()
	l := ledger.New(store,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithAppendHook(m.ObserveTransaction))
	engine := rewards.NewEngine(l, program, logger.Named("rewards"))
	sweeper := expiry.NewSweeper(l, logger.Named("expiry"))

	var notifier settlement.Notifier = settlement.LogNotifier{Logger: logger.Named("payout")}
	if cfg.Payout.WebhookURL != "" {
		notifier = settlement.NewWebhookNotifier(cfg.Payout.WebhookURL, cfg.Payout.Timeout)
	}
	batcher := settlement.NewBatcher(l, settlement.Options{
		Kinds:    kinds,
		Workers:  cfg.Settlement.Workers,
		Notifier: notifier,
	}, logger.Named("settlement"))

	handler := api.NewHandler(l, engine, sweeper, batcher, logger.Named("api"))
	handler.Metrics = m
	handler.ExpiringWindow = cfg.Rewards.ExpiringWindow
	router := api.NewRouter(handler, api.RouterOptions{})

	var scheduler *api.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = api.NewScheduler(sweeper, batcher, api.SchedulerOptions{
			SweepSpec:      cfg.Scheduler.SweepCron,
			SettlementSpec: cfg.Scheduler.SettlementCron,
			RunOnStart:     cfg.Scheduler.RunOnStart,
			Metrics:        m,
		}, logger.Named("scheduler"))
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	logger.Info("server stopped")
	return nil
}

// seedTiers loads the tiers file when configured, otherwise installs the
// standard preset into an empty store.
func seedTiers(ctx context.Context, store ledger.Store, path string, logger *zap.Logger) error {
	f := factory.NewTierFactory()
	if path != "" {
		tiers, err := f.LoadFile(path)
		if err != nil {
			return err
		}
		logger.Info("commission tiers loaded", zap.String("file", path), zap.Int("count", len(tiers)))
		return store.ReplaceTiers(ctx, tiers)
	}

	existing, err := store.ListTiers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	preset, err := rewards.StandardTiersYAML()
	if err != nil {
		return err
	}
	tiers, err := f.ParseTiers(preset)
	if err != nil {
		return err
	}
	logger.Info("commission tiers seeded with standard preset", zap.Int("count", len(tiers)))
	return store.ReplaceTiers(ctx, tiers)
}
