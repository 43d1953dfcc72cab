/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and environment configuration
  2. Apply command-line overrides
  3. Open the store (SQLite or PostgreSQL) and run migrations
  4. Seed the catalog (CATALOG_PATH, or the standard program)
  5. Build metrics, engine, API handler and router
  6. Start the maintenance scheduler
  7. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides HTTP_PORT)
  -db       SQLite database path (overrides SQLITE_PATH)
            Use ":memory:" for in-memory database
  -catalog  Catalog file (overrides CATALOG_PATH)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  4. Close the store

EXAMPLES:
  ./server -db=":memory:"
  STORE_DRIVER=postgres DATABASE_URL=postgres://loyalty@localhost/loyalty ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
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

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// backend is what main needs from a store: the engine's view, catalog
// writes, and shutdown.
type backend interface {
	loyalty.FullStore
	Close() error
}

// pgBackend adapts postgres.Store, whose Close returns nothing.
type pgBackend struct{ *postgres.Store }

func (b pgBackend) Close() error {
	b.Store.Close()
	return nil
}

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides HTTP_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	catalogPath := flag.String("catalog", "", "Catalog file (overrides CATALOG_PATH)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}
	if *dbPath != "" {
		cfg.StoreDriver = config.DriverSQLite
		cfg.SQLitePath = *dbPath
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	cfg.SetupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize store")
	}
	defer store.Close()

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load catalog")
	}
	if err := factory.Seed(ctx, store, catalog); err != nil {
		log.WithError(err).Fatal("failed to seed catalog")
	}

	m := metrics.New()
	opts := []loyalty.Option{loyalty.WithObserver(m)}
	if len(catalog.Promotions) > 0 {
		opts = append(opts, loyalty.WithPromotions(catalog.Promotions))
	}
	engine := loyalty.NewEngine(store, opts...)

	handler := api.NewHandler(engine, store)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        m,
	})

	var scheduler *api.MaintenanceScheduler
	if cfg.SchedulerEnabled {
		scheduler, err = api.NewMaintenanceScheduler(engine, api.SchedulerConfig{
			SettlementSpec:    cfg.SettlementCron,
			VoucherExpirySpec: cfg.VoucherExpiryCron,
			Location:          cfg.Location(),
			Observer:          m,
		})
		if err != nil {
			log.WithError(err).Fatal("failed to configure scheduler")
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"port": cfg.HTTPPort, "store": cfg.StoreDriver}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", sig.String()).Info("shutting down server")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	cancel()

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		return pgBackend{s}, nil
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}

func loadCatalog(path string) (*factory.Catalog, error) {
	if path == "" {
		log.Info("no CATALOG_PATH set, seeding the standard program")
		return rewards.StandardCatalog()
	}
	return factory.LoadFile(path)
}
