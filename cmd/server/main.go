/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the accrual & reconciliation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire engine, backfill job, and metrics into the API handler
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port          HTTP server port (default: 8080)
  -db            SQLite database path (default: accrual.db)
                 Use ":memory:" for in-memory database
  -lock-timeout  Per-obligor lock wait before surfacing a conflict
  -dev           Human-readable console logs instead of JSON

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/accrual.db"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - accrual/engine.go: Reconciliation engine
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/clearbook/accrual-engine/accrual"
	"github.com/clearbook/accrual-engine/api"
	"github.com/clearbook/accrual-engine/logging"
	"github.com/clearbook/accrual-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "accrual.db", "SQLite database path")
	lockTimeout := flag.Duration("lock-timeout", accrual.DefaultLockTimeout, "per-obligor lock wait")
	dev := flag.Bool("dev", false, "development (console) logging")
	flag.Parse()

	logger := logging.NewLogger("accrual-engine")
	if *dev {
		logger = logging.NewDevelopmentLogger("accrual-engine")
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Wire the engine and its batch job
	engine := accrual.NewEngine(store, logger)
	engine.LockTimeout = *lockTimeout
	backfill := accrual.NewBackfill(engine, logger)
	metrics := api.NewMetrics(prometheus.DefaultRegisterer)

	handler := api.NewHandler(engine, backfill, logger, metrics)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.Int("port", *port),
			zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
