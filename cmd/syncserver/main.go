// Command syncserver runs the per-user op log and dataset-generation store
// (spec §4.10) behind an HTTP API.
//
// Grounded on the shape of the teacher's cmd/server/main.go (load config,
// build dependencies, start an HTTP server, wait on SIGINT/SIGTERM, drain on
// shutdown) with its AWS/IRSA/ElastiCache-specific wiring dropped entirely —
// this binary has one backing store (Postgres) and one concern (sync), not
// a multi-tenant gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/aggregat4/tasklist-sync/internal/config"
	"github.com/aggregat4/tasklist-sync/internal/observability"
	"github.com/aggregat4/tasklist-sync/internal/syncserver"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("syncserver")
	var metricsClient observability.MetricsClient = observability.NewNoopMetricsClient()
	if cfg.Metrics.Enabled {
		metricsClient = observability.NewPrometheusMetricsClient(cfg.Metrics.Namespace, "sync")
	}

	if cfg.DatabaseDriver != "postgres" {
		log.Fatalf("unsupported database_driver %q: syncserver requires postgres", cfg.DatabaseDriver)
	}

	db, err := sqlx.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to reach database: %v", err)
	}

	if err := syncserver.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	store := syncserver.NewStore(db)
	syncSrv := syncserver.NewServer(store, logger, metricsClient)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	syncSrv.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Info("sync server listening", map[string]interface{}{"address": cfg.ListenAddress})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down sync server", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatal(fmt.Errorf("graceful shutdown failed: %w", err))
	}
}
