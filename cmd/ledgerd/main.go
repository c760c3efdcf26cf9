package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/coinpeak/ledgerex/internal/api"
	"github.com/coinpeak/ledgerex/internal/config"
	"github.com/coinpeak/ledgerex/internal/database"
	"github.com/coinpeak/ledgerex/internal/engine"
	"github.com/coinpeak/ledgerex/internal/journal"
	"github.com/coinpeak/ledgerex/internal/settlement"
	"github.com/coinpeak/ledgerex/internal/wallet"
	"github.com/coinpeak/ledgerex/pkg/logger"
	"github.com/coinpeak/ledgerex/pkg/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}

	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Schedule DB pool metrics collection every 30s
	tickerDB := time.NewTicker(30 * time.Second)
	defer tickerDB.Stop()
	go func() {
		for range tickerDB.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
			}
		}
	}()

	ledgerJournal := journal.NewJournal(db, zapLogger)
	walletStore := wallet.NewStore(db, ledgerJournal, zapLogger, cfg.Ledger.LockTimeout)
	settler := settlement.NewCoordinator(db, walletStore, zapLogger, cfg.Ledger.FeeRate)
	orderEngine := engine.NewEngine(db, walletStore, settler, zapLogger)

	// Cross-check the wallet table against the journal before serving.
	if err := ledgerJournal.ReconcileAll(context.Background()); err != nil {
		zapLogger.Fatal("Ledger reconciliation failed on startup", zap.Error(err))
	}

	jwtSecret := []byte(os.Getenv("JWT_SECRET"))
	if len(jwtSecret) == 0 {
		zapLogger.Fatal("JWT_SECRET must be set")
	}

	apiServer := api.NewServer(zapLogger, orderEngine, walletStore, settler, jwtSecret)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: apiServer.Router(),
	}

	go func() {
		zapLogger.Info("Starting ledger API server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server shutdown failed", zap.Error(err))
	}
}
