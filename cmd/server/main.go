package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/achingono/papermail-sub000/internal/config"
	"github.com/achingono/papermail-sub000/internal/db"
	"github.com/achingono/papermail-sub000/internal/logger"
	"github.com/achingono/papermail-sub000/internal/metrics"
	"github.com/achingono/papermail-sub000/internal/service"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	zl, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		zl.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.CloseConnection(pool)
	zl.Info("Successfully connected to database")

	server, err := service.NewServer(ctx, cfg, pool, zl, newMetrics())
	if err != nil {
		zl.Fatal("Failed to build server", zap.Error(err))
	}

	zl.Info("papermail server starting",
		zap.String("address", cfg.ListenAddress),
		zap.String("environment", cfg.Environment))

	if err := server.Run(ctx); err != nil {
		zl.Fatal("Server failed", zap.Error(err))
	}
	zl.Info("Server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.NewLogger(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Environment == "development",
		LogFile:     cfg.LogFile,
		MaxSize:     cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAge:      cfg.LogMaxAgeDays,
		Compress:    true,
	})
}

// newMetrics registers the mail collectors next to the Go runtime and
// process collectors.
func newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.New(reg)
}
