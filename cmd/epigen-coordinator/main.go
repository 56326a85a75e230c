// epigen-coordinator is the adaptive policy engine's central service: it
// owns the single-writer Coordinator, serves /detect and /snapshot over
// HTTP, and runs the periodic snapshot-refresh maintenance job.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arlen-kass/epigen/internal/apiserver"
	"github.com/arlen-kass/epigen/internal/config"
	"github.com/arlen-kass/epigen/internal/coordinator"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord := coordinator.New(cfg, logger)
	coord.Start()
	defer coord.Stop()

	maint := coordinator.NewMaintenance(coord, logger)
	if err := maint.Start("@every 30s"); err != nil {
		logger.Fatal("failed to start maintenance scheduler", zap.Error(err))
	}
	defer maint.Stop()

	srv := apiserver.New(apiserver.Config{ListenAddr: cfg.ListenAddr}, coord, logger)

	logger.Info("starting epigen coordinator",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Info("http server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
