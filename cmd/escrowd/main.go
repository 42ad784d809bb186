package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pactledger/config"
	"pactledger/gateway"
	"pactledger/native/escrow"
	"pactledger/native/fees"
	"pactledger/observability/logging"
	"pactledger/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the escrowd config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment, cfg.LogFile)

	owner, err := cfg.OwnerAddress()
	if err != nil {
		logger.Error("invalid owner address", slog.Any("error", err))
		os.Exit(1)
	}
	treasury, err := cfg.FeeTreasuryAddress()
	if err != nil {
		logger.Error("invalid fee treasury address", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open ledger database", slog.String("dir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	store := escrow.NewStore(db)

	engine, err := escrow.NewEngine(owner, fees.Policy{
		ServiceFeeBps: cfg.ServiceFeeBps,
		DisputeFeeBps: cfg.DisputeFeeBps,
	})
	if err != nil {
		logger.Error("failed to construct escrow engine", slog.Any("error", err))
		os.Exit(1)
	}
	engine.SetState(store)
	engine.SetFeeTreasury(treasury)

	basic := escrow.NewBasicEngine(owner)
	basic.SetState(store)

	handler := gateway.NewServer(engine, basic, logger, gateway.RateLimit{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", slog.String("addr", cfg.ListenAddress))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
