package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/discovery"
	"github.com/ryandielhenn/fedledger/internal/app"
	"github.com/ryandielhenn/fedledger/internal/config"
	"github.com/ryandielhenn/fedledger/internal/logging"
	"github.com/ryandielhenn/fedledger/internal/telemetry"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/membership"
	"github.com/ryandielhenn/fedledger/pkg/participant"
	"github.com/ryandielhenn/fedledger/pkg/rounds"
	"github.com/ryandielhenn/fedledger/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("FEDLEDGER_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("coordinator stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// 1. Local storage, ledger, mirrors and coordinator
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	// 2. Participants: static list plus etcd discovery
	dial := func(id fl.ParticipantID, addr string) participant.Client {
		return transport.NewClient(id, addr, &http.Client{})
	}
	pool := rounds.NewPool(cfg.Rounds.MaxFailures, dial)
	static := make(discovery.Peers, len(cfg.Participants))
	for _, p := range cfg.Participants {
		pool.Add(dial(p.ID, p.Addr), p.Addr)
		static[p.ID] = membership.Registration{Addr: p.Addr}
	}
	if cfg.Discovery.Enabled {
		cli, err := discovery.NewClient(cfg.Discovery.Endpoints)
		if err != nil {
			return err
		}
		defer cli.Close()
		watch := func(ctx context.Context, fn func(discovery.Peers)) error {
			return discovery.Watch(ctx, cli, cfg.Discovery.Prefix, fn)
		}
		ended, err := discovery.Follow(ctx, watch, func(peers discovery.Peers) {
			maps.Copy(peers, static)
			logger.Info("participants updated", zap.Int("count", len(peers)))
			pool.Sync(peers)
		})
		if err != nil {
			return fmt.Errorf("participant discovery: %w", err)
		}
		go func() {
			if err := <-ended; err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("discovery watch ended", zap.Error(err))
			}
		}()
	}

	// 3. Read-only HTTP surface
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: transport.CoordinatorRoutes(a.Ledger, a.Coordinator)}
	go func() {
		logger.Info("coordinator listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// 4. Rounds, then publish the final model
	runner := a.NewRunner(pool)
	if _, err := runner.Run(ctx); err != nil {
		return err
	}
	a.Publish(ctx)
	return nil
}
