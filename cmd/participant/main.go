package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/discovery"
	"github.com/ryandielhenn/fedledger/internal/config"
	"github.com/ryandielhenn/fedledger/internal/logging"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/participant"
	"github.com/ryandielhenn/fedledger/pkg/transport"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		// a single-class training split ends the participant before it joins
		logger.Fatal("participant stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	nc := cfg.Participant
	if nc.ID == "" {
		host, _ := os.Hostname()
		nc.ID = host
	}
	id := fl.ParticipantID(nc.ID)
	logger = logger.With(zap.String("participant", nc.ID))

	transforms, err := participant.NewTransformStore(nc.TransformsDir)
	if err != nil {
		return err
	}
	data := participant.Synthetic(rand.New(rand.NewPCG(nc.Seed, 1)), nc.Samples, nc.Features, 0)
	local, err := participant.NewLocal(id, data, participant.LocalOptions{
		Epochs:     nc.Epochs,
		Seed:       nc.Seed,
		Transforms: transforms,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: nc.Addr, Handler: transport.NewServer(local, logger).Routes()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("participant listening", zap.String("addr", nc.Addr))
		errCh <- srv.ListenAndServe()
	}()

	if cfg.Discovery.Enabled {
		cli, err := discovery.NewClient(cfg.Discovery.Endpoints)
		if err != nil {
			return err
		}
		defer cli.Close()
		advertise := nc.AdvertiseAddr
		if advertise == "" {
			advertise = transport.NormalizeHostPort(nc.ID, transport.DefaultPort)
		}
		revoke, err := discovery.Register(ctx, cli, cfg.Discovery.Prefix, id, advertise, cfg.Discovery.LeaseTTL)
		if err != nil {
			return err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = revoke(rctx)
		}()
		logger.Info("registered", zap.String("advertise", advertise))
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
