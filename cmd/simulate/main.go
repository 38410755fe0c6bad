package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/app"
	"github.com/ryandielhenn/fedledger/internal/config"
	"github.com/ryandielhenn/fedledger/internal/logging"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/participant"
	"github.com/ryandielhenn/fedledger/pkg/rounds"
)

func main() {
	configPath := flag.String("config", os.Getenv("FEDLEDGER_CONFIG"), "path to YAML config")
	n := flag.Int("participants", 0, "override simulation.participants")
	r := flag.Int("rounds", 0, "override rounds.count")
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		log.Fatal(err)
	}
	if *n > 0 {
		cfg.Simulation.Participants = *n
	}
	if *r > 0 {
		cfg.Rounds.Count = *r
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	reports, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
	for _, rep := range reports {
		fmt.Printf("round %d: loss=%.4f accuracy=%.4f evaluated=%d failures=%d\n",
			rep.Round, rep.Loss, rep.Metrics[fl.MetricAccuracy], rep.Evaluated, len(rep.FitFailures)+len(rep.EvalFailed))
	}
	fmt.Printf("Completed %d rounds in %s\n", len(reports), time.Since(start).Round(time.Millisecond))
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]rounds.Report, error) {
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	transforms, err := participant.NewTransformStore(filepath.Join(filepath.Dir(cfg.Ledger.Path), "transforms"))
	if err != nil {
		return nil, err
	}
	sc := cfg.Simulation
	pool := rounds.NewPool(cfg.Rounds.MaxFailures, nil)
	for i := range sc.Participants {
		id := fl.ParticipantID(fmt.Sprintf("sim-%d", i+1))
		seed := sc.Seed + uint64(i)
		data := participant.Synthetic(rand.New(rand.NewPCG(seed, 7)), sc.Samples, sc.Features, float64(i%3)*0.5)
		p, err := participant.NewLocal(id, data, participant.LocalOptions{
			TestFraction: sc.TestFraction,
			Epochs:       sc.Epochs,
			Seed:         seed,
			Transforms:   transforms,
			Logger:       logger,
		})
		if err != nil {
			// a participant with a single-class split never joins
			logger.Warn("participant skipped", zap.String("participant", id.String()), zap.Error(err))
			continue
		}
		pool.Add(p, "in-process")
	}

	reports, err := a.NewRunner(pool).Run(ctx)
	if err != nil {
		return reports, err
	}
	a.Publish(ctx)
	return reports, nil
}
