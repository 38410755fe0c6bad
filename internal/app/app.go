// Package app wires the coordinator's components from configuration. Both
// the coordinator server and the simulator start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/config"
	"github.com/ryandielhenn/fedledger/pkg/checkpoint"
	"github.com/ryandielhenn/fedledger/pkg/coordinator"
	"github.com/ryandielhenn/fedledger/pkg/ledger"
	"github.com/ryandielhenn/fedledger/pkg/mirror"
	"github.com/ryandielhenn/fedledger/pkg/provenance"
	"github.com/ryandielhenn/fedledger/pkg/publish"
	"github.com/ryandielhenn/fedledger/pkg/rounds"
)

type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Store       *checkpoint.Store
	Ledger      *ledger.Ledger
	Coordinator *coordinator.Coordinator

	mirrors    *mirror.Set
	publishers []publish.Publisher
}

// New opens local storage, connects the enabled mirrors and seeds the
// coordinator from the latest checkpoint when resuming. A fresh run moves
// the previous run's checkpoints under the store's archive directory.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	codecs, err := cfg.Codecs()
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(cfg.Checkpoint.Dir, logger, codecs...)
	if err != nil {
		return nil, err
	}
	if !cfg.Rounds.Resume {
		// a fresh run numbers its rounds from 1 again
		if _, _, err := store.Archive("run-" + time.Now().UTC().Format("20060102T150405.000000000Z")); err != nil {
			return nil, err
		}
	}
	ids, err := provenance.New(cfg.Provenance.Mode)
	if err != nil {
		return nil, err
	}

	mirrors := mirror.Build(cfg.MirrorTargets(logger), logger)
	l, err := ledger.Open(cfg.Ledger.Path, ledger.Options{
		Resume:        cfg.Rounds.Resume,
		Mirrors:       mirrors.Mirrors,
		Async:         cfg.Ledger.AsyncMirrors,
		MirrorTimeout: cfg.Ledger.MirrorTimeout,
		Logger:        logger,
	})
	if err != nil {
		_ = mirrors.Close()
		return nil, err
	}

	var history *coordinator.AccuracyLog
	if cfg.Ledger.AccuracyLog != "" {
		if history, err = coordinator.NewAccuracyLog(cfg.Ledger.AccuracyLog); err != nil {
			logger.Warn("accuracy history disabled", zap.Error(err))
		}
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Ledger: l,
		Coordinator: coordinator.New(store, l, coordinator.Options{
			Identifier: ids,
			History:    history,
			Logger:     logger,
		}),
		mirrors: mirrors,
	}
	a.publishers = a.buildPublishers()

	if cfg.Rounds.Resume {
		if err := a.resume(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) resume() error {
	round, params, ok, err := a.Store.LoadLatestParameters()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if !ok {
		a.Logger.Info("resume requested, no checkpoint found")
		return nil
	}
	var canonical []byte
	if latest, found, err := a.Store.LoadLatest(); err == nil && found {
		if path, has := latest.Files[a.Store.Formats()[0]]; has {
			canonical, _ = os.ReadFile(path)
		}
	}
	a.Coordinator.SetGlobal(round, params, canonical)

	if last, has := a.Ledger.Last(); !has || last.Round < round {
		var ledgerRound uint64
		if has {
			ledgerRound = uint64(last.Round)
		}
		a.Logger.Warn("checkpoint has no ledger entry; the round was cut short after saving",
			zap.Uint64("checkpoint_round", uint64(round)),
			zap.Uint64("ledger_round", ledgerRound),
		)
	}
	return nil
}

func (a *App) buildPublishers() []publish.Publisher {
	var out []publish.Publisher
	if t, ok := a.Config.PublishTarget(a.Logger); ok {
		g, err := publish.NewGitHub(t, nil, a.Logger)
		if err != nil {
			a.Logger.Warn("artifact publishing disabled", zap.Error(err))
		} else {
			out = append(out, g)
		}
	}
	if dir := a.Config.Publish.Dir; dir != "" {
		d, err := publish.NewDir(dir)
		if err != nil {
			a.Logger.Warn("artifact copy disabled", zap.String("dir", dir), zap.Error(err))
		} else {
			out = append(out, d)
		}
	}
	return out
}

func (a *App) NewRunner(pool *rounds.Pool) *rounds.Runner {
	rc := a.Config.Rounds
	return rounds.NewRunner(a.Coordinator, pool, rounds.Options{
		Rounds:     rc.Count,
		Timeout:    rc.Timeout,
		MinFit:     rc.MinFit,
		CohortSize: rc.CohortSize,
		Logger:     a.Logger,
	})
}

// Publish hands the latest checkpoint to every configured publisher.
// Failures are logged only.
func (a *App) Publish(ctx context.Context) {
	if len(a.publishers) == 0 {
		return
	}
	latest, ok, err := a.Store.LoadLatest()
	if err != nil || !ok {
		a.Logger.Warn("nothing to publish", zap.Error(err))
		return
	}
	for _, p := range a.publishers {
		if err := p.Publish(ctx, latest); err != nil {
			a.Logger.Warn("publish failed", zap.Uint64("round", uint64(latest.Round)), zap.Error(err))
		}
	}
}

// Close drains pending mirror pushes and releases mirror connections.
func (a *App) Close() error {
	return errors.Join(a.Ledger.Close(), a.mirrors.Close())
}
