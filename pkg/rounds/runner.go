// Package rounds drives the synchronous round loop: distribute the global
// parameters, collect fit updates, aggregate and checkpoint, then collect
// evaluations and record the round in the ledger. Round N finishes before
// round N+1 starts.
package rounds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/fedledger/internal/telemetry"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/participant"
)

var ErrNoParticipants = errors.New("rounds: no eligible participants")

// Aggregator is the coordinator as the runner sees it.
type Aggregator interface {
	Global() (fl.Round, fl.Parameters)
	SetGlobal(round fl.Round, p fl.Parameters, canonical []byte)
	AggregateFit(ctx context.Context, round fl.Round, updates []fl.Update, failures []fl.Failure) (*fl.AggregatedResult, error)
	AggregateEvaluate(ctx context.Context, round fl.Round, results []fl.EvalResult, failures []fl.Failure) (float64, fl.Metrics, error)
}

type Options struct {
	Rounds int
	// Timeout bounds every participant call. Zero means no limit.
	Timeout time.Duration
	// MinFit is the fewest fit updates a round aggregates; below it the
	// round's fit is treated as empty.
	MinFit int
	// CohortSize limits participants per round. Zero means all.
	CohortSize int
	Logger     *zap.Logger
}

// Report summarizes one round.
type Report struct {
	Round       fl.Round
	Fit         *fl.AggregatedResult
	FitFailures []fl.Failure
	Loss        float64
	Metrics     fl.Metrics
	Evaluated   int
	EvalFailed  []fl.Failure
	Err         error
}

type Runner struct {
	agg    Aggregator
	pool   *Pool
	opts   Options
	runID  string
	logger *zap.Logger
}

func NewRunner(agg Aggregator, pool *Pool, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	runID := uuid.NewString()
	return &Runner{
		agg:    agg,
		pool:   pool,
		opts:   opts,
		runID:  runID,
		logger: opts.Logger.With(zap.String("component", "rounds"), zap.String("run_id", runID)),
	}
}

func (r *Runner) RunID() string { return r.runID }

// Initialize seeds the global parameters from the first eligible
// participant when the coordinator has none.
func (r *Runner) Initialize(ctx context.Context) error {
	if _, p := r.agg.Global(); p != nil {
		return nil
	}
	for _, c := range r.pool.cohort(0, 0) {
		callCtx, cancel := r.callContext(ctx)
		p, err := c.GetParameters(callCtx)
		cancel()
		if err != nil {
			r.logger.Warn("initial parameters unavailable", zap.String("participant", c.ID().String()), zap.Error(err))
			continue
		}
		r.agg.SetGlobal(0, p, nil)
		r.logger.Info("initial parameters from participant", zap.String("participant", c.ID().String()))
		return nil
	}
	return ErrNoParticipants
}

// Run executes opts.Rounds rounds after the coordinator's current round.
// A round whose aggregation fails is reported and skipped; storage and
// ledger errors stop the run.
func (r *Runner) Run(ctx context.Context) ([]Report, error) {
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}
	start, _ := r.agg.Global()
	r.logger.Info("run started", zap.Uint64("from_round", uint64(start)+1), zap.Int("rounds", r.opts.Rounds), zap.Int("participants", r.pool.Len()))

	reports := make([]Report, 0, r.opts.Rounds)
	for i := 1; i <= r.opts.Rounds; i++ {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := r.round(ctx, start+fl.Round(i))
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	r.logger.Info("run finished", zap.Int("rounds", len(reports)))
	return reports, nil
}

func (r *Runner) round(ctx context.Context, round fl.Round) (Report, error) {
	rep := Report{Round: round}
	log := r.logger.With(zap.Uint64("round", uint64(round)))
	telemetry.CurrentRound.Set(float64(round))

	cohort := r.pool.cohort(round, r.opts.CohortSize)
	if len(cohort) == 0 {
		rep.Err = ErrNoParticipants
		return rep, ErrNoParticipants
	}
	_, global := r.agg.Global()
	cfg := participant.Config{Round: round}

	updates, fitFailures := fanOut(ctx, r, cohort, true, func(ctx context.Context, c participant.Client) (fl.Update, error) {
		return c.Fit(ctx, global, cfg)
	})
	rep.FitFailures = fitFailures
	if len(updates) < r.opts.MinFit {
		log.Warn("too few fit updates", zap.Int("updates", len(updates)), zap.Int("min_fit", r.opts.MinFit))
		updates = nil
	}

	res, err := r.agg.AggregateFit(ctx, round, updates, fitFailures)
	rep.Fit = res
	switch {
	case errors.Is(err, fl.ErrAggregation):
		rep.Err = err
		return rep, nil
	case err != nil:
		rep.Err = err
		return rep, fmt.Errorf("round %d fit: %w", round, err)
	}
	if res != nil {
		global = res.Parameters
	}

	results, evalFailures := fanOut(ctx, r, cohort, false, func(ctx context.Context, c participant.Client) (fl.EvalResult, error) {
		return c.Evaluate(ctx, global, cfg)
	})
	rep.Evaluated, rep.EvalFailed = len(results), evalFailures

	rep.Loss, rep.Metrics, err = r.agg.AggregateEvaluate(ctx, round, results, evalFailures)
	switch {
	case errors.Is(err, fl.ErrAggregation):
		rep.Err = err
		return rep, nil
	case err != nil:
		rep.Err = err
		return rep, fmt.Errorf("round %d evaluate: %w", round, err)
	}
	log.Info("round complete",
		zap.Int("updates", len(updates)),
		zap.Int("evaluated", len(results)),
		zap.Float64("loss", rep.Loss),
		zap.Any("metrics", rep.Metrics),
	)
	return rep, nil
}

func (r *Runner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

// fanOut calls every client concurrently and splits the outcomes into
// results and failures, both in cohort order. With track set each outcome
// also counts toward the participant's membership state; only the fit phase
// does this, so failures count once per round.
func fanOut[T any](ctx context.Context, r *Runner, cohort []participant.Client, track bool, call func(context.Context, participant.Client) (T, error)) ([]T, []fl.Failure) {
	type outcome struct {
		val T
		err error
	}
	outcomes := make([]outcome, len(cohort))

	var g errgroup.Group
	for i, c := range cohort {
		g.Go(func() error {
			callCtx, cancel := r.callContext(ctx)
			defer cancel()
			v, err := call(callCtx, c)
			outcomes[i] = outcome{val: v, err: err}
			return nil // failures are collected, never abort the round
		})
	}
	_ = g.Wait()

	var (
		vals     []T
		failures []fl.Failure
	)
	for i, o := range outcomes {
		id := cohort[i].ID()
		if track {
			if state, changed := r.pool.observe(id, o.err); changed {
				r.logger.Info("participant state changed", zap.String("participant", id.String()), zap.Stringer("state", state))
			}
		}
		if o.err != nil {
			failures = append(failures, fl.Failure{Participant: id, Err: o.err})
			continue
		}
		vals = append(vals, o.val)
	}
	return vals, failures
}
