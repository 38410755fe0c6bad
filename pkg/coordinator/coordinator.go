// Package coordinator combines each round's participant results into the
// new global state, checkpoints it and records the round in the provenance
// ledger.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/telemetry"
	"github.com/ryandielhenn/fedledger/pkg/aggregate"
	"github.com/ryandielhenn/fedledger/pkg/checkpoint"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/ledger"
	"github.com/ryandielhenn/fedledger/pkg/provenance"
)

const (
	phaseFit      = "fit"
	phaseEvaluate = "evaluate"
)

// Checkpointer is the slice of checkpoint.Store the coordinator writes to.
type Checkpointer interface {
	Save(round fl.Round, p fl.Parameters) (checkpoint.Saved, error)
}

// Journal is the slice of ledger.Ledger the coordinator appends to.
type Journal interface {
	Append(ctx context.Context, e ledger.Entry) error
	Last() (ledger.Entry, bool)
}

type Options struct {
	// Identifier defaults to simulated identifiers.
	Identifier provenance.Identifier
	// History, when set, receives every round's global accuracy.
	History *AccuracyLog
	Logger  *zap.Logger
	// Now stamps ledger entries. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator owns the global parameters. All methods are safe for
// concurrent use; mutations of the global slot are serialized.
type Coordinator struct {
	store   Checkpointer
	journal Journal
	ids     provenance.Identifier
	history *AccuracyLog
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	global    fl.Parameters
	round     fl.Round
	canonical []byte
	lastTx    string
}

func New(store Checkpointer, journal Journal, opts Options) *Coordinator {
	c := &Coordinator{
		store:   store,
		journal: journal,
		ids:     opts.Identifier,
		history: opts.History,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if c.ids == nil {
		c.ids = provenance.NewSimulated(nil)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "coordinator"))
	if c.now == nil {
		c.now = time.Now
	}
	if last, ok := journal.Last(); ok {
		c.lastTx = last.TransactionID
	}
	return c
}

// Global returns a copy of the current global parameters and the round that
// produced them. Round 0 means the parameters were seeded, not aggregated.
func (c *Coordinator) Global() (fl.Round, fl.Parameters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round, c.global.Clone()
}

// SetGlobal seeds the global slot before the first round, from a resumed
// checkpoint or from a participant's initial parameters. canonical is the
// checkpoint encoding when known and may be nil.
func (c *Coordinator) SetGlobal(round fl.Round, p fl.Parameters, canonical []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.round = round
	c.global = p.Clone()
	c.canonical = canonical
	c.logger.Info("global parameters seeded", zap.Uint64("round", uint64(round)), zap.String("shapes", p.Shapes()))
}

// AggregateFit combines the round's updates by sample-weighted average. The
// result is checkpointed before it becomes the global state, so a storage
// failure leaves the previous round authoritative. No updates means no
// result and no error.
func (c *Coordinator) AggregateFit(ctx context.Context, round fl.Round, updates []fl.Update, failures []fl.Failure) (*fl.AggregatedResult, error) {
	start := time.Now()
	defer func() { telemetry.AggregationDuration.WithLabelValues(phaseFit).Observe(time.Since(start).Seconds()) }()
	c.reportFailures(phaseFit, round, len(updates), failures)

	if len(updates) == 0 {
		c.logger.Warn("no fit results, round skipped", zap.Uint64("round", uint64(round)), zap.Int("failures", len(failures)))
		telemetry.RoundsTotal.WithLabelValues(phaseFit, "empty").Inc()
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	params, err := aggregate.WeightedAverage(updates)
	if err == nil && c.global != nil && !c.global.SameShape(params) {
		err = fmt.Errorf("%w: shapes %s differ from global %s", fl.ErrAggregation, params.Shapes(), c.global.Shapes())
	}
	if err != nil {
		c.logger.Error("fit aggregation failed", zap.Uint64("round", uint64(round)), zap.Error(err))
		telemetry.RoundsTotal.WithLabelValues(phaseFit, "failed").Inc()
		return nil, err
	}

	saved, err := c.store.Save(round, params)
	telemetry.CheckpointWrites.WithLabelValues(telemetry.Status(err)).Inc()
	if err != nil {
		c.logger.Error("checkpoint failed, global state unchanged", zap.Uint64("round", uint64(round)), zap.Error(err))
		telemetry.RoundsTotal.WithLabelValues(phaseFit, "failed").Inc()
		return nil, err
	}
	c.global = params
	c.round = round
	c.canonical = saved.Canonical

	metrics := aggregate.FitMetrics(updates)
	telemetry.RoundsTotal.WithLabelValues(phaseFit, "aggregated").Inc()
	c.logger.Info("fit aggregated",
		zap.Uint64("round", uint64(round)),
		zap.Int("updates", len(updates)),
		zap.String("shapes", params.Shapes()),
	)
	return &fl.AggregatedResult{
		Round:      round,
		Parameters: params.Clone(),
		Loss:       metrics["loss"],
		Metrics:    metrics,
	}, nil
}

// AggregateEvaluate combines the round's evaluation results and appends
// exactly one ledger entry for them. Loss is weighted over every result,
// accuracy over the results that report one. An empty result set returns
// zero loss and empty metrics without touching the ledger.
func (c *Coordinator) AggregateEvaluate(ctx context.Context, round fl.Round, results []fl.EvalResult, failures []fl.Failure) (float64, fl.Metrics, error) {
	start := time.Now()
	defer func() {
		telemetry.AggregationDuration.WithLabelValues(phaseEvaluate).Observe(time.Since(start).Seconds())
	}()
	c.reportFailures(phaseEvaluate, round, len(results), failures)

	ev, ok, err := aggregate.Evaluate(results)
	if err != nil {
		c.logger.Error("evaluation aggregation failed", zap.Uint64("round", uint64(round)), zap.Error(err))
		telemetry.RoundsTotal.WithLabelValues(phaseEvaluate, "failed").Inc()
		return 0, nil, err
	}
	if !ok {
		c.logger.Warn("no evaluation results", zap.Uint64("round", uint64(round)))
		telemetry.RoundsTotal.WithLabelValues(phaseEvaluate, "empty").Inc()
		return 0, fl.Metrics{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.entry(round, ev)
	if err != nil {
		telemetry.RoundsTotal.WithLabelValues(phaseEvaluate, "failed").Inc()
		return 0, nil, err
	}
	if err := c.journal.Append(ctx, entry); err != nil {
		c.logger.Error("ledger append failed", zap.Uint64("round", uint64(round)), zap.Error(err))
		telemetry.RoundsTotal.WithLabelValues(phaseEvaluate, "failed").Inc()
		return 0, nil, err
	}
	c.lastTx = entry.TransactionID
	telemetry.GlobalAccuracy.Set(ev.Accuracy)
	telemetry.RoundsTotal.WithLabelValues(phaseEvaluate, "aggregated").Inc()

	if c.history != nil {
		if err := c.history.Record(ev.Accuracy); err != nil {
			c.logger.Warn("accuracy history not written", zap.String("path", c.history.Path()), zap.Error(err))
		}
	}
	c.logger.Info("evaluation aggregated",
		zap.Uint64("round", uint64(round)),
		zap.Float64("loss", ev.Loss),
		zap.Float64("global_accuracy", ev.Accuracy),
		zap.Int("reporters", len(ev.NodeAccuracies)),
	)
	return ev.Loss, ev.Metrics, nil
}

// entry builds the round's ledger record. The transaction id covers the
// record without itself and chains to the previous entry's id.
func (c *Coordinator) entry(round fl.Round, ev aggregate.Evaluation) (ledger.Entry, error) {
	content := c.canonical
	if content == nil {
		// seeded parameters that were never checkpointed
		b, err := json.Marshal(c.global)
		if err != nil {
			return ledger.Entry{}, fmt.Errorf("encode parameters: %w", err)
		}
		content = b
	}
	contentID, err := c.ids.ContentID(content)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("content id: %w", err)
	}
	e := ledger.Entry{
		Round:          round,
		Timestamp:      c.now(),
		GlobalAccuracy: ev.Accuracy,
		ContentID:      contentID,
		Notes:          ledger.RoundNotes(round),
		NodeAccuracies: ev.NodeAccuracies,
	}
	record, err := json.Marshal(e)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("encode entry: %w", err)
	}
	if e.TransactionID, err = c.ids.TransactionID(c.lastTx, record); err != nil {
		return ledger.Entry{}, fmt.Errorf("transaction id: %w", err)
	}
	return e, nil
}

func (c *Coordinator) reportFailures(phase string, round fl.Round, ok int, failures []fl.Failure) {
	telemetry.ParticipantResults.WithLabelValues(phase, "ok").Add(float64(ok))
	telemetry.ParticipantResults.WithLabelValues(phase, "failed").Add(float64(len(failures)))
	for _, f := range failures {
		c.logger.Warn("participant failed",
			zap.String("phase", phase),
			zap.Uint64("round", uint64(round)),
			zap.String("participant", f.Participant.String()),
			zap.Error(f.Err),
		)
	}
}
