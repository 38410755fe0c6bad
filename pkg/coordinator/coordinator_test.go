package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/pkg/checkpoint"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/ledger"
	"github.com/ryandielhenn/fedledger/pkg/provenance"
)

type harness struct {
	dir    string
	store  *checkpoint.Store
	ledger *ledger.Ledger
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.Open(filepath.Join(dir, "checkpoints"), zap.NewNop())
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(dir, "ledger.json"), ledger.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	history, err := NewAccuracyLog(filepath.Join(dir, "accuracies.txt"))
	require.NoError(t, err)
	c := New(store, l, Options{
		Identifier: provenance.ContentAddressed{},
		History:    history,
		Now:        func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	return &harness{dir: dir, store: store, ledger: l, coord: c}
}

func params(vals ...float64) fl.Parameters {
	return fl.Parameters{{Shape: []int{len(vals)}, Data: vals}}
}

func update(id string, n int64, vals ...float64) fl.Update {
	return fl.Update{Participant: fl.ParticipantID(id), Parameters: params(vals...), SampleCount: n}
}

func eval(id string, n int64, loss float64, acc *float64) fl.EvalResult {
	r := fl.EvalResult{Participant: fl.ParticipantID(id), Loss: loss, SampleCount: n, Metrics: fl.Metrics{}}
	if acc != nil {
		r.Metrics[fl.MetricAccuracy] = *acc
	}
	return r
}

func ptr(v float64) *float64 { return &v }

func TestAggregateFitCheckpointsAndAdvances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.coord.AggregateFit(ctx, 1, []fl.Update{
		update("a", 100, 1, 2),
		update("b", 300, 3, 4),
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.InDeltaSlice(t, []float64{2.5, 3.5}, res.Parameters[0].Data, 1e-12)

	round, global := h.coord.Global()
	assert.Equal(t, fl.Round(1), round)
	assert.Equal(t, res.Parameters, global)

	latest, ok, err := h.store.LoadLatest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fl.Round(1), latest.Round)
	assert.Len(t, latest.Files, 2)
}

func TestAggregateFitEmptyIsNotAnError(t *testing.T) {
	h := newHarness(t)

	res, err := h.coord.AggregateFit(context.Background(), 1, nil, []fl.Failure{{Participant: "a", Err: errors.New("timeout")}})
	require.NoError(t, err)
	assert.Nil(t, res)

	_, ok, err := h.store.LoadLatest()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, h.ledger.Len())
}

func TestAggregateFitShapeMismatchKeepsGlobal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.AggregateFit(ctx, 1, []fl.Update{update("a", 10, 1, 1)}, nil)
	require.NoError(t, err)

	_, err = h.coord.AggregateFit(ctx, 2, []fl.Update{update("a", 10, 1, 1), update("b", 10, 1, 1, 1)}, nil)
	assert.ErrorIs(t, err, fl.ErrAggregation)

	_, err = h.coord.AggregateFit(ctx, 2, []fl.Update{update("a", 10, 1, 1, 1)}, nil)
	assert.ErrorIs(t, err, fl.ErrAggregation, "layout must stay fixed for the run")

	round, global := h.coord.Global()
	assert.Equal(t, fl.Round(1), round)
	assert.Equal(t, params(1, 1), global)

	latest, _, err := h.store.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, fl.Round(1), latest.Round)
}

type brokenStore struct{}

func (brokenStore) Save(fl.Round, fl.Parameters) (checkpoint.Saved, error) {
	return checkpoint.Saved{}, errors.Join(fl.ErrStorage, errors.New("disk full"))
}

func TestAggregateFitStorageFailureKeepsGlobal(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"), ledger.Options{})
	require.NoError(t, err)
	c := New(brokenStore{}, l, Options{})
	c.SetGlobal(0, params(9, 9), nil)

	_, err = c.AggregateFit(context.Background(), 1, []fl.Update{update("a", 10, 1, 1)}, nil)
	assert.ErrorIs(t, err, fl.ErrStorage)

	round, global := c.Global()
	assert.Equal(t, fl.Round(0), round)
	assert.Equal(t, params(9, 9), global)
}

func TestAggregateEvaluateAppendsOneEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.coord.AggregateFit(ctx, 1, []fl.Update{update("a", 100, 1)}, nil)
	require.NoError(t, err)

	loss, metrics, err := h.coord.AggregateEvaluate(ctx, 1, []fl.EvalResult{
		eval("a", 100, 0.5, ptr(0.8)),
		eval("b", 300, 0.3, ptr(0.7)),
	}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, loss, 1e-12)
	assert.InDelta(t, 0.725, metrics[fl.MetricAccuracy], 1e-12)

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, fl.Round(1), e.Round)
	assert.InDelta(t, 0.725, e.GlobalAccuracy, 1e-12)
	assert.Equal(t, "Aggregated metrics for round 1", e.Notes)
	assert.Equal(t, map[fl.ParticipantID]float64{"a": 0.8, "b": 0.7}, e.NodeAccuracies)
	assert.Regexp(t, `^b[a-z2-7]+$`, e.ContentID)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, e.TransactionID)

	history, err := os.ReadFile(filepath.Join(h.dir, "accuracies.txt"))
	require.NoError(t, err)
	got, err := strconv.ParseFloat(strings.TrimSpace(string(history)), 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.725, got, 1e-12)
}

func TestAggregateEvaluatePartialAccuracy(t *testing.T) {
	h := newHarness(t)

	_, metrics, err := h.coord.AggregateEvaluate(context.Background(), 1, []fl.EvalResult{
		eval("a", 100, 0.5, ptr(0.8)),
		eval("b", 300, 0.3, nil),
	}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, metrics[fl.MetricAccuracy], 1e-12)

	e, ok := h.ledger.Last()
	require.True(t, ok)
	assert.Equal(t, map[fl.ParticipantID]float64{"a": 0.8}, e.NodeAccuracies)
}

func TestAggregateEvaluateWithoutAccuracy(t *testing.T) {
	h := newHarness(t)

	loss, metrics, err := h.coord.AggregateEvaluate(context.Background(), 1, []fl.EvalResult{eval("a", 10, 0.4, nil)}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, loss, 1e-12)
	assert.Empty(t, metrics)

	e, ok := h.ledger.Last()
	require.True(t, ok)
	assert.Zero(t, e.GlobalAccuracy)
	assert.Empty(t, e.NodeAccuracies)
}

func TestAggregateEvaluateEmpty(t *testing.T) {
	h := newHarness(t)

	loss, metrics, err := h.coord.AggregateEvaluate(context.Background(), 1, nil, []fl.Failure{{Participant: "a", Err: errors.New("gone")}})
	require.NoError(t, err)
	assert.Zero(t, loss)
	assert.NotNil(t, metrics)
	assert.Empty(t, metrics)
	assert.Zero(t, h.ledger.Len())
}

func TestTransactionIDsChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for r := fl.Round(1); r <= 2; r++ {
		_, err := h.coord.AggregateFit(ctx, r, []fl.Update{update("a", 10, float64(r))}, nil)
		require.NoError(t, err)
		_, _, err = h.coord.AggregateEvaluate(ctx, r, []fl.EvalResult{eval("a", 10, 0.1, ptr(0.9))}, nil)
		require.NoError(t, err)
	}
	entries := h.ledger.Entries()
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].ContentID, entries[1].ContentID)
	assert.NotEqual(t, entries[0].TransactionID, entries[1].TransactionID)
}

func TestAggregateEvaluateRejectsRegression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _, err := h.coord.AggregateEvaluate(ctx, 3, []fl.EvalResult{eval("a", 10, 0.1, nil)}, nil)
	require.NoError(t, err)

	_, _, err = h.coord.AggregateEvaluate(ctx, 2, []fl.EvalResult{eval("a", 10, 0.1, nil)}, nil)
	assert.ErrorIs(t, err, fl.ErrRoundRegression)
	assert.Equal(t, 1, h.ledger.Len())
}
