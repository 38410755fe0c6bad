package rounds

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/pkg/checkpoint"
	"github.com/ryandielhenn/fedledger/pkg/coordinator"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/ledger"
	"github.com/ryandielhenn/fedledger/pkg/membership"
	"github.com/ryandielhenn/fedledger/pkg/participant"
)

type env struct {
	store  *checkpoint.Store
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.Open(filepath.Join(dir, "ckpt"), zap.NewNop())
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(dir, "ledger.json"), ledger.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return &env{store: store, ledger: l, coord: coordinator.New(store, l, coordinator.Options{})}
}

func local(t *testing.T, id string, seed uint64) *participant.Local {
	t.Helper()
	d := participant.Synthetic(rand.New(rand.NewPCG(seed, seed+1)), 120, 3, float64(seed%3))
	l, err := participant.NewLocal(fl.ParticipantID(id), d, participant.LocalOptions{Seed: seed})
	require.NoError(t, err)
	return l
}

// counting wraps a client and counts fit calls.
type counting struct {
	participant.Client
	fits atomic.Int32
}

func (c *counting) Fit(ctx context.Context, p fl.Parameters, cfg participant.Config) (fl.Update, error) {
	c.fits.Add(1)
	return c.Client.Fit(ctx, p, cfg)
}

type failing struct {
	participant.Client
}

func (failing) Fit(context.Context, fl.Parameters, participant.Config) (fl.Update, error) {
	return fl.Update{}, errors.New("connection refused")
}

func (failing) Evaluate(context.Context, fl.Parameters, participant.Config) (fl.EvalResult, error) {
	return fl.EvalResult{}, errors.New("connection refused")
}

type slow struct {
	participant.Client
}

func (slow) Fit(ctx context.Context, _ fl.Parameters, _ participant.Config) (fl.Update, error) {
	<-ctx.Done()
	return fl.Update{}, ctx.Err()
}

func TestRunCompletesRoundsInOrder(t *testing.T) {
	e := newEnv(t)
	pool := NewPool(3, nil)
	for i, id := range []string{"a", "b", "c"} {
		pool.Add(local(t, id, uint64(i+1)), id+":8080")
	}

	r := NewRunner(e.coord, pool, Options{Rounds: 3, Timeout: time.Second})
	reports, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for i, rep := range reports {
		assert.Equal(t, fl.Round(i+1), rep.Round)
		require.NotNil(t, rep.Fit)
		assert.Equal(t, 3, rep.Evaluated)
		assert.NoError(t, rep.Err)
	}

	entries := e.ledger.Entries()
	require.Len(t, entries, 3)
	assert.Len(t, entries[2].NodeAccuracies, 3)

	latest, ok, err := e.store.LoadLatest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fl.Round(3), latest.Round)
	assert.NotEmpty(t, r.RunID())
}

func TestRunContinuesFromCoordinatorRound(t *testing.T) {
	e := newEnv(t)
	pool := NewPool(3, nil)
	a := local(t, "a", 1)
	pool.Add(a, "a")
	p, err := a.GetParameters(context.Background())
	require.NoError(t, err)
	e.coord.SetGlobal(5, p, nil)

	reports, err := NewRunner(e.coord, pool, Options{Rounds: 2}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, fl.Round(6), reports[0].Round)
	assert.Equal(t, fl.Round(7), reports[1].Round)
}

func TestFailingParticipantMarkedDead(t *testing.T) {
	e := newEnv(t)
	pool := NewPool(2, nil)
	pool.Add(local(t, "a", 1), "a")
	pool.Add(failing{local(t, "z", 2)}, "z")

	reports, err := NewRunner(e.coord, pool, Options{Rounds: 4}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 4)

	assert.Len(t, reports[0].FitFailures, 1)
	assert.Len(t, reports[1].FitFailures, 1)
	assert.Empty(t, reports[2].FitFailures, "dead participant must be skipped")
	assert.Empty(t, reports[3].FitFailures)

	var z membership.Member
	for _, m := range pool.Members() {
		if m.ID == "z" {
			z = m
		}
	}
	assert.Equal(t, membership.StateDead, z.State)

	entries := e.ledger.Entries()
	require.Len(t, entries, 4)
	assert.NotContains(t, entries[0].NodeAccuracies, fl.ParticipantID("z"))
}

func TestTimeoutBecomesFailure(t *testing.T) {
	e := newEnv(t)
	pool := NewPool(5, nil)
	pool.Add(local(t, "a", 1), "a")
	pool.Add(slow{local(t, "s", 2)}, "s")

	reports, err := NewRunner(e.coord, pool, Options{Rounds: 1, Timeout: 50 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports[0].FitFailures, 1)
	assert.ErrorIs(t, reports[0].FitFailures[0].Err, context.DeadlineExceeded)
	require.NotNil(t, reports[0].Fit)
}

func TestCohortLimitsParticipants(t *testing.T) {
	e := newEnv(t)
	pool := NewPool(3, nil)
	var clients []*counting
	for i, id := range []string{"a", "b", "c", "d"} {
		c := &counting{Client: local(t, id, uint64(i+1))}
		clients = append(clients, c)
		pool.Add(c, id)
	}

	_, err := NewRunner(e.coord, pool, Options{Rounds: 5, CohortSize: 2}).Run(context.Background())
	require.NoError(t, err)

	var total int32
	for _, c := range clients {
		total += c.fits.Load()
	}
	assert.Equal(t, int32(10), total)
}

func TestMinFitSkipsAggregation(t *testing.T) {
	e := newEnv(t)
	pool := NewPool(3, nil)
	pool.Add(local(t, "a", 1), "a")

	reports, err := NewRunner(e.coord, pool, Options{Rounds: 1, MinFit: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reports[0].Fit)

	_, ok, err := e.store.LoadLatest()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, e.ledger.Len(), "evaluation of the unchanged model is still recorded")
}

func TestRunWithoutParticipants(t *testing.T) {
	e := newEnv(t)
	_, err := NewRunner(e.coord, NewPool(3, nil), Options{Rounds: 1}).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func reg(addr string, epoch int64) membership.Registration {
	return membership.Registration{Addr: addr, Epoch: epoch}
}

func TestPoolSync(t *testing.T) {
	dialed := map[fl.ParticipantID]string{}
	pool := NewPool(3, func(id fl.ParticipantID, addr string) participant.Client {
		dialed[id] = addr
		return failing{Client: stubID(id)}
	})

	pool.Sync(map[fl.ParticipantID]membership.Registration{"a": reg("a:1", 1), "b": reg("b:1", 1)})
	assert.Equal(t, 2, pool.Len())

	pool.Sync(map[fl.ParticipantID]membership.Registration{"a": reg("a:2", 1)})
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, "a:2", dialed["a"])
}

func TestPoolSync_ReRegistrationRevivesDead(t *testing.T) {
	dials := 0
	pool := NewPool(1, func(id fl.ParticipantID, addr string) participant.Client {
		dials++
		return stubID(id)
	})
	pool.Sync(map[fl.ParticipantID]membership.Registration{"a": reg("a:1", 1)})
	pool.observe("a", errors.New("unreachable"))
	require.Empty(t, pool.cohort(1, 0))

	pool.Sync(map[fl.ParticipantID]membership.Registration{"a": reg("a:1", 1)})
	assert.Empty(t, pool.cohort(2, 0), "unchanged registration keeps the member dead")
	assert.Equal(t, 1, dials)

	pool.Sync(map[fl.ParticipantID]membership.Registration{"a": reg("a:1", 2)})
	assert.Len(t, pool.cohort(3, 0), 1)
	assert.Equal(t, 2, dials)
}

func TestPoolSync_WithoutDialer(t *testing.T) {
	pool := NewPool(1, nil)
	pool.Add(stubID("a"), "in-process")
	pool.observe("a", errors.New("boom"))

	pool.Sync(map[fl.ParticipantID]membership.Registration{"a": reg("in-process", 1), "b": reg("b:1", 1)})
	assert.Len(t, pool.cohort(1, 0), 1, "known client revived")
	assert.Len(t, pool.Members(), 1, "unknown participant without a dialer is not admitted")
}

type stubID fl.ParticipantID

func (s stubID) ID() fl.ParticipantID { return fl.ParticipantID(s) }
func (stubID) GetParameters(context.Context) (fl.Parameters, error) {
	return nil, errors.New("stub")
}
func (stubID) Fit(context.Context, fl.Parameters, participant.Config) (fl.Update, error) {
	return fl.Update{}, errors.New("stub")
}
func (stubID) Evaluate(context.Context, fl.Parameters, participant.Config) (fl.EvalResult, error) {
	return fl.EvalResult{}, errors.New("stub")
}
