package app

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/config"
	"github.com/ryandielhenn/fedledger/pkg/checkpoint"
	"github.com/ryandielhenn/fedledger/pkg/fl"
	"github.com/ryandielhenn/fedledger/pkg/ledger"
	"github.com/ryandielhenn/fedledger/pkg/mirror"
	"github.com/ryandielhenn/fedledger/pkg/participant"
	"github.com/ryandielhenn/fedledger/pkg/provenance"
	"github.com/ryandielhenn/fedledger/pkg/rounds"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.Ledger.Path = filepath.Join(dir, "data", "ledger.json")
	cfg.Ledger.AccuracyLog = filepath.Join(dir, "accuracies.txt")
	cfg.Publish.Dir = filepath.Join(dir, "published")
	cfg.Provenance.Mode = provenance.ModeCID
	cfg.Rounds.Count = 2
	cfg.Mirrors = []mirror.Target{{Name: "mem", Kind: mirror.KindMemory, Enabled: true, Owner: "lab", Collection: "fl"}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func pool(t *testing.T) *rounds.Pool {
	t.Helper()
	p := rounds.NewPool(3, nil)
	for i, id := range []fl.ParticipantID{"p1", "p2"} {
		d := participant.Synthetic(rand.New(rand.NewPCG(uint64(i), 1)), 100, 4, float64(i))
		l, err := participant.NewLocal(id, d, participant.LocalOptions{Seed: uint64(i)})
		require.NoError(t, err)
		p.Add(l, id.String())
	}
	return p
}

func TestRunPublishAndResume(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = a.NewRunner(pool(t)).Run(ctx)
	require.NoError(t, err)
	a.Publish(ctx)
	require.NoError(t, a.Close())

	entries, err := ledger.Load(cfg.Ledger.Path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	published, err := os.ReadDir(cfg.Publish.Dir)
	require.NoError(t, err)
	assert.Len(t, published, 2)

	cfg.Rounds.Resume = true
	cfg.Rounds.Count = 1
	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	round, params := b.Coordinator.Global()
	assert.Equal(t, fl.Round(2), round)
	assert.Equal(t, "[4 1] [1]", params.Shapes())
	assert.Equal(t, 2, b.Ledger.Len())

	reports, err := b.NewRunner(pool(t)).Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, fl.Round(3), reports[0].Round)
	assert.Equal(t, 3, b.Ledger.Len())
}

func TestFreshRunsShareCheckpointDir(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	for run := range 2 {
		a, err := New(cfg, zap.NewNop())
		require.NoError(t, err)
		reports, err := a.NewRunner(pool(t)).Run(ctx)
		require.NoError(t, err, "run %d", run+1)
		require.Len(t, reports, 2)
		assert.Equal(t, fl.Round(1), reports[0].Round)
		require.NoError(t, a.Close())
	}

	entries, err := ledger.Load(cfg.Ledger.Path)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "a fresh run replaces the journal")

	archived, err := os.ReadDir(filepath.Join(cfg.Checkpoint.Dir, checkpoint.ArchiveDir))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	files, err := os.ReadDir(filepath.Join(cfg.Checkpoint.Dir, checkpoint.ArchiveDir, archived[0].Name()))
	require.NoError(t, err)
	assert.Len(t, files, 4, "both rounds of the first run in both formats")
}
