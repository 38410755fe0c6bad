package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/fedledger/pkg/fl"
)

type recordingMirror struct {
	name string
	err  error

	mu    sync.Mutex
	docs  [][]byte
	sizes []int
}

func (m *recordingMirror) Name() string { return m.name }

func (m *recordingMirror) Push(_ context.Context, doc []byte, entries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	m.sizes = append(m.sizes, entries)
	return m.err
}

func (m *recordingMirror) pushes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.sizes...)
}

func entry(round fl.Round) Entry {
	return Entry{
		Round:          round,
		GlobalAccuracy: 0.5,
		ContentID:      "Qm-test",
		TransactionID:  "0x-test",
		Notes:          RoundNotes(round),
		NodeAccuracies: map[fl.ParticipantID]float64{"a": 0.5},
	}
}

func TestAppendThenReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := Open(path, Options{})
	require.NoError(t, err)

	const n = 5
	for r := fl.Round(1); r <= n; r++ {
		require.NoError(t, l.Append(context.Background(), entry(r)))
	}
	require.NoError(t, l.Close())

	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, e := range got {
		assert.Equal(t, fl.Round(i+1), e.Round)
		assert.Equal(t, RoundNotes(e.Round), e.Notes)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestJournalSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := Open(path, Options{})
	require.NoError(t, err)
	e := entry(1)
	e.NodeAccuracies = nil
	require.NoError(t, l.Append(context.Background(), e))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &docs))
	require.Len(t, docs, 1)
	for _, key := range []string{"round", "timestamp", "global_accuracy", "content_id", "transaction_id", "notes", "node_accuracies"} {
		assert.Contains(t, docs[0], key)
	}
	assert.Equal(t, map[string]any{}, docs[0]["node_accuracies"])
	_, isString := docs[0]["timestamp"].(string)
	assert.True(t, isString)
}

func TestMirrorFailureDoesNotBlockLocalAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	broken := &recordingMirror{name: "broken", err: errors.New("401 bad credentials")}
	l, err := Open(path, Options{Mirrors: []Mirror{broken}})
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), entry(1)))

	before := l.Len()
	require.NoError(t, l.Append(context.Background(), entry(2)))
	assert.Equal(t, before+1, l.Len())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, got, before+1)
	// one attempt per append, no retries
	assert.Equal(t, []int{1, 2}, broken.pushes())
}

func TestMirrorsAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	first := &recordingMirror{name: "first", err: errors.New("timeout")}
	second := &recordingMirror{name: "second"}
	l, err := Open(path, Options{Mirrors: []Mirror{first, second}})
	require.NoError(t, err)

	require.NoError(t, l.Append(context.Background(), entry(1)))
	require.NoError(t, l.Append(context.Background(), entry(2)))

	assert.Equal(t, []int{1, 2}, first.pushes())
	assert.Equal(t, []int{1, 2}, second.pushes())

	local, err := os.ReadFile(path)
	require.NoError(t, err)
	second.mu.Lock()
	assert.Equal(t, local, second.docs[len(second.docs)-1])
	second.mu.Unlock()
}

func TestAsyncMirrorsDrainOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	m := &recordingMirror{name: "async"}
	l, err := Open(path, Options{Mirrors: []Mirror{m}, Async: true})
	require.NoError(t, err)

	for r := fl.Round(1); r <= 10; r++ {
		require.NoError(t, l.Append(context.Background(), entry(r)))
	}
	require.NoError(t, l.Close())

	pushes := m.pushes()
	require.NotEmpty(t, pushes)
	// snapshots may be coalesced but the final one always lands
	assert.Equal(t, 10, pushes[len(pushes)-1])
	for i := 1; i < len(pushes); i++ {
		assert.Greater(t, pushes[i], pushes[i-1])
	}
}

func TestAppendAfterClose(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.json"), Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Append(context.Background(), entry(1)), ErrClosed)
}

func TestRoundRegressionRejected(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.json"), Options{})
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), entry(3)))
	require.NoError(t, l.Append(context.Background(), entry(3)))

	err = l.Append(context.Background(), entry(2))
	assert.ErrorIs(t, err, fl.ErrRoundRegression)
	assert.Equal(t, 2, l.Len())
}

func TestLocalWriteFailureKeepsPreviousState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	path := filepath.Join(dir, "ledger.json")
	m := &recordingMirror{name: "m"}
	l, err := Open(path, Options{Mirrors: []Mirror{m}})
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), entry(1)))

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))

	err = l.Append(context.Background(), entry(2))
	assert.ErrorIs(t, err, fl.ErrStorage)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, []int{1}, m.pushes())
}

func TestResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), entry(1)))
	require.NoError(t, l.Append(context.Background(), entry(2)))
	require.NoError(t, l.Close())

	resumed, err := Open(path, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.Len())
	require.NoError(t, resumed.Append(context.Background(), entry(3)))
	last, ok := resumed.Last()
	require.True(t, ok)
	assert.Equal(t, fl.Round(3), last.Round)

	fresh, err := Open(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Len())
	require.NoError(t, fresh.Append(context.Background(), entry(1)))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEntriesReturnsCopy(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.json"), Options{})
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), entry(1)))

	got := l.Entries()
	got[0].NodeAccuracies["a"] = 99
	got[0].Notes = "tampered"

	again := l.Entries()
	assert.Equal(t, 0.5, again[0].NodeAccuracies["a"])
	assert.Equal(t, RoundNotes(1), again[0].Notes)
}
