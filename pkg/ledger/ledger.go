// Package ledger keeps the append-only provenance journal: one entry per
// evaluated round, persisted locally by full atomic rewrite and copied on a
// best-effort basis to remote mirrors.
//
// The whole journal is rewritten on every append. That is fine for the
// round counts this system runs; a long-lived deployment should move to an
// incremental log with periodic compaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/fsutil"
	"github.com/ryandielhenn/fedledger/internal/telemetry"
	"github.com/ryandielhenn/fedledger/pkg/fl"
)

var ErrClosed = errors.New("ledger: closed")

// Mirror receives a full snapshot of the journal after each local append.
type Mirror interface {
	Name() string
	// Push replaces the remote document with doc, which holds entries records.
	Push(ctx context.Context, doc []byte, entries int) error
}

type Options struct {
	// Resume loads an existing journal and keeps appending to it. Without
	// it the run starts empty and the first append replaces the old file.
	Resume  bool
	Mirrors []Mirror
	// Async hands snapshots to per-mirror workers instead of pushing inline.
	Async         bool
	MirrorTimeout time.Duration
	Logger        *zap.Logger
}

// Ledger is safe for concurrent use; appends are serialized.
type Ledger struct {
	path    string
	logger  *zap.Logger
	mirrors mirrorSink

	mu      sync.Mutex
	entries []Entry
	closed  bool
}

// Open prepares the journal at path, creating its directory if needed.
func Open(path string, opts Options) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger: journal path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ledger"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create journal dir: %v", fl.ErrStorage, err)
	}

	l := &Ledger{path: path, logger: logger}
	if opts.Resume {
		entries, err := Load(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		l.entries = entries
		logger.Info("journal resumed", zap.String("path", path), zap.Int("entries", len(entries)))
	}
	telemetry.LedgerEntries.Set(float64(len(l.entries)))

	timeout := opts.MirrorTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.Async {
		l.mirrors = newDispatcher(opts.Mirrors, timeout, logger)
	} else {
		l.mirrors = &syncSink{mirrors: opts.Mirrors, timeout: timeout, logger: logger}
	}
	return l, nil
}

// Load reads a journal document.
func Load(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%w: parse journal %s: %v", fl.ErrStorage, path, err)
	}
	return entries, nil
}

func (l *Ledger) Path() string { return l.path }

// Append records e, persists the journal and hands the snapshot to the
// mirrors. Only local failures are returned; the entry is not kept when the
// journal cannot be written.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if n := len(l.entries); n > 0 && e.Round < l.entries[n-1].Round {
		return fmt.Errorf("%w: round %d after round %d", fl.ErrRoundRegression, e.Round, l.entries[n-1].Round)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.NodeAccuracies == nil {
		e.NodeAccuracies = map[fl.ParticipantID]float64{}
	}

	next := append(l.entries[:len(l.entries):len(l.entries)], e.clone())
	doc, err := json.MarshalIndent(next, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: encode journal: %v", fl.ErrStorage, err)
	}
	if err := fsutil.WriteFileAtomic(l.path, doc, 0o644); err != nil {
		return fmt.Errorf("%w: write journal: %v", fl.ErrStorage, err)
	}
	l.entries = next
	telemetry.LedgerEntries.Set(float64(len(next)))
	l.logger.Info("ledger entry appended",
		zap.Uint64("round", uint64(e.Round)),
		zap.Float64("global_accuracy", e.GlobalAccuracy),
		zap.Int("entries", len(next)),
	)

	l.mirrors.publish(ctx, doc, len(next))
	return nil
}

// Entries returns a copy of the journal in append order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Last returns the most recent entry.
func (l *Ledger) Last() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1].clone(), true
}

// Close stops accepting appends and waits for queued mirror pushes.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.mirrors.close()
	return nil
}
