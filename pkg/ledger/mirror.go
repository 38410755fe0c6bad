package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fedledger/internal/telemetry"
	"github.com/ryandielhenn/fedledger/pkg/fl"
)

type mirrorSink interface {
	publish(ctx context.Context, doc []byte, entries int)
	close()
}

// push runs one mirror attempt. Failures are logged and counted, never
// retried and never returned to the appender.
func push(ctx context.Context, m Mirror, doc []byte, entries int, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.Push(ctx, doc, entries)
	telemetry.MirrorPushes.WithLabelValues(m.Name(), telemetry.Status(err)).Inc()
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", fl.ErrMirrorSync, m.Name(), err)
		logger.Warn("ledger mirror push failed", zap.String("mirror", m.Name()), zap.Int("entries", entries), zap.Error(err))
		return
	}
	logger.Info("ledger mirrored", zap.String("mirror", m.Name()), zap.Int("entries", entries))
}

// syncSink pushes inline, one mirror after another, inside the append.
type syncSink struct {
	mirrors []Mirror
	timeout time.Duration
	logger  *zap.Logger
}

func (s *syncSink) publish(ctx context.Context, doc []byte, entries int) {
	for _, m := range s.mirrors {
		push(ctx, m, doc, entries, s.timeout, s.logger)
	}
}

func (s *syncSink) close() {}

type snapshot struct {
	doc     []byte
	entries int
}

// dispatcher runs one worker per mirror. Each worker holds at most one
// pending snapshot; a newer snapshot replaces an unsent one because every
// snapshot carries the whole journal.
type dispatcher struct {
	workers []*mirrorWorker
	wg      sync.WaitGroup
}

type mirrorWorker struct {
	mirror  Mirror
	pending chan snapshot
}

func newDispatcher(mirrors []Mirror, timeout time.Duration, logger *zap.Logger) *dispatcher {
	d := &dispatcher{}
	for _, m := range mirrors {
		w := &mirrorWorker{mirror: m, pending: make(chan snapshot, 1)}
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for snap := range w.pending {
				// detached from the append's context: the round may
				// already have moved on
				push(context.Background(), w.mirror, snap.doc, snap.entries, timeout, logger)
			}
		}()
	}
	return d
}

func (d *dispatcher) publish(_ context.Context, doc []byte, entries int) {
	snap := snapshot{doc: doc, entries: entries}
	for _, w := range d.workers {
		select {
		case w.pending <- snap:
		default:
			// drop the stale snapshot, then queue the fresh one
			select {
			case <-w.pending:
			default:
			}
			select {
			case w.pending <- snap:
			default:
			}
		}
	}
}

func (d *dispatcher) close() {
	for _, w := range d.workers {
		close(w.pending)
	}
	d.wg.Wait()
}
