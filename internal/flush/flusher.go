package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"analyticdb/internal/table"
	"analyticdb/pkg/config"
	"analyticdb/pkg/iterator"
	"analyticdb/pkg/manifest"
	"analyticdb/pkg/memtable"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

const (
	defaultRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff     = 10 * time.Second
)

// Manifest records the file set changes of a flush.
type Manifest interface {
	AppendEdit(ctx context.Context, e manifest.Edit) (manifest.TableState, error)
}

// WAL is told which entries are persisted in SSTs.
type WAL interface {
	MarkDeleted(ctx context.Context, table types.TableID, seq types.SeqN) error
}

type FlusherOptions struct {
	// MaxRetry is the number of retries after the first failed attempt.
	MaxRetry      int
	RetryBackoff  time.Duration
	MaxBufferSize config.Size
}

// Flusher persists frozen memtables of a table, oldest first.
type Flusher struct {
	factory  *sst.Factory
	manifest Manifest
	wal      WAL
	opts     FlusherOptions
}

func NewFlusher(factory *sst.Factory, m Manifest, w WAL, opts FlusherOptions) *Flusher {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Flusher{factory: factory, manifest: m, wal: w, opts: opts}
}

// Flush freezes the active memtable of t and persists every frozen one.
// Exhausted retries make the table write-unavailable.
func (f *Flusher) Flush(ctx context.Context, t *table.Table) error {
	unlock := t.LockFlush()
	defer unlock()

	if t.Dropped() {
		return nil
	}
	if err := t.Fatal(); err != nil {
		return err
	}
	t.Freeze()

	for mt := t.OldestFrozen(); mt != nil; mt = t.OldestFrozen() {
		if err := f.flushWithRetry(ctx, t, mt); err != nil {
			if t.Dropped() || errors.Is(err, context.Canceled) {
				return err
			}
			fe := t.Fail(err)
			slog.Error("flush retries exhausted, table is write-unavailable",
				"table", t.ID(), "memtable", mt.ID(), "err", err)
			return fe
		}
	}
	return nil
}

func (f *Flusher) flushWithRetry(ctx context.Context, t *table.Table, mt *memtable.Memtable) error {
	backoff := f.opts.RetryBackoff
	var err error
	for attempt := 0; attempt <= f.opts.MaxRetry; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying flush", "table", t.ID(), "attempt", attempt, "backoff", backoff, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.Context().Done():
				return fmt.Errorf("%w: %d", table.ErrTableDropped, t.ID())
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRetryBackoff)
		}

		if err = f.flushMemtable(ctx, t, mt); err == nil {
			return nil
		}
		if ctx.Err() != nil || t.Dropped() {
			return err
		}
	}
	return err
}

func (f *Flusher) flushMemtable(ctx context.Context, t *table.Table, mt *memtable.Memtable) error {
	started := time.Now()
	flushedSeq := mt.MaxSeq()

	id := t.AllocFileID()
	rows := iterator.FromSeq(mt.Scan(types.FullRange(), types.MaxSeqN))
	meta, err := f.factory.Write(ctx, t.ID(), id, t.Schema(), rows, t.WriterOptions(f.opts.MaxBufferSize))
	if err != nil {
		return fmt.Errorf("write sst %d: %w", id, err)
	}

	edit := manifest.Edit{
		TableID:    t.ID(),
		AddFiles:   []sst.FileMeta{meta},
		FlushedSeq: flushedSeq,
		NextFileID: t.NextFileID(),
	}
	if _, err := f.manifest.AppendEdit(ctx, edit); err != nil {
		if derr := f.factory.Delete(context.WithoutCancel(ctx), t.ID(), id); derr != nil {
			slog.Warn("failed to delete unreferenced sst", "table", t.ID(), "file", id, "err", derr)
		}
		return fmt.Errorf("append flush edit: %w", err)
	}

	if err := t.InstallFlush(mt, &meta, flushedSeq); err != nil {
		return fmt.Errorf("install flushed memtable: %w", err)
	}
	if err := f.wal.MarkDeleted(ctx, t.ID(), flushedSeq); err != nil {
		// entries at or below the watermark are skipped at replay anyway
		slog.Warn("failed to mark wal entries deleted", "table", t.ID(), "seq", flushedSeq, "err", err)
	}

	slog.Info("memtable flushed",
		"table", t.ID(), "memtable", mt.ID(), "file", id, "rows", meta.Rows,
		"size", meta.Size, "flushed_seq", flushedSeq, "took", time.Since(started))
	return nil
}
