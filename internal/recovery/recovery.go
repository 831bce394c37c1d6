package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"analyticdb/internal/table"
	"analyticdb/pkg/config"
	"analyticdb/pkg/manifest"
	"analyticdb/pkg/types"
	"analyticdb/pkg/wal"
)

var ErrTableSkipped = errors.New("table is dropped")

// Manifest is the state source of recovered tables.
type Manifest interface {
	Load(ctx context.Context, id types.TableID) (manifest.TableState, error)
}

// Files lists and deletes the SST objects of a table.
type Files interface {
	List(ctx context.Context, table types.TableID) ([]types.FileID, error)
	Delete(ctx context.Context, table types.TableID, file types.FileID) error
}

// Builder creates the in-memory table of a persisted state and registers it
// wherever the caller keeps tables.
type Builder func(st manifest.TableState) (*table.Table, error)

// Discard undoes a Builder call for a table whose recovery failed.
type Discard func(t *table.Table)

type Options struct {
	Mode              config.RecoverMode
	ReplayBatchSize   int
	MaxTablesPerBatch int
}

// Report lists the outcome per table. Tables in Failed stay unavailable.
type Report struct {
	Recovered []types.TableID
	Failed    map[types.TableID]error
	// Batches are the table groups replayed together in shard based mode.
	Batches [][]types.TableID
	Took    time.Duration
}

type Recoverer struct {
	manifest Manifest
	wal      wal.Manager
	files    Files
	build    Builder
	discard  Discard
	opts     Options

	mu     sync.Mutex
	report *Report
}

func New(m Manifest, w wal.Manager, files Files, build Builder, discard Discard, opts Options) *Recoverer {
	if opts.ReplayBatchSize <= 0 {
		opts.ReplayBatchSize = 500
	}
	if opts.MaxTablesPerBatch <= 0 {
		opts.MaxTablesPerBatch = 64
	}
	if opts.Mode == "" {
		opts.Mode = config.RecoverTableBased
	}
	if discard == nil {
		discard = func(t *table.Table) { t.Close(false) }
	}
	return &Recoverer{
		manifest: m,
		wal:      w,
		files:    files,
		build:    build,
		discard:  discard,
		opts:     opts,
	}
}

// Recover restores every table of ids. A failing table never stops the
// others, only a cancelled context does.
func (r *Recoverer) Recover(ctx context.Context, ids []types.TableID) (*Report, error) {
	started := time.Now()
	r.report = &Report{Failed: make(map[types.TableID]error)}

	var err error
	switch r.opts.Mode {
	case config.RecoverShardBased:
		err = r.recoverShardBased(ctx, ids)
	case config.RecoverTableBased:
		err = r.recoverTableBased(ctx, ids)
	default:
		return nil, fmt.Errorf("unknown recover mode %q", r.opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	rep := r.report
	rep.Took = time.Since(started)
	slices.Sort(rep.Recovered)
	slog.Info("recovery finished",
		"mode", r.opts.Mode, "recovered", len(rep.Recovered), "failed", len(rep.Failed), "took", rep.Took)
	return rep, nil
}

func (r *Recoverer) succeed(id types.TableID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Recovered = append(r.report.Recovered, id)
}

func (r *Recoverer) fail(id types.TableID, t *table.Table, err error) {
	if t != nil {
		r.discard(t)
	}
	slog.Error("table recovery failed", "table", id, "err", err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Failed[id] = err
}

func (r *Recoverer) recoverTableBased(ctx context.Context, ids []types.TableID) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := r.open(ctx, id)
		if errors.Is(err, ErrTableSkipped) {
			continue
		}
		if err != nil {
			r.fail(id, t, err)
			continue
		}
		if err := r.replayTable(ctx, t); err != nil {
			r.fail(id, t, err)
			continue
		}
		r.succeed(id)
	}
	return ctx.Err()
}

// open loads the manifest state of a table and builds it with its files.
func (r *Recoverer) open(ctx context.Context, id types.TableID) (*table.Table, error) {
	st, err := r.manifest.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if st.Dropped {
		return nil, ErrTableSkipped
	}

	t, err := r.build(st)
	if err != nil {
		return nil, fmt.Errorf("build table: %w", err)
	}
	t.Restore(st.SortedFiles(), st.FlushedSeq, st.NextFileID)
	r.wal.Observe(id, st.FlushedSeq)

	if err := r.purgeOrphans(ctx, st); err != nil {
		// orphans are harmless, they are retried at the next start
		slog.Warn("failed to purge orphan ssts", "table", id, "err", err)
	}
	return t, nil
}

// purgeOrphans deletes objects written by flushes or compactions whose
// manifest edit never became durable.
func (r *Recoverer) purgeOrphans(ctx context.Context, st manifest.TableState) error {
	stored, err := r.files.List(ctx, st.TableID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range stored {
		if _, ok := st.Files[id]; ok {
			continue
		}
		slog.Info("deleting orphan sst", "table", st.TableID, "file", id)
		if err := r.files.Delete(ctx, st.TableID, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recoverer) replayTable(ctx context.Context, t *table.Table) error {
	it, err := r.wal.Replay(ctx, t.ID(), t.FlushedSeq()+1, r.opts.ReplayBatchSize)
	if err != nil {
		return fmt.Errorf("open wal replay: %w", err)
	}
	defer it.Close()

	replayed := 0
	for {
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read wal: %w", err)
		}
		for _, e := range batch {
			if err := apply(t, e); err != nil {
				return err
			}
			replayed++
		}
	}
	slog.Debug("table replayed", "table", t.ID(), "entries", replayed, "last_seq", t.LastSeq())
	return nil
}

// apply inserts one log entry into the active memtable. Entries at or
// below the last applied seq, the flushed watermark included, are skipped.
func apply(t *table.Table, e wal.Entry) error {
	if e.Seq <= t.LastSeq() {
		return nil
	}
	rows, err := wal.DecodeBatch(e.Payload)
	if err != nil {
		return fmt.Errorf("decode wal entry %d: %w", e.Seq, err)
	}
	if err := t.Apply(rows, e.Seq); err != nil {
		return fmt.Errorf("replay wal entry %d: %w", e.Seq, err)
	}
	return nil
}

func (r *Recoverer) recoverShardBased(ctx context.Context, ids []types.TableID) error {
	byShard := make(map[types.ShardID][]types.TableID)
	for _, id := range ids {
		s := r.wal.ShardOf(id)
		byShard[s] = append(byShard[s], id)
	}
	shards := make([]types.ShardID, 0, len(byShard))
	for s := range byShard {
		shards = append(shards, s)
	}
	slices.Sort(shards)

	for _, shard := range shards {
		for batch := range slices.Chunk(byShard[shard], r.opts.MaxTablesPerBatch) {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.report.Batches = append(r.report.Batches, slices.Clone(batch))
			r.recoverBatch(ctx, shard, batch)
		}
	}
	return ctx.Err()
}

// recoverBatch opens the tables of a batch concurrently and replays them
// from a single pass over their shard.
func (r *Recoverer) recoverBatch(ctx context.Context, shard types.ShardID, ids []types.TableID) {
	var (
		mu     sync.Mutex
		tables = make(map[types.TableID]*table.Table, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(ids))
	for _, id := range ids {
		g.Go(func() error {
			t, err := r.open(gctx, id)
			if errors.Is(err, ErrTableSkipped) {
				return nil
			}
			if err != nil {
				r.fail(id, t, err)
				return nil
			}
			mu.Lock()
			tables[id] = t
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(tables) == 0 {
		return
	}

	from := make(map[types.TableID]types.SeqN, len(tables))
	for id, t := range tables {
		from[id] = t.FlushedSeq() + 1
	}

	if err := r.replayShard(ctx, shard, tables, from); err != nil {
		for id, t := range tables {
			r.fail(id, t, fmt.Errorf("replay shard %d: %w", shard, err))
		}
		return
	}
	for id := range tables {
		r.succeed(id)
	}
}

// replayShard demultiplexes the shard stream by table. A table failing to
// apply an entry is removed from tables and reported on its own.
func (r *Recoverer) replayShard(ctx context.Context, shard types.ShardID, tables map[types.TableID]*table.Table, from map[types.TableID]types.SeqN) error {
	it, err := r.wal.ReplayShard(ctx, shard, from, r.opts.ReplayBatchSize)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range batch {
			t, ok := tables[e.TableID]
			if !ok {
				continue
			}
			if err := apply(t, e); err != nil {
				delete(tables, e.TableID)
				r.fail(e.TableID, t, err)
			}
		}
	}
}
