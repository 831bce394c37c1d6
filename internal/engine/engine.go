package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"analyticdb/internal/compaction"
	"analyticdb/internal/flush"
	"analyticdb/internal/recovery"
	"analyticdb/internal/table"
	"analyticdb/pkg/config"
	"analyticdb/pkg/manifest"
	"analyticdb/pkg/metrics"
	"analyticdb/pkg/objectstore"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
	"analyticdb/pkg/wal"
)

var (
	ErrClosed           = errors.New("engine is closed")
	ErrTableNotFound    = errors.New("table not found")
	ErrTableExists      = errors.New("table already exists")
	ErrSpaceNotFound    = errors.New("space not found")
	ErrTableUnavailable = errors.New("table failed to recover")
)

const (
	manifestDir = "manifest"
	sstDir      = "sst"
	walDir      = "wal"
)

type options struct {
	wal    wal.Manager
	store  objectstore.Store
	picker compaction.Picker
}

type Option func(*options)

// WithWAL injects a log backend, required for the remote WAL types.
func WithWAL(w wal.Manager) Option {
	return func(o *options) { o.wal = w }
}

// WithObjectStore replaces the store SSTs are kept in.
func WithObjectStore(s objectstore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPicker replaces the compaction input selection policy.
func WithPicker(p compaction.Picker) Option {
	return func(o *options) { o.picker = p }
}

// Engine is the storage core. It owns the tables of every space and the
// background flush, compaction and purge workers.
type Engine struct {
	cfg       config.EngineConfig
	root      string
	ephemeral bool
	namespace config.NamespaceConfig

	store     objectstore.Store
	factory   *sst.Factory
	wal       wal.Manager
	manifest  *manifest.Manifest
	purger    *table.Purger
	db        *table.Account
	flusher   *flush.Flusher
	flushCtl  *flush.Controller
	compactor *compaction.Scheduler
	metrics   *metrics.Registry

	ddlMu       sync.Mutex
	mu          sync.RWMutex
	spaces      map[types.SpaceID]*table.Space
	tables      map[types.TableID]*table.Table
	failed      map[types.TableID]error
	nextTableID types.TableID
	recovered   *recovery.Report

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Open validates cfg, recovers every table found in the manifest and starts
// the background workers.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ec := cfg.Engine
	e := &Engine{
		cfg:    ec,
		root:   ec.Storage.Root,
		spaces: make(map[types.SpaceID]*table.Space),
		tables: make(map[types.TableID]*table.Table),
		failed: make(map[types.TableID]error),

		metrics: metrics.NewRegistry(),
	}
	if e.root == "" {
		dir, err := os.MkdirTemp("", "analyticdb-")
		if err != nil {
			return nil, fmt.Errorf("create ephemeral root: %w", err)
		}
		e.root, e.ephemeral = dir, true
	}

	if err := e.open(ctx, o); err != nil {
		_ = e.shutdown()
		return nil, err
	}
	slog.Info("engine opened",
		"root", e.root, "storage", ec.Storage.Type, "wal", ec.WAL.Type,
		"shards", e.namespace.ShardNum, "tables", len(e.tables), "failed", len(e.failed))
	return e, nil
}

func (e *Engine) open(ctx context.Context, o options) error {
	var err error
	mdir := filepath.Join(e.root, manifestDir)
	if err := os.MkdirAll(mdir, 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if e.namespace, err = manifest.FreezeNamespace(mdir, e.cfg.WAL.Namespace); err != nil {
		return err
	}
	if e.manifest, err = manifest.Open(mdir, manifest.Options{
		SnapshotEveryNEdits: e.cfg.Manifest.SnapshotEveryNEdits,
	}); err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}

	if e.store = o.store; e.store == nil {
		if e.store, err = e.openStore(); err != nil {
			return err
		}
	}
	e.factory = sst.NewFactory(e.store, sst.Options{
		MetaCacheCap:    capOf(e.cfg.SSTMetaCacheCap),
		DataCacheCap:    capOf(e.cfg.SSTDataCacheCap),
		ReadParallelism: e.cfg.SSTBackgroundReadParallelism,
	})

	if e.wal = o.wal; e.wal == nil {
		if e.wal, err = e.openWAL(); err != nil {
			return err
		}
	}
	if e.wal.ShardNum() != e.namespace.ShardNum {
		slog.Warn("wal shard count differs from the frozen namespace",
			"wal", e.wal.ShardNum(), "namespace", e.namespace.ShardNum)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.purger = table.NewPurger(e.factory, 0)
	e.purger.Start(e.ctx)
	e.db = table.NewAccount("db", e.cfg.DBWriteBufferSize.Bytes(), nil)

	if err := e.recover(ctx); err != nil {
		return err
	}

	picker := o.picker
	if picker == nil {
		picker = compaction.NewSizeTieredPicker(e.cfg.Compaction)
	}
	cc := e.cfg.Compaction
	interval := cc.ScheduleInterval
	if cc.DisableAuto {
		interval = 0
	}
	e.compactor = compaction.NewScheduler(
		compaction.NewExecutor(e.factory, e.manifest, compaction.ExecutorOptions{
			MaxBufferSize: e.cfg.WriteSSTMaxBufferSize,
		}),
		picker,
		e,
		compaction.SchedulerOptions{
			ChannelLen:      cc.ScheduleChannelLen,
			Interval:        interval,
			MaxOngoingTasks: cc.MaxOngoingTasks,
			MaxRetry:        cc.MaxRetry,
		},
	)

	e.flusher = flush.NewFlusher(e.factory, e.manifest, e.wal, flush.FlusherOptions{
		MaxRetry:      e.cfg.MaxRetryFlushLimit,
		MaxBufferSize: e.cfg.WriteSSTMaxBufferSize,
	})
	e.flushCtl = flush.NewController(e.flusher, e, e.db, flush.ControllerOptions{
		PreflushRatio: e.cfg.PreflushWriteBufferSizeRatio,
		CheckInterval: e.cfg.FlushCheckInterval,
		AfterFlush: func(t *table.Table) {
			e.metrics.IncCounter(metricFlushes, tableLabels(t.ID()), 1)
			if !cc.DisableAuto {
				e.compactor.Request(t)
			}
		},
	})

	e.compactor.Start(e.ctx)
	e.flushCtl.Start(e.ctx)
	// replayed memtables may already be over their thresholds
	e.flushCtl.Check()
	return nil
}

func capOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (e *Engine) recover(ctx context.Context) error {
	summaries, err := e.manifest.ListTables(ctx)
	if err != nil {
		return err
	}
	var ids []types.TableID
	for _, s := range summaries {
		e.nextTableID = max(e.nextTableID, s.ID)
		if !s.Dropped {
			ids = append(ids, s.ID)
		}
	}
	e.nextTableID++

	r := recovery.New(e.manifest, e.wal, e.factory, e.buildTable, e.discardTable, recovery.Options{
		Mode:              e.cfg.RecoverMode,
		ReplayBatchSize:   e.cfg.ReplayBatchSize,
		MaxTablesPerBatch: e.cfg.MaxReplayTablesPerBatch,
	})
	rep, err := r.Recover(ctx, ids)
	if err != nil {
		return fmt.Errorf("recover tables: %w", err)
	}
	e.recovered = rep
	maps.Copy(e.failed, rep.Failed)
	return nil
}

// Spaces lists every space, it is what the flush controller watches.
func (e *Engine) Spaces() []*table.Space {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*table.Space, 0, len(e.spaces))
	for _, id := range slices.Sorted(maps.Keys(e.spaces)) {
		out = append(out, e.spaces[id])
	}
	return out
}

// Tables lists the open tables ordered by id.
func (e *Engine) Tables() []*table.Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := slices.Collect(maps.Values(e.tables))
	table.SortByID(out)
	return out
}

// Close stops the background workers. Buffered rows stay in the WAL and are
// replayed at the next Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.shutdown()
}

func (e *Engine) shutdown() error {
	if e.flushCtl != nil {
		e.flushCtl.Stop()
	}
	if e.compactor != nil {
		e.compactor.Stop()
	}
	if e.purger != nil {
		e.purger.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}

	var errs []error
	if e.wal != nil {
		errs = append(errs, e.wal.Close())
	}
	if e.manifest != nil {
		errs = append(errs, e.manifest.Close())
	}
	if e.ephemeral {
		errs = append(errs, os.RemoveAll(e.root))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	slog.Info("engine closed", "root", e.root)
	return nil
}

// RecoveryReport is the outcome of the recovery run by Open.
func (e *Engine) RecoveryReport() *recovery.Report {
	return e.recovered
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// SpaceStats reports the write buffer usage of a space.
type SpaceStats struct {
	ID     types.SpaceID `json:"id"`
	Used   int64         `json:"used"`
	Limit  int64         `json:"limit"`
	Tables int           `json:"tables"`
}

type Stats struct {
	Tables      []table.Stats            `json:"tables"`
	Failed      map[types.TableID]string `json:"failed,omitempty"`
	Spaces      []SpaceStats             `json:"spaces"`
	DBUsed      int64                    `json:"db_used"`
	DBLimit     int64                    `json:"db_limit"`
	Cache       sst.CacheStats           `json:"cache"`
	Compactions []compaction.Info        `json:"compactions"`
	Namespace   config.NamespaceConfig   `json:"namespace"`
}

func (e *Engine) Stats() Stats {
	st := Stats{
		DBUsed:      e.db.Used(),
		DBLimit:     e.db.Limit(),
		Cache:       e.factory.CacheStats(),
		Compactions: e.compactor.Tasks(),
		Namespace:   e.namespace,
	}
	for _, t := range e.Tables() {
		st.Tables = append(st.Tables, t.Stats())
	}
	for _, s := range e.Spaces() {
		st.Spaces = append(st.Spaces, SpaceStats{
			ID:     s.ID(),
			Used:   s.Account().Used(),
			Limit:  s.Account().Limit(),
			Tables: len(s.Tables()),
		})
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.failed) > 0 {
		st.Failed = make(map[types.TableID]string, len(e.failed))
		for id, err := range e.failed {
			st.Failed[id] = err.Error()
		}
	}
	return st
}
