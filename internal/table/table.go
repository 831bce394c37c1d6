package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"analyticdb/pkg/clock"
	"analyticdb/pkg/compression"
	"analyticdb/pkg/config"
	"analyticdb/pkg/memtable"
	"analyticdb/pkg/row"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

var (
	ErrWriteQueueFull = errors.New("too many rows waiting for the table write lock")
	ErrTableDropped   = errors.New("table is dropped")
	ErrNotFrozen      = errors.New("memtable is not the oldest frozen one")
	ErrFileNotLive    = errors.New("file is not part of the live version")
)

// FatalError makes a table write-unavailable until an operator intervenes.
type FatalError struct {
	Table types.TableID
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("table %d is write-unavailable: %v", e.Table, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Meta is the static description of a table.
type Meta struct {
	ID      types.TableID
	Name    string
	Space   types.SpaceID
	Schema  row.Schema
	Options config.TableOptions
}

// Table owns the write buffers and the file set of one table. Writers are
// serialized by the write lock, readers take snapshots and never block them.
type Table struct {
	id     types.TableID
	name   string
	space  *Space
	opts   config.TableOptions
	acct   *Account
	purger *Purger

	writeSem   chan struct{}
	queued     atomic.Int64
	maxQueued  int64
	flushMu    sync.Mutex
	compacting atomic.Bool

	mu      sync.RWMutex
	schema  row.Schema
	mutable *memtable.Memtable
	frozen  []*memtable.Memtable
	version *Version
	memIDs  uint64

	lastSeq    *clock.AtomicClock
	flushedSeq *clock.AtomicClock
	nextFileID atomic.Uint64

	fatal   atomic.Pointer[FatalError]
	dropped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a table, registers it in space and charges its memtables to
// the space budget. maxQueuedRows of zero leaves the write queue unbounded.
func New(meta Meta, space *Space, purger *Purger, maxQueuedRows int) *Table {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Table{
		id:         meta.ID,
		name:       meta.Name,
		space:      space,
		opts:       meta.Options,
		acct:       NewAccount(fmt.Sprintf("table-%d", meta.ID), 0, space.Account()),
		purger:     purger,
		writeSem:   make(chan struct{}, 1),
		maxQueued:  int64(maxQueuedRows),
		schema:     meta.Schema,
		version:    newVersion(nil),
		lastSeq:    clock.NewAtomic(0),
		flushedSeq: clock.NewAtomic(0),
		ctx:        ctx,
		cancel:     cancel,
	}
	t.nextFileID.Store(1)
	t.mutable = t.newMemtable()
	space.add(t)
	return t
}

func (t *Table) newMemtable() *memtable.Memtable {
	t.memIDs++
	return memtable.New(t.memIDs, t.acct)
}

func (t *Table) ID() types.TableID {
	return t.id
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Space() *Space {
	return t.space
}

func (t *Table) Options() config.TableOptions {
	return t.opts
}

// WriterOptions derives the SST layout of the table.
func (t *Table) WriterOptions(maxBufferSize config.Size) sst.WriterOptions {
	codec, err := compression.ParseCodec(t.opts.Compression)
	if err != nil {
		slog.Warn("unknown table compression, writing uncompressed", "table", t.id, "compression", t.opts.Compression)
		codec = compression.None
	}
	return sst.WriterOptions{
		RowsPerGroup:  t.opts.NumRowsPerRowGroup,
		Compression:   codec,
		MaxBufferSize: int(maxBufferSize),
		BloomFPRate:   t.opts.BloomFPRate,
	}
}

func (t *Table) Schema() row.Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema
}

func (t *Table) SetSchema(s row.Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schema = s
}

// Context is cancelled when the table is dropped.
func (t *Table) Context() context.Context {
	return t.ctx
}

// LockWrite takes the single writer lock of the table. Rows waiting for the
// lock are bounded by maxQueuedRows.
func (t *Table) LockWrite(ctx context.Context, rows int) (func(), error) {
	n := t.queued.Add(int64(rows))
	if t.maxQueued > 0 && n > t.maxQueued && n != int64(rows) {
		t.queued.Add(-int64(rows))
		return nil, fmt.Errorf("%w: table %d has %d rows queued", ErrWriteQueueFull, t.id, n-int64(rows))
	}

	select {
	case t.writeSem <- struct{}{}:
	case <-ctx.Done():
		t.queued.Add(-int64(rows))
		return nil, ctx.Err()
	}
	t.queued.Add(-int64(rows))
	return func() { <-t.writeSem }, nil
}

// CheckWritable fails for dropped and fatal tables.
func (t *Table) CheckWritable() error {
	if t.dropped.Load() {
		return fmt.Errorf("%w: %d", ErrTableDropped, t.id)
	}
	if fe := t.fatal.Load(); fe != nil {
		return fe
	}
	return nil
}

// Apply inserts rows stamped with seq into the active memtable and makes
// them visible. The caller holds the write lock.
func (t *Table) Apply(rows []row.Row, seq types.SeqN) error {
	// Freeze waits for the read lock, so the memtable cannot be frozen under us.
	t.mu.RLock()
	defer t.mu.RUnlock()

	mt := t.mutable
	for _, r := range rows {
		if err := mt.Put(r, seq); err != nil {
			return fmt.Errorf("apply to memtable %d: %w", mt.ID(), err)
		}
	}
	t.lastSeq.Advance(seq)
	return nil
}

// Freeze moves the active memtable to the flush queue. It returns nil when
// the active memtable is empty.
func (t *Table) Freeze() *memtable.Memtable {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mutable.Empty() {
		return nil
	}
	mt := t.mutable
	mt.Freeze()
	t.frozen = append(t.frozen, mt)
	t.mutable = t.newMemtable()
	return mt
}

// OldestFrozen returns the head of the flush queue.
func (t *Table) OldestFrozen() *memtable.Memtable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.frozen) == 0 {
		return nil
	}
	return t.frozen[0]
}

func (t *Table) FrozenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frozen)
}

// MutableSize is the byte size of the active memtable.
func (t *Table) MutableSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mutable.ApproximateSize()
}

// MemSize is the byte size of every memtable of the table.
func (t *Table) MemSize() int64 {
	return t.acct.Used()
}

// OldestMemtableAt is the creation time of the oldest buffered memtable.
func (t *Table) OldestMemtableAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.frozen) > 0 {
		return t.frozen[0].CreatedAt()
	}
	return t.mutable.CreatedAt()
}

// LockFlush serializes flush jobs of the table.
func (t *Table) LockFlush() func() {
	t.flushMu.Lock()
	return t.flushMu.Unlock
}

// TryStartCompaction claims the single compaction slot of the table.
func (t *Table) TryStartCompaction() bool {
	return t.compacting.CompareAndSwap(false, true)
}

func (t *Table) FinishCompaction() {
	t.compacting.Store(false)
}

func (t *Table) Compacting() bool {
	return t.compacting.Load()
}

func (t *Table) AllocFileID() types.FileID {
	return types.FileID(t.nextFileID.Add(1) - 1)
}

func (t *Table) NextFileID() types.FileID {
	return types.FileID(t.nextFileID.Load())
}

func (t *Table) LastSeq() types.SeqN {
	return t.lastSeq.Val()
}

func (t *Table) FlushedSeq() types.SeqN {
	return t.flushedSeq.Val()
}

// Restore installs the persisted state of a recovered table.
func (t *Table) Restore(files []sst.FileMeta, flushedSeq types.SeqN, nextFileID types.FileID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handles := make([]*FileHandle, 0, len(files))
	for _, f := range files {
		handles = append(handles, newFileHandle(t.id, f, t.purger))
		nextFileID = max(nextFileID, f.ID+1)
	}
	t.version = newVersion(handles)
	t.flushedSeq.Advance(flushedSeq)
	t.lastSeq.Advance(flushedSeq)
	for {
		cur := t.nextFileID.Load()
		if uint64(nextFileID) <= cur || t.nextFileID.CompareAndSwap(cur, uint64(nextFileID)) {
			break
		}
	}
}

// InstallFlush replaces the oldest frozen memtable by the file it was
// flushed to. The manifest edit must already be durable.
func (t *Table) InstallFlush(mt *memtable.Memtable, file *sst.FileMeta, flushedSeq types.SeqN) error {
	t.mu.Lock()
	if len(t.frozen) == 0 || t.frozen[0] != mt {
		t.mu.Unlock()
		return ErrNotFrozen
	}
	t.frozen = t.frozen[1:]
	if file != nil {
		files := append(slices.Clone(t.version.files), newFileHandle(t.id, *file, t.purger))
		t.version = newVersion(files)
	}
	t.mu.Unlock()

	t.flushedSeq.Advance(flushedSeq)
	mt.Release()
	return nil
}

// InstallCompaction swaps inputs for outputs in the live file set. Inputs
// are deleted once no snapshot references them anymore.
func (t *Table) InstallCompaction(inputs []types.FileID, outputs []sst.FileMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*FileHandle
	files := make([]*FileHandle, 0, len(t.version.files)+len(outputs))
	for _, h := range t.version.files {
		if slices.Contains(inputs, h.meta.ID) {
			removed = append(removed, h)
			continue
		}
		files = append(files, h)
	}
	for _, f := range outputs {
		files = append(files, newFileHandle(t.id, f, t.purger))
	}
	t.version = newVersion(files)

	for _, h := range removed {
		h.markObsolete()
	}
}

// RefFiles pins the live handles of ids. It fails when one of them left
// the file set.
func (t *Table) RefFiles(ids []types.FileID) ([]*FileHandle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*FileHandle, 0, len(ids))
	for _, id := range ids {
		h := t.version.find(id)
		if h == nil {
			for _, r := range out {
				r.Unref()
			}
			return nil, fmt.Errorf("%w: table %d file %d", ErrFileNotLive, t.id, id)
		}
		h.Ref()
		out = append(out, h)
	}
	return out, nil
}

// Version returns the live file set without taking references.
func (t *Table) Version() *Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Fail marks the table write-unavailable.
func (t *Table) Fail(err error) *FatalError {
	fe := &FatalError{Table: t.id, Err: err}
	if !t.fatal.CompareAndSwap(nil, fe) {
		return t.fatal.Load()
	}
	return fe
}

func (t *Table) Fatal() error {
	if fe := t.fatal.Load(); fe != nil {
		return fe
	}
	return nil
}

// MarkDropped cancels background work of the table.
func (t *Table) MarkDropped() {
	if t.dropped.CompareAndSwap(false, true) {
		t.cancel()
	}
}

func (t *Table) Dropped() bool {
	return t.dropped.Load()
}

// Close releases every memtable and unregisters the table from its space.
// When purge is set the live files are deleted as well.
func (t *Table) Close(purge bool) {
	t.mu.Lock()
	mts := append([]*memtable.Memtable{t.mutable}, t.frozen...)
	t.frozen = nil
	files := t.version.files
	if purge {
		t.version = newVersion(nil)
	}
	t.mu.Unlock()

	for _, mt := range mts {
		mt.Release()
	}
	if purge {
		for _, h := range files {
			h.markObsolete()
		}
	}
	t.cancel()
	t.space.remove(t.id)
}

// Stats is a point in time view of the table.
type Stats struct {
	ID          types.TableID `json:"id"`
	Name        string        `json:"name"`
	Space       types.SpaceID `json:"space"`
	MutableSize int64         `json:"mutable_size"`
	MemSize     int64         `json:"mem_size"`
	Frozen      int           `json:"frozen_memtables"`
	Files       int           `json:"files"`
	FilesSize   int64         `json:"files_size"`
	LastSeq     types.SeqN    `json:"last_seq"`
	FlushedSeq  types.SeqN    `json:"flushed_seq"`
	Compacting  bool          `json:"compacting"`
	Fatal       string        `json:"fatal,omitempty"`
}

func (t *Table) Stats() Stats {
	t.mu.RLock()
	st := Stats{
		ID:          t.id,
		Name:        t.name,
		Space:       t.space.ID(),
		MutableSize: t.mutable.ApproximateSize(),
		Frozen:      len(t.frozen),
		Files:       t.version.Len(),
		FilesSize:   t.version.TotalSize(),
	}
	t.mu.RUnlock()

	st.MemSize = t.MemSize()
	st.LastSeq = t.LastSeq()
	st.FlushedSeq = t.FlushedSeq()
	st.Compacting = t.Compacting()
	if fe := t.fatal.Load(); fe != nil {
		st.Fatal = fe.Err.Error()
	}
	return st
}
