package table

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"analyticdb/pkg/listener"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

// FileHandle is a reference counted SST of a table. The live version holds
// one reference, every snapshot reading the file holds another. The object
// is deleted once the file is obsolete and the last reference is gone.
type FileHandle struct {
	table    types.TableID
	meta     sst.FileMeta
	refs     atomic.Int32
	obsolete atomic.Bool
	purger   *Purger
}

func newFileHandle(table types.TableID, meta sst.FileMeta, purger *Purger) *FileHandle {
	h := &FileHandle{table: table, meta: meta, purger: purger}
	h.refs.Store(1)
	return h
}

func (h *FileHandle) Meta() sst.FileMeta {
	return h.meta
}

func (h *FileHandle) ID() types.FileID {
	return h.meta.ID
}

func (h *FileHandle) Refs() int32 {
	return h.refs.Load()
}

func (h *FileHandle) Obsolete() bool {
	return h.obsolete.Load()
}

func (h *FileHandle) Ref() {
	h.refs.Add(1)
}

func (h *FileHandle) Unref() {
	n := h.refs.Add(-1)
	if n < 0 {
		slog.Error("sst handle released too many times", "table", h.table, "file", h.meta.ID)
		return
	}
	if n == 0 && h.obsolete.Load() && h.purger != nil {
		h.purger.Purge(h.table, h.meta.ID)
	}
}

// markObsolete drops the reference of the live version.
func (h *FileHandle) markObsolete() {
	if h.obsolete.CompareAndSwap(false, true) {
		h.Unref()
	}
}

// Version is an immutable file set of a table, ordered newest first.
type Version struct {
	files []*FileHandle
}

func newVersion(files []*FileHandle) *Version {
	files = slices.Clone(files)
	slices.SortFunc(files, func(a, b *FileHandle) int {
		if c := cmp.Compare(b.meta.SeqMax, a.meta.SeqMax); c != 0 {
			return c
		}
		return cmp.Compare(b.meta.ID, a.meta.ID)
	})
	return &Version{files: files}
}

func (v *Version) Files() []*FileHandle {
	return v.files
}

func (v *Version) Metas() []sst.FileMeta {
	out := make([]sst.FileMeta, len(v.files))
	for i, h := range v.files {
		out[i] = h.meta
	}
	return out
}

func (v *Version) Len() int {
	return len(v.files)
}

func (v *Version) TotalSize() int64 {
	var n int64
	for _, h := range v.files {
		n += h.meta.Size
	}
	return n
}

func (v *Version) find(id types.FileID) *FileHandle {
	for _, h := range v.files {
		if h.meta.ID == id {
			return h
		}
	}
	return nil
}

// Deleter removes SST objects.
type Deleter interface {
	Delete(ctx context.Context, table types.TableID, file types.FileID) error
}

type purgeReq struct {
	table types.TableID
	file  types.FileID
}

// Purger deletes obsolete SSTs in the background.
type Purger struct {
	deleter  Deleter
	ch       chan purgeReq
	listener *listener.Listener[purgeReq]
	pending  sync.WaitGroup
	stopped  atomic.Bool
}

func NewPurger(deleter Deleter, queue int) *Purger {
	if queue <= 0 {
		queue = 128
	}
	p := &Purger{
		deleter: deleter,
		ch:      make(chan purgeReq, queue),
	}
	p.listener = listener.New("sst-purger", p.ch, p.handle, p.drain)
	return p
}

func (p *Purger) Start(ctx context.Context) {
	p.listener.Start(ctx)
}

// Purge schedules the deletion of a file.
func (p *Purger) Purge(table types.TableID, file types.FileID) {
	req := purgeReq{table: table, file: file}
	p.pending.Add(1)
	if p.stopped.Load() {
		_ = p.handle(req)
		return
	}
	select {
	case p.ch <- req:
	default:
		_ = p.handle(req)
	}
}

func (p *Purger) handle(req purgeReq) error {
	defer p.pending.Done()
	if err := p.deleter.Delete(context.Background(), req.table, req.file); err != nil {
		// the object is an orphan now and is collected at the next recovery
		slog.Warn("failed to delete obsolete sst", "table", req.table, "file", req.file, "err", err)
		return nil
	}
	slog.Debug("obsolete sst deleted", "table", req.table, "file", req.file)
	return nil
}

func (p *Purger) drain() {
	for {
		select {
		case req := <-p.ch:
			_ = p.handle(req)
		default:
			return
		}
	}
}

// Wait blocks until every scheduled deletion ran.
func (p *Purger) Wait() {
	p.pending.Wait()
}

func (p *Purger) Stop() {
	p.stopped.Store(true)
	p.listener.Stop()
}
