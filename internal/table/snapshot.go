package table

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"analyticdb/pkg/iterator"
	"analyticdb/pkg/memtable"
	"analyticdb/pkg/row"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

// Opener opens SST readers.
type Opener interface {
	Open(ctx context.Context, table types.TableID, file types.FileID) (*sst.Reader, error)
}

// Snapshot pins the memtables and files of a table at a seq bound. Files
// stay on the store until the snapshot is released.
type Snapshot struct {
	Table     types.TableID
	Bound     types.SeqN
	Memtables []*memtable.Memtable
	Files     []*FileHandle

	released atomic.Bool
}

// Snapshot captures the current read view of the table.
func (t *Table) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := &Snapshot{
		Table: t.id,
		Bound: t.lastSeq.Val(),
	}
	s.Memtables = append(s.Memtables, t.mutable)
	for i := len(t.frozen) - 1; i >= 0; i-- {
		s.Memtables = append(s.Memtables, t.frozen[i])
	}
	for _, h := range t.version.files {
		h.Ref()
		s.Files = append(s.Files, h)
	}
	return s
}

// Release drops the file references. It is safe to call more than once.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	for _, h := range s.Files {
		h.Unref()
	}
}

// Sources returns one sorted stream per memtable and per file overlapping
// rng, newest first.
func (s *Snapshot) Sources(ctx context.Context, opener Opener, rng types.KeyRange) ([]iterator.Source, error) {
	var out []iterator.Source
	for _, mt := range s.Memtables {
		if mt.Empty() {
			continue
		}
		out = append(out, iterator.FromSeq(mt.Scan(rng, s.Bound)))
	}
	for _, h := range s.Files {
		m := h.Meta()
		if !rng.OverlapsInclusive(m.KeyMin, m.KeyMax) || m.SeqMin > s.Bound {
			continue
		}
		r, err := opener.Open(ctx, s.Table, m.ID)
		if err != nil {
			return nil, fmt.Errorf("open sst %d: %w", m.ID, err)
		}
		out = append(out, r.Read(ctx, rng, s.Bound))
	}
	return out, nil
}

// Scan merges the sources and keeps the visible version of every key.
func (s *Snapshot) Scan(ctx context.Context, opener Opener, rng types.KeyRange) (iterator.Source, error) {
	sources, err := s.Sources(ctx, opener, rng)
	if err != nil {
		return nil, err
	}
	return iterator.Visible(iterator.Merge(sources...), s.Bound, false), nil
}

// Get returns the newest visible version of key. Deleted keys are reported
// as missing.
func (s *Snapshot) Get(ctx context.Context, opener Opener, key types.Key) (row.Row, bool, error) {
	// memtables hold newer seqs than any flushed file
	for _, mt := range s.Memtables {
		if r, ok := mt.Get(key, s.Bound); ok {
			return r, r.Op == row.OpPut, nil
		}
	}

	var (
		best  row.Row
		found bool
	)
	for _, h := range s.Files {
		m := h.Meta()
		if bytes.Compare(key, m.KeyMin) < 0 || bytes.Compare(key, m.KeyMax) > 0 || m.SeqMin > s.Bound {
			continue
		}
		if found && m.SeqMax <= best.Seq {
			continue
		}
		rd, err := opener.Open(ctx, s.Table, m.ID)
		if err != nil {
			return row.Row{}, false, fmt.Errorf("open sst %d: %w", m.ID, err)
		}
		r, ok, err := rd.Get(ctx, key, s.Bound)
		if err != nil {
			return row.Row{}, false, err
		}
		if ok && (!found || r.Seq > best.Seq) {
			best, found = r, true
		}
	}
	if !found {
		return row.Row{}, false, nil
	}
	return best, best.Op == row.OpPut, nil
}
