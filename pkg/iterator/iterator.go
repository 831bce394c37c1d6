package iterator

import (
	"bytes"
	"container/heap"
	"iter"

	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

// Source is a stream of row versions sorted by key ascending then seq
// descending. A non-nil error ends the stream.
type Source = iter.Seq2[row.Row, error]

// FromSeq adapts an infallible sequence, such as a memtable scan.
func FromSeq(s iter.Seq[row.Row]) Source {
	return func(yield func(row.Row, error) bool) {
		for r := range s {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// FromSlice streams rows that are already sorted.
func FromSlice(rows []row.Row) Source {
	return func(yield func(row.Row, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Collect drains src.
func Collect(src Source) ([]row.Row, error) {
	var out []row.Row
	for r, err := range src {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func compare(a, b row.Row) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	}
	return 0
}

type cursor struct {
	cur  row.Row
	idx  int
	next func() (row.Row, error, bool)
	stop func()
}

type mergeHeap []*cursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := compare(h[i].cur, h[j].cur); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// Merge k-way merges sorted sources. When two sources hold the same key and
// seq, the version of the source listed first wins and the other is dropped.
func Merge(sources ...Source) Source {
	if len(sources) == 1 {
		return sources[0]
	}
	return func(yield func(row.Row, error) bool) {
		h := make(mergeHeap, 0, len(sources))
		defer func() {
			for _, c := range h {
				c.stop()
			}
		}()

		for i, src := range sources {
			next, stop := iter.Pull2(src)
			r, err, ok := next()
			if err != nil {
				stop()
				yield(row.Row{}, err)
				return
			}
			if !ok {
				stop()
				continue
			}
			h = append(h, &cursor{cur: r, idx: i, next: next, stop: stop})
		}
		heap.Init(&h)

		var (
			last    row.Row
			started bool
		)
		for h.Len() > 0 {
			top := h[0]
			r := top.cur

			nr, err, ok := top.next()
			switch {
			case err != nil:
				yield(row.Row{}, err)
				return
			case ok:
				top.cur = nr
				heap.Fix(&h, 0)
			default:
				top.stop()
				heap.Pop(&h)
			}

			if started && compare(last, r) == 0 {
				continue
			}
			last, started = r, true
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Visible keeps the newest version with seq <= bound of every key.
// Tombstones hide older versions and are dropped unless keepTombstones.
func Visible(src Source, bound types.SeqN, keepTombstones bool) Source {
	return func(yield func(row.Row, error) bool) {
		var lastKey types.Key
		seen := false
		for r, err := range src {
			if err != nil {
				yield(row.Row{}, err)
				return
			}
			if r.Seq > bound {
				continue
			}
			if seen && bytes.Equal(lastKey, r.Key) {
				continue
			}
			lastKey, seen = r.Key, true
			if r.Op == row.OpDelete && !keepTombstones {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Compact drops versions no reader can observe. For every key it keeps all
// versions above retainBound and the newest version at or below it. That
// version is dropped too when it is a tombstone and dropTombstones is set,
// which is only safe when no older file can hold the key.
func Compact(src Source, retainBound types.SeqN, dropTombstones bool) Source {
	return func(yield func(row.Row, error) bool) {
		var (
			lastKey  types.Key
			seen     bool
			retained bool
		)
		for r, err := range src {
			if err != nil {
				yield(row.Row{}, err)
				return
			}
			if !seen || !bytes.Equal(lastKey, r.Key) {
				lastKey, seen, retained = r.Key, true, false
			}
			if r.Seq > retainBound {
				if !yield(r, nil) {
					return
				}
				continue
			}
			if retained {
				continue
			}
			retained = true
			if r.Op == row.OpDelete && dropTombstones {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Filter keeps the rows inside rng.
func Filter(src Source, rng types.KeyRange) Source {
	return func(yield func(row.Row, error) bool) {
		for r, err := range src {
			if err != nil {
				yield(row.Row{}, err)
				return
			}
			if rng.Before(r.Key) {
				continue
			}
			if rng.After(r.Key) {
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
