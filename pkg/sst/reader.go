package sst

import (
	"context"
	"fmt"
	"iter"

	"analyticdb/pkg/encoding/custom"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

// Reader streams the rows of one opened file.
type Reader struct {
	factory *Factory
	key     fileKey
	footer  *Footer
}

func (r *Reader) Meta() FileMeta {
	return r.footer.Meta
}

func (r *Reader) Schema() row.Schema {
	return r.footer.Schema
}

func (r *Reader) RowGroups() int {
	return len(r.footer.RowGroups)
}

type groupResult struct {
	rows []row.Row
	err  error
}

// Read yields the versions inside rng with seq <= bound, ordered by key
// ascending then seq descending. Row groups are fetched ahead of the
// consumer, bounded by the factory read semaphore.
func (r *Reader) Read(ctx context.Context, rng types.KeyRange, bound types.SeqN) iter.Seq2[row.Row, error] {
	return func(yield func(row.Row, error) bool) {
		var groups []int
		for i, g := range r.footer.RowGroups {
			if rng.OverlapsInclusive(g.KeyMin, g.KeyMax) {
				groups = append(groups, i)
			}
		}
		if len(groups) == 0 {
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make([]chan groupResult, len(groups))
		launch := func(i int) {
			ch := make(chan groupResult, 1)
			results[i] = ch
			go func() {
				if err := r.factory.sem.Acquire(ctx, 1); err != nil {
					ch <- groupResult{err: err}
					return
				}
				defer r.factory.sem.Release(1)
				rows, err := r.loadGroup(ctx, groups[i])
				ch <- groupResult{rows: rows, err: err}
			}()
		}

		next := 0
		for ; next < len(groups) && next < r.factory.par; next++ {
			launch(next)
		}

		for i := range groups {
			res := <-results[i]
			if next < len(groups) {
				launch(next)
				next++
			}
			if res.err != nil {
				yield(row.Row{}, res.err)
				return
			}
			for _, rr := range res.rows {
				if rng.Before(rr.Key) || rr.Seq > bound {
					continue
				}
				if rng.After(rr.Key) {
					return
				}
				if !yield(rr, nil) {
					return
				}
			}
		}
	}
}

// Get returns the newest version of key with seq <= bound, skipping row
// groups whose bloom filter rules the key out.
func (r *Reader) Get(ctx context.Context, key types.Key, bound types.SeqN) (row.Row, bool, error) {
	rng := types.PointRange(key)
	for i, g := range r.footer.RowGroups {
		if !rng.OverlapsInclusive(g.KeyMin, g.KeyMax) || !g.Bloom.MayContain(key) {
			continue
		}
		rows, err := r.loadGroup(ctx, i)
		if err != nil {
			return row.Row{}, false, err
		}
		for _, rr := range rows {
			if rng.Contains(rr.Key) && rr.Seq <= bound {
				return rr, true, nil
			}
		}
	}
	return row.Row{}, false, nil
}

func (r *Reader) loadGroup(ctx context.Context, idx int) ([]row.Row, error) {
	key := groupKey{fileKey: r.key, group: idx}
	rows, ok := r.factory.data.Get(key)
	if !ok {
		g := r.footer.RowGroups[idx]
		path := Path(r.key.table, r.key.file)
		raw, err := r.factory.store.GetRange(ctx, path, g.Offset, g.Size)
		if err != nil {
			return nil, fmt.Errorf("failed to read row group %d of %s: %w", idx, path, err)
		}

		rows, err = r.decodeGroup(g, raw)
		if err != nil {
			return nil, fmt.Errorf("row group %d of %s: %w", idx, path, err)
		}
		r.factory.data.Set(key, rows)
	}

	// cached groups are shared by every reader
	out := make([]row.Row, len(rows))
	for i, rr := range rows {
		out[i] = rr.Clone()
	}
	return out, nil
}

func (r *Reader) decodeGroup(g RowGroupMeta, raw []byte) ([]row.Row, error) {
	chunks := make([]*custom.Decoder, len(g.Chunks))
	for i, c := range g.Chunks {
		if c.Offset < 0 || c.Offset+c.Size > int64(len(raw)) {
			return nil, fmt.Errorf("%w: chunk %d out of bounds", ErrCorrupted, i)
		}
		data, err := r.footer.Compression.Decompress(raw[c.Offset : c.Offset+c.Size])
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrCorrupted, i, err)
		}
		if int64(len(data)) != c.RawSize {
			return nil, fmt.Errorf("%w: chunk %d size %d, expected %d", ErrCorrupted, i, len(data), c.RawSize)
		}
		chunks[i] = custom.NewDecoder(data)
	}

	ncols := len(g.Chunks) - chunkColumns
	rows := make([]row.Row, g.Rows)
	for i := range rows {
		rr := row.Row{
			Key: chunks[chunkKeys].Bytes(),
			Seq: types.SeqN(chunks[chunkSeqs].Uint64()),
			Op:  row.Op(chunks[chunkOps].Byte()),
		}
		values := make([]row.Datum, ncols)
		for c := 0; c < ncols; c++ {
			values[c] = chunks[chunkColumns+c].Datum()
		}
		if rr.Op != row.OpDelete {
			rr.Values = values
		}
		rows[i] = rr
	}

	for i, d := range chunks {
		if d.Err() != nil {
			return nil, fmt.Errorf("%w: chunk %d: %w", ErrCorrupted, i, d.Err())
		}
		if d.Remaining() != 0 {
			return nil, fmt.Errorf("%w: chunk %d has %d trailing bytes", ErrCorrupted, i, d.Remaining())
		}
	}
	return rows, nil
}
