package sst

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"analyticdb/pkg/compression"
	"analyticdb/pkg/encoding/custom"
	"analyticdb/pkg/objectstore"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

const (
	defaultRowsPerGroup  = 8192
	defaultMaxBufferSize = 10 << 20
)

type WriterOptions struct {
	RowsPerGroup  int
	Compression   compression.Codec
	MaxBufferSize int
	BloomFPRate   float64
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.RowsPerGroup <= 0 {
		o.RowsPerGroup = defaultRowsPerGroup
	}
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = defaultMaxBufferSize
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = defaultFPRate
	}
	return o
}

// writer serializes one sorted row stream into one object.
type writer struct {
	opts   WriterOptions
	schema row.Schema
	upload objectstore.MultipartWriter

	buf     bytes.Buffer
	offset  int64
	pending []row.Row
	footer  Footer
}

func newWriter(upload objectstore.MultipartWriter, id types.FileID, schema row.Schema, opts WriterOptions) *writer {
	w := &writer{
		opts:   opts,
		schema: schema,
		upload: upload,
		footer: Footer{
			Version:     formatVersion,
			Schema:      schema,
			Compression: opts.Compression,
			Meta: FileMeta{
				ID:     id,
				SeqMin: types.MaxSeqN,
				Stats:  make([]ColumnStats, len(schema.Columns)),
			},
		},
	}
	for i, c := range schema.Columns {
		w.footer.Meta.Stats[i].Name = c.Name
	}
	return w
}

func (w *writer) add(r row.Row) error {
	meta := &w.footer.Meta
	if n := len(w.pending); n > 0 {
		prev := w.pending[n-1]
		c := bytes.Compare(prev.Key, r.Key)
		if c > 0 || (c == 0 && prev.Seq <= r.Seq) {
			return fmt.Errorf("rows out of order: %q@%d after %q@%d", r.Key, r.Seq, prev.Key, prev.Seq)
		}
	} else if meta.Rows > 0 {
		c := bytes.Compare(meta.KeyMax, r.Key)
		if c > 0 {
			return fmt.Errorf("rows out of order: %q after %q", r.Key, meta.KeyMax)
		}
	}

	if r.Op != row.OpDelete && len(r.Values) != len(w.schema.Columns) {
		return fmt.Errorf("row %q has %d values for %d columns", r.Key, len(r.Values), len(w.schema.Columns))
	}

	if meta.Rows == 0 {
		meta.KeyMin = bytes.Clone(r.Key)
	}
	meta.KeyMax = bytes.Clone(r.Key)
	meta.SeqMin = min(meta.SeqMin, r.Seq)
	meta.SeqMax = max(meta.SeqMax, r.Seq)
	meta.Rows++

	if r.Op != row.OpDelete {
		for i, c := range w.schema.Columns {
			meta.Stats[i].observe(c.Kind, r.Values[i])
		}
	}

	w.pending = append(w.pending, r)
	if len(w.pending) >= w.opts.RowsPerGroup {
		return w.finishGroup()
	}
	return nil
}

func (w *writer) finishGroup() error {
	if len(w.pending) == 0 {
		return nil
	}

	rows := w.pending
	group := RowGroupMeta{
		Offset: w.offset,
		Rows:   len(rows),
		KeyMin: bytes.Clone(rows[0].Key),
		KeyMax: bytes.Clone(rows[len(rows)-1].Key),
		Bloom:  NewBloomFilter(len(rows), w.opts.BloomFPRate),
	}

	raw := make([][]byte, chunkColumns+len(w.schema.Columns))
	for _, r := range rows {
		raw[chunkKeys] = custom.AppendBytes(raw[chunkKeys], r.Key)
		raw[chunkSeqs] = custom.AppendUint64(raw[chunkSeqs], uint64(r.Seq))
		raw[chunkOps] = append(raw[chunkOps], byte(r.Op))
		group.Bloom.Add(r.Key)
		group.SeqMax = max(group.SeqMax, r.Seq)

		for i := range w.schema.Columns {
			v := row.Null()
			if r.Op != row.OpDelete {
				v = r.Values[i]
			}
			var err error
			raw[chunkColumns+i], err = custom.AppendDatum(raw[chunkColumns+i], v)
			if err != nil {
				return fmt.Errorf("failed to encode column %q: %w", w.schema.Columns[i].Name, err)
			}
		}
	}

	var rel int64
	for _, chunk := range raw {
		before := w.buf.Len()
		compressed, err := w.opts.Compression.Compress(w.buf.AvailableBuffer(), chunk)
		if err != nil {
			return fmt.Errorf("failed to compress chunk: %w", err)
		}
		w.buf.Write(compressed)
		size := int64(w.buf.Len() - before)
		group.Chunks = append(group.Chunks, ChunkMeta{Offset: rel, Size: size, RawSize: int64(len(chunk))})
		rel += size
	}
	group.Size = rel
	w.offset += rel
	w.footer.RowGroups = append(w.footer.RowGroups, group)
	w.pending = w.pending[:0]

	if w.buf.Len() >= w.opts.MaxBufferSize {
		return w.flushBuffer()
	}
	return nil
}

func (w *writer) flushBuffer() error {
	if w.buf.Len() == 0 {
		return nil
	}
	if _, err := w.upload.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to upload sst part: %w", err)
	}
	w.buf.Reset()
	return nil
}

func (w *writer) finish(ctx context.Context) (FileMeta, error) {
	if err := w.finishGroup(); err != nil {
		return FileMeta{}, err
	}
	if w.footer.Meta.Rows == 0 {
		return FileMeta{}, ErrEmptyFile
	}

	w.footer.Meta.CreatedAt = time.Now().UTC()
	footer, err := encodeFooter(&w.footer)
	if err != nil {
		return FileMeta{}, err
	}
	w.buf.Write(footer)
	w.footer.Meta.Size = w.offset + int64(len(footer))

	if err := w.flushBuffer(); err != nil {
		return FileMeta{}, err
	}
	if err := w.upload.Complete(ctx); err != nil {
		return FileMeta{}, fmt.Errorf("failed to complete sst upload: %w", err)
	}
	return w.footer.Meta, nil
}

// Write streams sorted rows into a new SST object. The object is not visible
// to readers of the store unless Write returns without error.
func (f *Factory) Write(
	ctx context.Context,
	table types.TableID,
	id types.FileID,
	schema row.Schema,
	rows iter.Seq2[row.Row, error],
	opts WriterOptions,
) (FileMeta, error) {
	opts = opts.withDefaults()
	path := Path(table, id)

	upload, err := f.store.PutMultipart(ctx, path)
	if err != nil {
		return FileMeta{}, fmt.Errorf("failed to start sst upload: %w", err)
	}

	w := newWriter(upload, id, schema, opts)
	meta, err := func() (FileMeta, error) {
		for r, err := range rows {
			if err != nil {
				return FileMeta{}, err
			}
			if err := ctx.Err(); err != nil {
				return FileMeta{}, err
			}
			if err := w.add(r); err != nil {
				return FileMeta{}, err
			}
		}
		return w.finish(ctx)
	}()
	if err != nil {
		if aerr := upload.Abort(context.WithoutCancel(ctx)); aerr != nil {
			slog.Warn("failed to abort sst upload", "path", path, "error", aerr)
		}
		return FileMeta{}, err
	}

	slog.Debug("sst written",
		"table", table, "file", id, "rows", meta.Rows, "size", meta.Size,
		"row_groups", len(w.footer.RowGroups))
	return meta, nil
}
