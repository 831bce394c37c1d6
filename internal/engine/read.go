package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"analyticdb/internal/table"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

// ReadRequest selects rows of one table. Empty Columns reads every column,
// zero Limit reads the whole range.
type ReadRequest struct {
	Table   types.TableID
	Range   types.KeyRange
	Columns []string
	Limit   int
}

// RecordBatch is a chunk of projected rows in key order.
type RecordBatch struct {
	Schema row.Schema
	Rows   []row.Row
}

type batchResult struct {
	batch RecordBatch
	err   error
}

// Stream delivers the batches of a read. It pins the snapshot taken when
// the read started until Close.
type Stream struct {
	schema row.Schema
	ch     chan batchResult
	cancel context.CancelFunc
	wg     sync.WaitGroup
	snap   *table.Snapshot
	once   sync.Once
}

// Schema is the projected schema of every batch.
func (s *Stream) Schema() row.Schema {
	return s.schema
}

// Next returns the next batch or io.EOF once the range is exhausted.
func (s *Stream) Next(ctx context.Context) (RecordBatch, error) {
	select {
	case res, ok := <-s.ch:
		if !ok {
			return RecordBatch{}, io.EOF
		}
		return res.batch, res.err
	case <-ctx.Done():
		return RecordBatch{}, ctx.Err()
	}
}

// Close stops the producer and releases the snapshot.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.snap.Release()
	})
	return nil
}

// Read starts a scan over a consistent snapshot of the table. Batches are
// produced in the background, at most scan_max_record_batches_in_flight
// ahead of the consumer.
func (e *Engine) Read(ctx context.Context, req ReadRequest) (*Stream, error) {
	t, err := e.Table(req.Table)
	if err != nil {
		return nil, err
	}
	schema, idx, err := t.Schema().Project(req.Columns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	snap := t.Snapshot()
	sctx, cancel := context.WithCancel(ctx)
	src, err := snap.Scan(sctx, e.factory, req.Range)
	if err != nil {
		cancel()
		snap.Release()
		return nil, err
	}

	batchSize := e.cfg.ScanBatchSize
	if batchSize <= 0 {
		batchSize = t.Options().NumRowsPerRowGroup
	}
	if batchSize <= 0 {
		batchSize = 1024
	}
	s := &Stream{
		schema: schema,
		ch:     make(chan batchResult, max(e.cfg.ScanMaxRecordBatchesInFlight, 1)),
		cancel: cancel,
		snap:   snap,
	}

	send := func(res batchResult) bool {
		select {
		case s.ch <- res:
			return true
		case <-sctx.Done():
			return false
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.ch)

		var (
			rows = make([]row.Row, 0, batchSize)
			read int
		)
		for r, err := range src {
			if err != nil {
				send(batchResult{err: err})
				return
			}
			rows = append(rows, r.Project(idx))
			read++
			if len(rows) == batchSize {
				if !send(batchResult{batch: RecordBatch{Schema: schema, Rows: rows}}) {
					return
				}
				rows = make([]row.Row, 0, batchSize)
			}
			if req.Limit > 0 && read >= req.Limit {
				break
			}
		}
		if len(rows) > 0 {
			send(batchResult{batch: RecordBatch{Schema: schema, Rows: rows}})
		}
	}()
	return s, nil
}

// Get returns the newest visible version of key.
func (e *Engine) Get(ctx context.Context, id types.TableID, key types.Key) (row.Row, bool, error) {
	t, err := e.Table(id)
	if err != nil {
		return row.Row{}, false, err
	}
	snap := t.Snapshot()
	defer snap.Release()
	return snap.Get(ctx, e.factory, key)
}

// ReadAll drains a read into memory.
func (e *Engine) ReadAll(ctx context.Context, req ReadRequest) ([]row.Row, error) {
	s, err := e.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var out []row.Row
	for {
		b, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b.Rows...)
	}
}
