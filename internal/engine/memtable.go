package engine

import (
	"context"
	"fmt"
	"log/slog"

	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
	"analyticdb/pkg/wal"
)

// PartialWriteError reports a write whose first sub-batches are durable and
// visible while the rest was never applied.
type PartialWriteError struct {
	Durable int
	Total   int
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("write applied %d of %d sub-batches: %v", e.Durable, e.Total, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// WriteResult describes an accepted write.
type WriteResult struct {
	Rows       int        `json:"rows"`
	SubBatches int        `json:"sub_batches"`
	LastSeq    types.SeqN `json:"last_seq"`
}

// Write appends rows to the WAL of table id and applies them to its active
// memtable. Batches above max_bytes_per_write_batch are split, every
// sub-batch gets its own seq.
func (e *Engine) Write(ctx context.Context, id types.TableID, rows []row.Row) (WriteResult, error) {
	t, err := e.Table(id)
	if err != nil {
		return WriteResult{}, err
	}
	if err := t.CheckWritable(); err != nil {
		return WriteResult{}, err
	}
	if len(rows) == 0 {
		return WriteResult{LastSeq: t.LastSeq()}, nil
	}
	schema := t.Schema()
	for i, r := range rows {
		if err := schema.Validate(r); err != nil {
			return WriteResult{}, fmt.Errorf("row %d: %w", i, err)
		}
	}

	if err := e.flushCtl.WaitForBudget(ctx, t); err != nil {
		return WriteResult{}, err
	}
	unlock, err := t.LockWrite(ctx, len(rows))
	if err != nil {
		return WriteResult{}, err
	}
	defer unlock()
	// the table may have been dropped while we queued
	if err := t.CheckWritable(); err != nil {
		return WriteResult{}, err
	}

	batches := row.Batch{Rows: rows}.Split(int(e.cfg.MaxBytesPerWriteBatch.Bytes()))
	res := WriteResult{SubBatches: len(batches)}
	labels := tableLabels(id)
	defer func() {
		e.metrics.IncCounter(metricWriteRows, labels, float64(res.Rows))
	}()
	for i, b := range batches {
		seq, err := e.writeBatch(ctx, id, b)
		if err != nil {
			e.metrics.IncCounter(metricWriteErrors, labels, 1)
			if i == 0 {
				return WriteResult{}, err
			}
			slog.Warn("write partially applied", "table", id, "durable", i, "total", len(batches), "err", err)
			return res, &PartialWriteError{Durable: i, Total: len(batches), Err: err}
		}
		if err := t.Apply(b.Rows, seq); err != nil {
			// the entry is durable but not visible, only a replay can fix that
			fe := t.Fail(err)
			if i == 0 {
				return WriteResult{}, fe
			}
			return res, &PartialWriteError{Durable: i, Total: len(batches), Err: fe}
		}
		res.Rows += len(b.Rows)
		res.LastSeq = seq
		e.metrics.IncCounter(metricWriteSubBatches, labels, 1)
	}

	e.flushCtl.AfterWrite(t)
	return res, nil
}

func (e *Engine) writeBatch(ctx context.Context, id types.TableID, b row.Batch) (types.SeqN, error) {
	payload, err := wal.EncodeBatch(b.Rows)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}
	seq, err := e.wal.Append(ctx, id, payload)
	if err != nil {
		return 0, fmt.Errorf("append to wal: %w", err)
	}
	return seq, nil
}
