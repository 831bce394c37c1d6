package engine

import (
	"context"

	"analyticdb/internal/compaction"
	"analyticdb/pkg/types"
)

// Flush persists every buffered row of the table.
func (e *Engine) Flush(ctx context.Context, id types.TableID) error {
	t, err := e.Table(id)
	if err != nil {
		return err
	}
	return e.flushCtl.FlushNow(ctx, t)
}

// Compact runs one compaction of the table in the calling goroutine. It
// returns compaction.ErrNothingToCompact when no bucket qualifies. The
// returned info describes the task even when it failed.
func (e *Engine) Compact(ctx context.Context, id types.TableID) (compaction.Info, error) {
	t, err := e.Table(id)
	if err != nil {
		return compaction.Info{}, err
	}
	task, err := e.compactor.Compact(ctx, t)
	if task == nil {
		return compaction.Info{}, err
	}
	return task.Info(), err
}
