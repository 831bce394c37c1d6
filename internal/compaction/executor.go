package compaction

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"analyticdb/internal/table"
	"analyticdb/pkg/config"
	"analyticdb/pkg/iterator"
	"analyticdb/pkg/manifest"
	"analyticdb/pkg/row"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

var ErrCancelled = errors.New("compaction cancelled")

// Manifest records the file swap of a compaction.
type Manifest interface {
	AppendEdit(ctx context.Context, e manifest.Edit) (manifest.TableState, error)
}

type ExecutorOptions struct {
	MaxBufferSize config.Size
	// MaxOutputRows splits the output into several files, zero keeps one.
	MaxOutputRows int
}

// Executor merges the inputs of a task into new files and commits the swap
// with a single manifest edit.
type Executor struct {
	factory  *sst.Factory
	manifest Manifest
	opts     ExecutorOptions
}

func NewExecutor(factory *sst.Factory, m Manifest, opts ExecutorOptions) *Executor {
	return &Executor{factory: factory, manifest: m, opts: opts}
}

// Run executes one attempt of task. Nothing is left behind when it fails or
// is cancelled: outputs are deleted and inputs stay live.
func (e *Executor) Run(ctx context.Context, t *table.Table, task *Task) error {
	started := time.Now()
	handles, err := t.RefFiles(task.InputIDs())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	defer func() {
		for _, h := range handles {
			h.Unref()
		}
	}()

	inputs := slices.Clone(task.Inputs)
	slices.SortFunc(inputs, func(a, b sst.FileMeta) int {
		return cmp.Compare(b.SeqMax, a.SeqMax)
	})
	var maxSeq types.SeqN
	sources := make([]iterator.Source, 0, len(inputs))
	for _, f := range inputs {
		r, err := e.factory.Open(ctx, t.ID(), f.ID)
		if err != nil {
			return fmt.Errorf("open compaction input %d: %w", f.ID, err)
		}
		sources = append(sources, r.Read(ctx, types.FullRange(), types.MaxSeqN))
		maxSeq = max(maxSeq, f.SeqMax)
	}
	bottom := BottomMost(task.Inputs, t.Version().Metas())
	merged := iterator.Compact(iterator.Merge(sources...), maxSeq, bottom)

	outputs, err := e.writeOutputs(ctx, t, merged)
	if err != nil {
		e.discard(ctx, t.ID(), outputs)
		if t.Dropped() || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return err
	}
	if t.Dropped() || ctx.Err() != nil {
		e.discard(ctx, t.ID(), outputs)
		return ErrCancelled
	}

	edit := manifest.Edit{
		TableID:     t.ID(),
		AddFiles:    outputs,
		RemoveFiles: task.InputIDs(),
		NextFileID:  t.NextFileID(),
	}
	if _, err := e.manifest.AppendEdit(ctx, edit); err != nil {
		e.discard(ctx, t.ID(), outputs)
		if errors.Is(err, manifest.ErrTableDropped) {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return fmt.Errorf("append compaction edit: %w", err)
	}

	task.Outputs = outputs
	t.InstallCompaction(task.InputIDs(), outputs)

	var outBytes int64
	for _, f := range outputs {
		outBytes += f.Size
	}
	slog.Info("compaction committed",
		"table", t.ID(), "task", task.ID, "inputs", len(task.Inputs), "outputs", len(outputs),
		"input_bytes", task.InputBytes(), "output_bytes", outBytes, "bottom_most", bottom,
		"took", time.Since(started))
	return nil
}

func (e *Executor) writeOutputs(ctx context.Context, t *table.Table, merged iterator.Source) ([]sst.FileMeta, error) {
	next, stop := iter.Pull2(merged)
	defer stop()

	var outputs []sst.FileMeta
	for {
		first, err, ok := next()
		if err != nil {
			return outputs, err
		}
		if !ok {
			return outputs, nil
		}

		chunk := func(yield func(row.Row, error) bool) {
			if !yield(first, nil) {
				return
			}
			for n := 1; e.opts.MaxOutputRows <= 0 || n < e.opts.MaxOutputRows; n++ {
				r, err, ok := next()
				if !ok {
					return
				}
				if !yield(r, err) || err != nil {
					return
				}
			}
		}

		id := t.AllocFileID()
		meta, err := e.factory.Write(ctx, t.ID(), id, t.Schema(), chunk, t.WriterOptions(e.opts.MaxBufferSize))
		if err != nil {
			return outputs, fmt.Errorf("write compaction output %d: %w", id, err)
		}
		outputs = append(outputs, meta)
	}
}

func (e *Executor) discard(ctx context.Context, id types.TableID, outputs []sst.FileMeta) {
	for _, f := range outputs {
		if err := e.factory.Delete(context.WithoutCancel(ctx), id, f.ID); err != nil {
			slog.Warn("failed to delete discarded compaction output", "table", id, "file", f.ID, "err", err)
		}
	}
}
