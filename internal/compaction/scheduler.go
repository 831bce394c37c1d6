package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"analyticdb/internal/table"
	"analyticdb/pkg/listener"
	"analyticdb/pkg/types"
)

var ErrNothingToCompact = errors.New("nothing to compact")

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = time.Minute
	historySize         = 256
)

// Registry exposes the tables the scheduler scans.
type Registry interface {
	Tables() []*table.Table
}

type SchedulerOptions struct {
	ChannelLen      int
	Interval        time.Duration
	MaxOngoingTasks int
	MaxRetry        int
	RetryBackoff    time.Duration
}

type running struct {
	task *Task
	done chan struct{}
}

// Scheduler runs compactions in the background. Tasks of different tables
// run in parallel up to MaxOngoingTasks, a table has at most one task.
type Scheduler struct {
	exec     *Executor
	picker   Picker
	registry Registry
	opts     SchedulerOptions

	requests chan *table.Table
	listener *listener.Listener[*table.Table]
	slots    chan struct{}

	mu      sync.Mutex
	running map[types.TableID]*running
	history []*Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(exec *Executor, picker Picker, registry Registry, opts SchedulerOptions) *Scheduler {
	if opts.ChannelLen <= 0 {
		opts.ChannelLen = 16
	}
	if opts.MaxOngoingTasks <= 0 {
		opts.MaxOngoingTasks = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	s := &Scheduler{
		exec:     exec,
		picker:   picker,
		registry: registry,
		opts:     opts,
		requests: make(chan *table.Table, opts.ChannelLen),
		slots:    make(chan struct{}, opts.MaxOngoingTasks),
		running:  make(map[types.TableID]*running),
		ctx:      context.Background(),
		cancel:   func() {},
	}
	s.listener = listener.New("compaction-scheduler", s.requests, s.handleRequest)
	return s
}

func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener.Start(s.ctx)

	if s.opts.Interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.opts.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					for _, t := range s.registry.Tables() {
						s.Request(t)
					}
				}
			}
		}()
	}
}

// Stop cancels running tasks and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	s.listener.Stop()
	s.wg.Wait()
}

// Request asks for a background compaction of t. It never blocks.
func (s *Scheduler) Request(t *table.Table) bool {
	select {
	case s.requests <- t:
		return true
	default:
		return false
	}
}

func (s *Scheduler) handleRequest(t *table.Table) error {
	task, err := s.prepare(t)
	if err != nil || task == nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(s.ctx, t, task)
	}()
	return nil
}

// prepare claims the compaction slot of t and picks inputs. It returns a
// nil task when there is nothing to do.
func (s *Scheduler) prepare(t *table.Table) (*Task, error) {
	if t.Dropped() || t.Fatal() != nil {
		return nil, nil
	}
	if !t.TryStartCompaction() {
		return nil, nil
	}
	inputs := s.picker.Pick(t.Version().Metas())
	if len(inputs) < 2 {
		t.FinishCompaction()
		return nil, nil
	}

	task := NewTask(t.ID(), inputs)
	s.mu.Lock()
	s.running[t.ID()] = &running{task: task, done: make(chan struct{})}
	s.mu.Unlock()
	slog.Debug("compaction task created", "table", t.ID(), "task", task.ID, "inputs", len(inputs))
	return task, nil
}

// Compact runs a compaction of t in the calling goroutine. It still counts
// against the concurrency cap.
func (s *Scheduler) Compact(ctx context.Context, t *table.Table) (*Task, error) {
	task, err := s.prepare(t)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNothingToCompact
	}
	return task, s.execute(ctx, t, task)
}

func (s *Scheduler) execute(ctx context.Context, t *table.Table, task *Task) error {
	defer s.finish(t, task)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		_ = task.transition(StateCancelled)
		return ctx.Err()
	}
	defer func() { <-s.slots }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.Context(), cancel)
	defer stop()

	backoff := s.opts.RetryBackoff
	for {
		if err := task.transition(StateRunning); err != nil {
			return err
		}
		err := s.exec.Run(ctx, t, task)
		switch {
		case err == nil:
			return task.transition(StateCommitted)
		case errors.Is(err, ErrCancelled) || t.Dropped() || ctx.Err() != nil:
			task.Err = err
			_ = task.transition(StateCancelled)
			slog.Info("compaction cancelled", "table", t.ID(), "task", task.ID, "err", err)
			return err
		}

		task.Err = err
		_ = task.transition(StateFailed)
		if task.Attempts > s.opts.MaxRetry {
			_ = task.transition(StateFailedFatal)
			fe := t.Fail(fmt.Errorf("compaction task %s: %w", task.ID, err))
			slog.Error("compaction retries exhausted, table is write-unavailable",
				"table", t.ID(), "task", task.ID, "attempts", task.Attempts, "err", err)
			return fe
		}
		slog.Warn("compaction failed, retrying",
			"table", t.ID(), "task", task.ID, "attempt", task.Attempts, "backoff", backoff, "err", err)

		select {
		case <-ctx.Done():
			_ = task.transition(StateCancelled)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (s *Scheduler) finish(t *table.Table, task *Task) {
	s.mu.Lock()
	if r, ok := s.running[t.ID()]; ok && r.task == task {
		delete(s.running, t.ID())
		close(r.done)
	}
	s.history = append(s.history, task)
	if len(s.history) > historySize {
		s.history = slices.Delete(s.history, 0, len(s.history)-historySize)
	}
	s.mu.Unlock()
	t.FinishCompaction()
}

// WaitTable blocks until the running task of a table, if any, is done.
func (s *Scheduler) WaitTable(ctx context.Context, id types.TableID) error {
	s.mu.Lock()
	r, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tasks reports running tasks followed by the most recent finished ones.
func (s *Scheduler) Tasks() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.running)+len(s.history))
	for _, r := range s.running {
		out = append(out, r.task.Info())
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i].Info())
	}
	return out
}
