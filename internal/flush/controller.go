package flush

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"analyticdb/internal/table"
	"analyticdb/pkg/listener"
	"analyticdb/pkg/types"
)

// Trigger names why a flush was scheduled.
type Trigger string

const (
	TriggerTable    Trigger = "table_write_buffer"
	TriggerSpace    Trigger = "space_write_buffer"
	TriggerDB       Trigger = "db_write_buffer"
	TriggerExplicit Trigger = "explicit"
)

// Registry exposes the spaces whose tables the controller watches.
type Registry interface {
	Spaces() []*table.Space
}

type ControllerOptions struct {
	PreflushRatio float64
	CheckInterval time.Duration
	Workers       int
	QueueSize     int
	// AfterFlush runs after every successful flush.
	AfterFlush func(t *table.Table)
}

type job struct {
	table   *table.Table
	trigger Trigger
}

// Controller watches write buffer usage and schedules flushes on a pool of
// workers. A table is queued at most once at a time.
type Controller struct {
	flusher  *Flusher
	registry Registry
	db       *table.Account
	opts     ControllerOptions

	jobs    chan job
	workers []*listener.Listener[job]

	mu      sync.Mutex
	pending map[types.TableID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(flusher *Flusher, registry Registry, db *table.Account, opts ControllerOptions) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PreflushRatio <= 0 || opts.PreflushRatio > 1 {
		opts.PreflushRatio = 0.75
	}
	c := &Controller{
		flusher:  flusher,
		registry: registry,
		db:       db,
		opts:     opts,
		jobs:     make(chan job, opts.QueueSize),
		pending:  make(map[types.TableID]bool),
		cancel:   func() {},
		ctx:      context.Background(),
	}
	for i := range opts.Workers {
		c.workers = append(c.workers, listener.New(fmt.Sprintf("flush-worker-%d", i), c.jobs, c.run))
	}
	return c
}

func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, w := range c.workers {
		w.Start(c.ctx)
	}
	if c.opts.CheckInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.opts.CheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.ctx.Done():
					return
				case <-ticker.C:
					c.Check()
				}
			}
		}()
	}
}

func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
	for _, w := range c.workers {
		w.Stop()
	}
}

func (c *Controller) run(j job) error {
	defer func() {
		c.mu.Lock()
		delete(c.pending, j.table.ID())
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(j.table.Context(), cancel)
	defer stop()

	slog.Debug("flush scheduled", "table", j.table.ID(), "trigger", j.trigger)
	if err := c.flusher.Flush(ctx, j.table); err != nil {
		return fmt.Errorf("flush table %d: %w", j.table.ID(), err)
	}
	if c.opts.AfterFlush != nil {
		c.opts.AfterFlush(j.table)
	}
	return nil
}

// Schedule queues a background flush of t. It returns false when t is
// already queued or the queue is full.
func (c *Controller) Schedule(t *table.Table, trigger Trigger) bool {
	c.mu.Lock()
	if c.pending[t.ID()] {
		c.mu.Unlock()
		return false
	}
	c.pending[t.ID()] = true
	c.mu.Unlock()

	select {
	case c.jobs <- job{table: t, trigger: trigger}:
		return true
	default:
		c.mu.Lock()
		delete(c.pending, t.ID())
		c.mu.Unlock()
		slog.Warn("flush queue is full", "table", t.ID(), "trigger", trigger)
		return false
	}
}

// Pending reports whether a flush of the table is queued or running.
func (c *Controller) Pending(id types.TableID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// FlushNow flushes t synchronously.
func (c *Controller) FlushNow(ctx context.Context, t *table.Table) error {
	if err := c.flusher.Flush(ctx, t); err != nil {
		return err
	}
	if c.opts.AfterFlush != nil {
		c.opts.AfterFlush(t)
	}
	return nil
}

// AfterWrite evaluates the triggers touched by a write to t.
func (c *Controller) AfterWrite(t *table.Table) {
	if c.tableOverThreshold(t) {
		c.Schedule(t, TriggerTable)
	}
	if space := t.Space(); space.Account().Exceeded() {
		if busiest := table.Busiest(space.Tables()); busiest != nil {
			c.Schedule(busiest, TriggerSpace)
		}
	}
	if c.db != nil && c.db.Exceeded() {
		if busiest := table.Busiest(c.allTables()); busiest != nil {
			c.Schedule(busiest, TriggerDB)
		}
	}
}

// Check evaluates every trigger over every table.
func (c *Controller) Check() {
	for _, space := range c.registry.Spaces() {
		tables := space.Tables()
		for _, t := range tables {
			if c.tableOverThreshold(t) || t.FrozenCount() > 0 && !t.Dropped() {
				c.Schedule(t, TriggerTable)
			}
		}
		if space.Account().Exceeded() {
			if busiest := table.Busiest(tables); busiest != nil {
				c.Schedule(busiest, TriggerSpace)
			}
		}
	}
	if c.db != nil && c.db.Exceeded() {
		if busiest := table.Busiest(c.allTables()); busiest != nil {
			c.Schedule(busiest, TriggerDB)
		}
	}
}

// WaitForBudget holds a writer back while the write buffers it charges stay
// above twice their ceilings.
func (c *Controller) WaitForBudget(ctx context.Context, t *table.Table) error {
	if !t.Space().Account().Saturated() && (c.db == nil || !c.db.Saturated()) {
		return nil
	}
	// make sure somebody is flushing while we wait
	c.AfterWrite(t)
	return t.Space().Account().WaitAvailable(ctx)
}

func (c *Controller) tableOverThreshold(t *table.Table) bool {
	if t.Dropped() || t.Fatal() != nil {
		return false
	}
	limit := int64(c.opts.PreflushRatio * float64(t.Options().WriteBufferSize))
	return limit > 0 && t.MutableSize() >= limit
}

func (c *Controller) allTables() []*table.Table {
	var out []*table.Table
	for _, space := range c.registry.Spaces() {
		out = append(out, space.Tables()...)
	}
	return out
}
