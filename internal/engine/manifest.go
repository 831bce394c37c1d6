package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"analyticdb/internal/table"
	"analyticdb/pkg/config"
	"analyticdb/pkg/manifest"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

var ErrInvalidSchema = errors.New("invalid schema")

// CreateSpace registers a space. Spaces of recovered tables are registered
// by Open, creating an existing space is a no-op.
func (e *Engine) CreateSpace(id types.SpaceID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spaceLocked(id)
	return nil
}

func (e *Engine) spaceLocked(id types.SpaceID) *table.Space {
	s, ok := e.spaces[id]
	if !ok {
		s = table.NewSpace(id, e.cfg.SpaceWriteBufferSize.Bytes(), e.db)
		e.spaces[id] = s
		slog.Debug("space created", "space", id)
	}
	return s
}

func validateSchema(s row.Schema) error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: empty column name", ErrInvalidSchema)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// CreateTable persists a new table in space. Zero options fall back to the
// engine table_opts.
func (e *Engine) CreateTable(ctx context.Context, space types.SpaceID, name string, schema row.Schema, opts config.TableOptions) (types.TableID, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, fmt.Errorf("%w: empty table name", ErrInvalidSchema)
	}
	if err := validateSchema(schema); err != nil {
		return 0, err
	}

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	e.mu.RLock()
	_, spaceOK := e.spaces[space]
	for _, t := range e.tables {
		if t.Space().ID() == space && t.Name() == name {
			e.mu.RUnlock()
			return 0, fmt.Errorf("%w: %q in space %d", ErrTableExists, name, space)
		}
	}
	id := e.nextTableID
	e.mu.RUnlock()
	if !spaceOK {
		return 0, fmt.Errorf("%w: %d", ErrSpaceNotFound, space)
	}

	meta := manifest.TableMeta{
		Name:    name,
		Space:   space,
		Schema:  schema,
		Options: opts.Merge(e.cfg.TableOpts),
	}
	st, err := e.manifest.AppendEdit(ctx, manifest.Edit{TableID: id, Create: &meta})
	if err != nil {
		return 0, fmt.Errorf("create table %q: %w", name, err)
	}
	if _, err := e.buildTable(st); err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.nextTableID++
	e.mu.Unlock()
	slog.Info("table created", "table", id, "name", name, "space", space)
	return id, nil
}

// buildTable opens the in-memory side of a persisted table.
func (e *Engine) buildTable(st manifest.TableState) (*table.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tables[st.TableID]; ok {
		return nil, fmt.Errorf("%w: %d", ErrTableExists, st.TableID)
	}
	space := e.spaceLocked(st.Meta.Space)
	t := table.New(table.Meta{
		ID:      st.TableID,
		Name:    st.Meta.Name,
		Space:   st.Meta.Space,
		Schema:  st.Meta.Schema,
		Options: st.Meta.Options,
	}, space, e.purger, e.cfg.MaxRowsInWriteQueue)
	e.tables[st.TableID] = t
	return t, nil
}

func (e *Engine) discardTable(t *table.Table) {
	e.mu.Lock()
	delete(e.tables, t.ID())
	e.mu.Unlock()
	t.Close(false)
}

// Table returns an open table.
func (e *Engine) Table(id types.TableID) (*table.Table, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.tables[id]; ok {
		return t, nil
	}
	if err, ok := e.failed[id]; ok {
		return nil, fmt.Errorf("%w: table %d: %w", ErrTableUnavailable, id, err)
	}
	return nil, fmt.Errorf("%w: %d", ErrTableNotFound, id)
}

// TableByName finds a table by its name inside a space.
func (e *Engine) TableByName(space types.SpaceID, name string) (*table.Table, error) {
	for _, t := range e.Tables() {
		if t.Space().ID() == space && t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q in space %d", ErrTableNotFound, name, space)
}

// DropTable stops the background work of a table, records the drop and
// deletes its files.
func (e *Engine) DropTable(ctx context.Context, id types.TableID) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	t, err := e.Table(id)
	if err != nil {
		return err
	}
	t.MarkDropped()

	// running flushes and compactions see the cancellation and back off
	if err := e.compactor.WaitTable(ctx, id); err != nil {
		return err
	}
	unlock := t.LockFlush()
	defer unlock()

	if _, err := e.manifest.AppendEdit(ctx, manifest.Edit{TableID: id, Drop: true}); err != nil {
		return fmt.Errorf("drop table %d: %w", id, err)
	}

	e.mu.Lock()
	delete(e.tables, id)
	e.mu.Unlock()
	t.Close(true)

	if err := e.wal.MarkDeleted(ctx, id, e.wal.LastSeq(id)); err != nil {
		slog.Warn("failed to reclaim wal of dropped table", "table", id, "err", err)
	}
	slog.Info("table dropped", "table", id, "name", t.Name())
	return nil
}
