package manifest

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"analyticdb/pkg/types"
)

var (
	ErrCorrupted = errors.New("manifest is corrupted")
	ErrClosed    = errors.New("manifest is closed")
)

const (
	tablesDir    = "tables"
	snapshotFile = "snapshot.json"
	editsFile    = "edits.log"

	defaultSnapshotEvery = 100
)

type Options struct {
	// SnapshotEveryNEdits folds the edit log into a snapshot after that many
	// appends.
	SnapshotEveryNEdits int
}

// TableSummary is what ListTables reports per table.
type TableSummary struct {
	ID      types.TableID
	Name    string
	Space   types.SpaceID
	Dropped bool
}

// Manifest keeps, per table, a snapshot plus an append-only log of edits
// under dir/tables/<id>/.
type Manifest struct {
	dir  string
	opts Options

	mu     sync.Mutex
	tables map[types.TableID]*tableLog
	closed bool
}

type tableLog struct {
	mu     sync.Mutex
	dir    string
	state  TableState
	loaded bool
	file   *os.File
	edits  int
}

func Open(dir string, opts Options) (*Manifest, error) {
	if opts.SnapshotEveryNEdits <= 0 {
		opts.SnapshotEveryNEdits = defaultSnapshotEvery
	}
	if err := os.MkdirAll(filepath.Join(dir, tablesDir), 0755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	return &Manifest{
		dir:    dir,
		opts:   opts,
		tables: make(map[types.TableID]*tableLog),
	}, nil
}

func (m *Manifest) tableDir(id types.TableID) string {
	return filepath.Join(m.dir, tablesDir, strconv.FormatUint(uint64(id), 10))
}

func (m *Manifest) log(id types.TableID) (*tableLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.tables[id]
	if !ok {
		t = &tableLog{dir: m.tableDir(id), state: newState(id)}
		m.tables[id] = t
	}
	return t, nil
}

// AppendEdit durably records e and returns the state after it. The edit is
// validated against the current state first, so a rejected edit leaves no
// trace in the log.
func (m *Manifest) AppendEdit(ctx context.Context, e Edit) (TableState, error) {
	if err := ctx.Err(); err != nil {
		return TableState{}, err
	}
	t, err := m.log(e.TableID)
	if err != nil {
		return TableState{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return TableState{}, err
	}

	e.Version = t.state.Version + 1
	next := t.state.Clone()
	if err := next.Apply(e); err != nil {
		return TableState{}, err
	}

	if err := t.append(e); err != nil {
		return TableState{}, err
	}
	t.state = next
	t.edits++

	if t.edits >= m.opts.SnapshotEveryNEdits || e.Drop {
		if err := t.snapshot(); err != nil {
			// the edit is durable in the log, the snapshot is retried later
			slog.Warn("manifest snapshot failed", "table", e.TableID, "err", err)
		}
	}
	return t.state.Clone(), nil
}

// Load returns the state of a table, folding its snapshot and log on first
// use.
func (m *Manifest) Load(ctx context.Context, id types.TableID) (TableState, error) {
	if err := ctx.Err(); err != nil {
		return TableState{}, err
	}
	if _, err := os.Stat(m.tableDir(id)); errors.Is(err, os.ErrNotExist) {
		return TableState{}, fmt.Errorf("%w: %d", ErrTableNotFound, id)
	}
	t, err := m.log(id)
	if err != nil {
		return TableState{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.open(); err != nil {
		return TableState{}, err
	}
	if !t.state.Created {
		return TableState{}, fmt.Errorf("%w: %d", ErrTableNotFound, id)
	}
	return t.state.Clone(), nil
}

// ListTables enumerates every table with a manifest, dropped ones included.
func (m *Manifest) ListTables(ctx context.Context) ([]TableSummary, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, tablesDir))
	if err != nil {
		return nil, fmt.Errorf("list manifest tables: %w", err)
	}

	var out []TableSummary
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(ent.Name(), 10, 64)
		if err != nil {
			continue
		}
		st, err := m.Load(ctx, types.TableID(n))
		if errors.Is(err, ErrTableNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, TableSummary{
			ID:      st.TableID,
			Name:    st.Meta.Name,
			Space:   st.Meta.Space,
			Dropped: st.Dropped,
		})
	}
	slices.SortFunc(out, func(a, b TableSummary) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for _, t := range m.tables {
		t.mu.Lock()
		if t.file != nil {
			errs = append(errs, t.file.Close())
			t.file = nil
		}
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}

// open loads the table state once and positions the log for appends.
func (t *tableLog) open() error {
	if t.loaded {
		return nil
	}
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("create table manifest dir: %w", err)
	}

	if err := t.readSnapshot(); err != nil {
		return err
	}
	valid, err := t.replayEdits()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(t.dir, editsFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open manifest log: %w", err)
	}
	// drop a torn tail so new records follow the last good one
	if err := f.Truncate(valid); err != nil {
		f.Close()
		return fmt.Errorf("truncate manifest log: %w", err)
	}
	if _, err := f.Seek(valid, 0); err != nil {
		f.Close()
		return fmt.Errorf("seek manifest log: %w", err)
	}
	t.file = f
	t.loaded = true
	return nil
}

func (t *tableLog) readSnapshot() error {
	data, err := os.ReadFile(filepath.Join(t.dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest snapshot: %w", err)
	}
	var st TableState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: snapshot of table %d: %w", ErrCorrupted, t.state.TableID, err)
	}
	t.state = st.Clone()
	return nil
}

// replayEdits applies the log over the snapshot and returns the length of
// its valid prefix.
func (t *tableLog) replayEdits() (int64, error) {
	f, err := os.Open(filepath.Join(t.dir, editsFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open manifest log: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var valid int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			break
		}
		if err != nil {
			slog.Warn("manifest log ends with a torn record, ignoring it",
				"table", t.state.TableID, "offset", valid)
			break
		}

		e, derr := decodeRecord(line)
		if derr != nil {
			if _, perr := reader.Peek(1); perr != nil {
				// a bad last record is a torn write
				slog.Warn("manifest log ends with a bad record, ignoring it",
					"table", t.state.TableID, "offset", valid, "err", derr)
				break
			}
			return 0, fmt.Errorf("%w: table %d at offset %d: %w", ErrCorrupted, t.state.TableID, valid, derr)
		}
		valid += int64(len(line))
		t.edits++

		// edits already folded into the snapshot
		if e.Version <= t.state.Version {
			continue
		}
		if err := t.state.Apply(e); err != nil {
			return 0, fmt.Errorf("%w: table %d edit %d: %w", ErrCorrupted, t.state.TableID, e.Version, err)
		}
	}
	return valid, nil
}

func encodeRecord(e Edit) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode manifest edit: %w", err)
	}
	line := make([]byte, 0, len(body)+18)
	line = fmt.Appendf(line, "%016x ", xxhash.Sum64(body))
	line = append(line, body...)
	return append(line, '\n'), nil
}

func decodeRecord(line []byte) (Edit, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	if len(line) < 17 || line[16] != ' ' {
		return Edit{}, errors.New("short record")
	}
	sum, err := strconv.ParseUint(string(line[:16]), 16, 64)
	if err != nil {
		return Edit{}, fmt.Errorf("bad checksum field: %w", err)
	}
	body := line[17:]
	if xxhash.Sum64(body) != sum {
		return Edit{}, errors.New("checksum mismatch")
	}
	var e Edit
	if err := json.Unmarshal(body, &e); err != nil {
		return Edit{}, err
	}
	return e, nil
}

func (t *tableLog) append(e Edit) error {
	line, err := encodeRecord(e)
	if err != nil {
		return err
	}
	off, err := t.file.Seek(0, 1)
	if err != nil {
		return fmt.Errorf("manifest log offset: %w", err)
	}
	if _, err := t.file.Write(line); err != nil {
		_ = t.file.Truncate(off)
		_, _ = t.file.Seek(off, 0)
		return fmt.Errorf("write manifest edit: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		_ = t.file.Truncate(off)
		_, _ = t.file.Seek(off, 0)
		return fmt.Errorf("sync manifest edit: %w", err)
	}
	return nil
}

// snapshot writes the folded state atomically, then empties the log.
func (t *tableLog) snapshot() error {
	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest snapshot: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(t.dir, snapshotFile), data); err != nil {
		return err
	}

	if err := t.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate manifest log: %w", err)
	}
	if _, err := t.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek manifest log: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest log: %w", err)
	}
	t.edits = 0
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
