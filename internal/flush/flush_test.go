package flush

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analyticdb/internal/table"
	"analyticdb/pkg/config"
	"analyticdb/pkg/iterator"
	"analyticdb/pkg/manifest"
	"analyticdb/pkg/objectstore"
	"analyticdb/pkg/row"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
	"analyticdb/pkg/wal"
)

var testSchema = row.Schema{
	Version: 1,
	Columns: []row.Column{{Name: "payload", Kind: row.KindString}},
}

type spaces []*table.Space

func (s spaces) Spaces() []*table.Space {
	return s
}

type env struct {
	store    *objectstore.Memory
	factory  *sst.Factory
	manifest *manifest.Manifest
	wal      *wal.Memory
	db       *table.Account
	space    *table.Space
}

func newEnv(t *testing.T, spaceLimit int64) *env {
	t.Helper()
	m, err := manifest.Open(t.TempDir(), manifest.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	store := objectstore.NewMemory()
	db := table.NewAccount("db", 0, nil)
	return &env{
		store:    store,
		factory:  sst.NewFactory(store, sst.Options{}),
		manifest: m,
		wal:      wal.NewMemory(1),
		db:       db,
		space:    table.NewSpace(1, spaceLimit, db),
	}
}

func (e *env) createTable(t *testing.T, id types.TableID) *table.Table {
	t.Helper()
	opts := config.Default().Engine.TableOpts
	_, err := e.manifest.AppendEdit(context.Background(), manifest.Edit{
		TableID: id,
		Create:  &manifest.TableMeta{Name: fmt.Sprintf("t%d", id), Space: e.space.ID(), Schema: testSchema, Options: opts},
	})
	require.NoError(t, err)
	return table.New(table.Meta{ID: id, Space: e.space.ID(), Schema: testSchema, Options: opts}, e.space, nil, 0)
}

// row100 is exactly 100 bytes of memtable usage.
func row100(i int) row.Row {
	return row.Row{
		Key:    []byte(fmt.Sprintf("k%03d", i)),
		Op:     row.OpPut,
		Values: []row.Datum{row.String(strings.Repeat("x", 86))},
	}
}

func (e *env) write(t *testing.T, tbl *table.Table, r row.Row) {
	t.Helper()
	seq, err := e.wal.Append(context.Background(), tbl.ID(), nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Apply([]row.Row{r}, seq))
}

func TestScenarioSpaceBudgetFlushesBusiestTable(t *testing.T) {
	e := newEnv(t, 1000)
	t1 := e.createTable(t, 1)
	t2 := e.createTable(t, 2)

	flusher := NewFlusher(e.factory, e.manifest, e.wal, FlusherOptions{})
	ctrl := NewController(flusher, spaces{e.space}, e.db, ControllerOptions{})
	ctrl.Start(context.Background())
	defer ctrl.Stop()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, ctrl.WaitForBudget(ctx, t1))
		e.write(t, t1, row100(i))
		ctrl.AfterWrite(t1)
	}
	assert.Equal(t, int64(600), t1.MemSize())
	assert.False(t, ctrl.Pending(t1.ID()))

	for i := 0; i < 6; i++ {
		// no writer is held back, the space never reaches twice its ceiling
		wctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		require.NoError(t, ctrl.WaitForBudget(wctx, t2))
		cancel()
		e.write(t, t2, row100(i))
		ctrl.AfterWrite(t2)
	}

	require.Eventually(t, func() bool {
		return t1.FlushedSeq() == 6 && t1.MemSize() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, t1.Version().Len())
	assert.Equal(t, types.SeqN(0), t2.FlushedSeq())
	assert.Equal(t, int64(600), e.space.Account().Used())
	assert.Equal(t, int64(600), e.db.Used())

	st, err := e.manifest.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.SeqN(6), st.FlushedSeq)
	assert.Len(t, st.Files, 1)

	// flushed entries are gone from the log
	it, err := e.wal.Replay(ctx, 1, 1, 10)
	require.NoError(t, err)
	batch, err := it.Next(ctx)
	assert.Empty(t, batch)
	assert.Error(t, err)
	require.NoError(t, it.Close())
}

func TestFlushRoundTrip(t *testing.T) {
	e := newEnv(t, 0)
	tbl := e.createTable(t, 1)
	flusher := NewFlusher(e.factory, e.manifest, e.wal, FlusherOptions{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		e.write(t, tbl, row100(i%20))
	}
	e.write(t, tbl, row.Row{Key: []byte("k005"), Op: row.OpDelete})

	before := tbl.Snapshot()
	src, err := before.Scan(ctx, e.factory, types.FullRange())
	require.NoError(t, err)
	want, err := iterator.Collect(src)
	require.NoError(t, err)
	before.Release()
	require.Len(t, want, 19)

	require.NoError(t, flusher.Flush(ctx, tbl))
	assert.Zero(t, tbl.MemSize())
	assert.Equal(t, types.SeqN(51), tbl.FlushedSeq())

	after := tbl.Snapshot()
	defer after.Release()
	assert.Zero(t, after.Memtables[0].Len())
	src, err = after.Scan(ctx, e.factory, types.FullRange())
	require.NoError(t, err)
	got, err := iterator.Collect(src)
	require.NoError(t, err)

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Key, got[i].Key)
		assert.Equal(t, want[i].Seq, got[i].Seq)
		assert.True(t, want[i].Values[0].Equal(got[i].Values[0]))
	}

	// nothing to do on an empty table
	require.NoError(t, flusher.Flush(ctx, tbl))
	assert.Equal(t, 1, tbl.Version().Len())
}

type failingManifest struct {
	calls atomic.Int32
}

func (m *failingManifest) AppendEdit(context.Context, manifest.Edit) (manifest.TableState, error) {
	m.calls.Add(1)
	return manifest.TableState{}, errors.New("disk full")
}

func TestFlushRetriesThenFails(t *testing.T) {
	e := newEnv(t, 0)
	tbl := e.createTable(t, 1)
	fm := &failingManifest{}
	flusher := NewFlusher(e.factory, fm, e.wal, FlusherOptions{MaxRetry: 2, RetryBackoff: time.Millisecond})
	ctx := context.Background()

	e.write(t, tbl, row100(1))
	err := flusher.Flush(ctx, tbl)

	var fatal *table.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, int32(3), fm.calls.Load())
	assert.ErrorIs(t, tbl.CheckWritable(), err)

	// the memtable is still buffered and no sst leaked
	assert.Equal(t, 1, tbl.FrozenCount())
	assert.Equal(t, int64(100), tbl.MemSize())
	ids, err := e.factory.List(ctx, tbl.ID())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCheckSchedulesOverThreshold(t *testing.T) {
	e := newEnv(t, 0)
	opts := config.Default().Engine.TableOpts
	opts.WriteBufferSize = 400
	_, err := e.manifest.AppendEdit(context.Background(), manifest.Edit{
		TableID: 9,
		Create:  &manifest.TableMeta{Name: "small", Space: 1, Schema: testSchema, Options: opts},
	})
	require.NoError(t, err)
	tbl := table.New(table.Meta{ID: 9, Space: 1, Schema: testSchema, Options: opts}, e.space, nil, 0)

	flusher := NewFlusher(e.factory, e.manifest, e.wal, FlusherOptions{})
	ctrl := NewController(flusher, spaces{e.space}, e.db, ControllerOptions{
		PreflushRatio: 0.5,
		CheckInterval: 5 * time.Millisecond,
	})

	e.write(t, tbl, row100(1))
	ctrl.Check()
	assert.False(t, ctrl.Pending(tbl.ID()))

	e.write(t, tbl, row100(2))
	ctrl.Start(context.Background())
	defer ctrl.Stop()

	require.Eventually(t, func() bool {
		return tbl.FlushedSeq() == 2
	}, 5*time.Second, 5*time.Millisecond)
}
