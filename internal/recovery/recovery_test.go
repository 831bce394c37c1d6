package recovery

import (
	"context"
	"fmt"
	"sync"
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
	Columns: []row.Column{{Name: "v", Kind: row.KindInt64}},
}

type fixture struct {
	manifest *manifest.Manifest
	wal      *wal.Memory
	factory  *sst.Factory
	ids      []types.TableID
}

func newFixture(t *testing.T, tables int) *fixture {
	t.Helper()
	m, err := manifest.Open(t.TempDir(), manifest.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	f := &fixture{
		manifest: m,
		wal:      wal.NewMemory(1),
		factory:  sst.NewFactory(objectstore.NewMemory(), sst.Options{}),
	}
	ctx := context.Background()
	for i := 1; i <= tables; i++ {
		id := types.TableID(i)
		_, err := m.AppendEdit(ctx, manifest.Edit{
			TableID: id,
			Create: &manifest.TableMeta{
				Name:    fmt.Sprintf("t%d", i),
				Space:   1,
				Schema:  testSchema,
				Options: config.Default().Engine.TableOpts,
			},
		})
		require.NoError(t, err)
		f.ids = append(f.ids, id)
	}
	return f
}

func (f *fixture) append(t *testing.T, id types.TableID, rows ...row.Row) types.SeqN {
	t.Helper()
	payload, err := wal.EncodeBatch(rows)
	require.NoError(t, err)
	seq, err := f.wal.Append(context.Background(), id, payload)
	require.NoError(t, err)
	return seq
}

func put(key string, v int64) row.Row {
	return row.Row{Key: []byte(key), Op: row.OpPut, Values: []row.Datum{row.Int64(v)}}
}

// populate interleaves writes of every table on the single shard.
func (f *fixture) populate(t *testing.T) {
	t.Helper()
	for round := range 6 {
		for _, id := range f.ids {
			f.append(t, id,
				put(fmt.Sprintf("a%d", round%4), int64(id)*100+int64(round)),
				put(fmt.Sprintf("b%d", round), int64(round)),
			)
			if round == 4 {
				f.append(t, id, row.Row{Key: []byte("a1"), Op: row.OpDelete})
			}
		}
	}
}

type harness struct {
	space *table.Space

	mu     sync.Mutex
	tables map[types.TableID]*table.Table

	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newHarness() *harness {
	return &harness{
		space:  table.NewSpace(1, 0, table.NewAccount("db", 0, nil)),
		tables: make(map[types.TableID]*table.Table),
	}
}

func (h *harness) build(st manifest.TableState) (*table.Table, error) {
	n := h.inflight.Add(1)
	defer h.inflight.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(h.delay)

	t := table.New(table.Meta{
		ID:      st.TableID,
		Name:    st.Meta.Name,
		Space:   st.Meta.Space,
		Schema:  st.Meta.Schema,
		Options: st.Meta.Options,
	}, h.space, nil, 0)
	h.mu.Lock()
	h.tables[st.TableID] = t
	h.mu.Unlock()
	return t, nil
}

func (h *harness) discard(t *table.Table) {
	h.mu.Lock()
	delete(h.tables, t.ID())
	h.mu.Unlock()
	t.Close(false)
}

func (h *harness) contents(t *testing.T, f *fixture) map[types.TableID][]row.Row {
	t.Helper()
	out := make(map[types.TableID][]row.Row)
	for id, tbl := range h.tables {
		snap := tbl.Snapshot()
		src, err := snap.Scan(context.Background(), f.factory, types.FullRange())
		require.NoError(t, err)
		rows, err := iterator.Collect(src)
		snap.Release()
		require.NoError(t, err)
		out[id] = rows
	}
	return out
}

func (f *fixture) recover(t *testing.T, h *harness, opts Options) *Report {
	t.Helper()
	r := New(f.manifest, f.wal, f.factory, h.build, h.discard, opts)
	rep, err := r.Recover(context.Background(), f.ids)
	require.NoError(t, err)
	return rep
}

func TestShardBasedMatchesTableBased(t *testing.T) {
	f := newFixture(t, 5)
	f.populate(t)

	ref := newHarness()
	refRep := f.recover(t, ref, Options{Mode: config.RecoverTableBased})
	require.Empty(t, refRep.Failed)
	assert.Equal(t, f.ids, refRep.Recovered)
	want := ref.contents(t, f)

	sharded := newHarness()
	sharded.delay = 20 * time.Millisecond
	rep := f.recover(t, sharded, Options{Mode: config.RecoverShardBased, MaxTablesPerBatch: 2})
	require.Empty(t, rep.Failed)
	assert.Equal(t, f.ids, rep.Recovered)
	assert.Equal(t, [][]types.TableID{{1, 2}, {3, 4}, {5}}, rep.Batches)
	assert.Equal(t, int32(2), sharded.peak.Load())

	got := sharded.contents(t, f)
	require.Len(t, got, 5)
	for id, rows := range want {
		require.Len(t, got[id], len(rows), "table %d", id)
		for i := range rows {
			assert.Equal(t, rows[i].Key, got[id][i].Key)
			assert.Equal(t, rows[i].Seq, got[id][i].Seq)
			assert.True(t, rows[i].Values[0].Equal(got[id][i].Values[0]))
		}
		// a1 was deleted in round 4 and rewritten in round 5
		assert.Equal(t, ref.tables[id].LastSeq(), sharded.tables[id].LastSeq())
	}
}

func TestReplaySkipsFlushedEntries(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	for i := range 5 {
		f.append(t, 1, put(fmt.Sprintf("k%d", i), int64(i)))
		f.append(t, 2, put(fmt.Sprintf("k%d", i), int64(i)))
	}
	for _, id := range f.ids {
		_, err := f.manifest.AppendEdit(ctx, manifest.Edit{TableID: id, FlushedSeq: 3})
		require.NoError(t, err)
	}
	// table 1 reclaimed its log, table 2 did not get to it
	require.NoError(t, f.wal.MarkDeleted(ctx, 1, 3))

	for _, mode := range []config.RecoverMode{config.RecoverTableBased, config.RecoverShardBased} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness()
			rep := f.recover(t, h, Options{Mode: mode})
			require.Empty(t, rep.Failed)

			got := h.contents(t, f)
			for _, id := range f.ids {
				rows := got[id]
				require.Len(t, rows, 2)
				assert.Equal(t, []byte("k3"), rows[0].Key)
				assert.Equal(t, []byte("k4"), rows[1].Key)
				assert.Equal(t, types.SeqN(3), h.tables[id].FlushedSeq())
				assert.Equal(t, types.SeqN(5), h.tables[id].LastSeq())
			}
		})
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	f.populate(t)

	first := newHarness()
	f.recover(t, first, Options{})
	once := first.contents(t, f)

	// replaying the same log into an already recovered table changes nothing
	r := New(f.manifest, f.wal, f.factory, first.build, first.discard, Options{})
	tbl := first.tables[1]
	require.NoError(t, r.replayTable(context.Background(), tbl))
	twice := first.contents(t, f)
	assert.Equal(t, once, twice)

	second := newHarness()
	f.recover(t, second, Options{})
	assert.Equal(t, once, second.contents(t, f))
}

func TestFailedTableIsIsolated(t *testing.T) {
	f := newFixture(t, 3)
	f.populate(t)
	_, err := f.wal.Append(context.Background(), 2, []byte("not a batch"))
	require.NoError(t, err)

	for _, mode := range []config.RecoverMode{config.RecoverTableBased, config.RecoverShardBased} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness()
			rep := f.recover(t, h, Options{Mode: mode})
			assert.Equal(t, []types.TableID{1, 3}, rep.Recovered)
			require.Contains(t, rep.Failed, types.TableID(2))
			assert.NotContains(t, h.tables, types.TableID(2))
			_, ok := h.space.Table(2)
			assert.False(t, ok)
		})
	}
}

func TestDroppedAndOrphans(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.append(t, 1, put("k", 1))

	orphan, err := f.factory.Write(ctx, 1, 7, testSchema, iterator.FromSlice([]row.Row{put("k", 1)}), sst.WriterOptions{})
	require.NoError(t, err)
	require.Equal(t, types.FileID(7), orphan.ID)

	_, err = f.manifest.AppendEdit(ctx, manifest.Edit{TableID: 2, Drop: true})
	require.NoError(t, err)

	h := newHarness()
	rep := f.recover(t, h, Options{})
	assert.Equal(t, []types.TableID{1}, rep.Recovered)
	assert.Empty(t, rep.Failed)

	stored, err := f.factory.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, stored)
	// allocation resumes past every file id seen by the manifest
	assert.Equal(t, types.FileID(1), h.tables[1].NextFileID())
}

func TestUnknownMode(t *testing.T) {
	f := newFixture(t, 1)
	r := New(f.manifest, f.wal, f.factory, newHarness().build, nil, Options{Mode: "Bogus"})
	_, err := r.Recover(context.Background(), f.ids)
	assert.Error(t, err)
}
