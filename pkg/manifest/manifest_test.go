package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analyticdb/pkg/config"
	"analyticdb/pkg/row"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

var testSchema = row.Schema{
	Version: 1,
	Columns: []row.Column{{Name: "v", Kind: row.KindInt64}},
}

func createEdit(id types.TableID, name string) Edit {
	return Edit{
		TableID: id,
		Create:  &TableMeta{Name: name, Space: 1, Schema: testSchema},
	}
}

func file(id types.FileID, min, max string) sst.FileMeta {
	return sst.FileMeta{ID: id, KeyMin: []byte(min), KeyMax: []byte(max), SeqMax: types.SeqN(id), Rows: 1}
}

func TestAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := Open(dir, Options{SnapshotEveryNEdits: 100})
	require.NoError(t, err)

	_, err = m.AppendEdit(ctx, createEdit(1, "metrics"))
	require.NoError(t, err)
	_, err = m.AppendEdit(ctx, Edit{TableID: 1, AddFiles: []sst.FileMeta{file(1, "a", "c")}, FlushedSeq: 10})
	require.NoError(t, err)
	_, err = m.AppendEdit(ctx, Edit{TableID: 1, AddFiles: []sst.FileMeta{file(2, "b", "d")}, FlushedSeq: 20})
	require.NoError(t, err)
	st, err := m.AppendEdit(ctx, Edit{
		TableID:     1,
		AddFiles:    []sst.FileMeta{file(3, "a", "d")},
		RemoveFiles: []types.FileID{1, 2},
	})
	require.NoError(t, err)
	assert.Len(t, st.Files, 1)
	assert.Equal(t, uint64(4), st.Version)
	require.NoError(t, m.Close())

	m, err = Open(dir, Options{SnapshotEveryNEdits: 100})
	require.NoError(t, err)
	defer m.Close()

	st, err = m.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "metrics", st.Meta.Name)
	assert.Equal(t, types.SeqN(20), st.FlushedSeq)
	assert.Equal(t, types.FileID(4), st.NextFileID)
	files := st.SortedFiles()
	require.Len(t, files, 1)
	assert.Equal(t, types.FileID(3), files[0].ID)
	assert.Equal(t, "d", string(files[0].KeyMax))
}

func TestRejectedEditsLeaveNoTrace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := Open(dir, Options{})
	require.NoError(t, err)

	_, err = m.AppendEdit(ctx, Edit{TableID: 5, FlushedSeq: 3})
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = m.AppendEdit(ctx, createEdit(5, "t"))
	require.NoError(t, err)
	_, err = m.AppendEdit(ctx, createEdit(5, "t"))
	assert.ErrorIs(t, err, ErrInvalidEdit)
	_, err = m.AppendEdit(ctx, Edit{TableID: 5, RemoveFiles: []types.FileID{9}})
	assert.ErrorIs(t, err, ErrInvalidEdit)

	_, err = m.AppendEdit(ctx, Edit{TableID: 5, Drop: true})
	require.NoError(t, err)
	_, err = m.AppendEdit(ctx, Edit{TableID: 5, FlushedSeq: 9})
	assert.ErrorIs(t, err, ErrTableDropped)
	require.NoError(t, m.Close())

	m, err = Open(dir, Options{})
	require.NoError(t, err)
	defer m.Close()
	st, err := m.Load(ctx, 5)
	require.NoError(t, err)
	assert.True(t, st.Dropped)
	assert.Equal(t, uint64(2), st.Version)
}

func TestSnapshotCompactsLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := Open(dir, Options{SnapshotEveryNEdits: 3})
	require.NoError(t, err)

	_, err = m.AppendEdit(ctx, createEdit(2, "snap"))
	require.NoError(t, err)
	for i := 1; i <= 7; i++ {
		_, err = m.AppendEdit(ctx, Edit{
			TableID:    2,
			AddFiles:   []sst.FileMeta{file(types.FileID(i), "a", "b")},
			FlushedSeq: types.SeqN(i * 10),
		})
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	tableDir := filepath.Join(dir, tablesDir, "2")
	_, err = os.Stat(filepath.Join(tableDir, snapshotFile))
	require.NoError(t, err)
	log, err := os.ReadFile(filepath.Join(tableDir, editsFile))
	require.NoError(t, err)
	// 8 edits with a snapshot every 3 leave 2 in the log
	assert.Len(t, splitLines(log), 2)

	m, err = Open(dir, Options{SnapshotEveryNEdits: 3})
	require.NoError(t, err)
	defer m.Close()
	st, err := m.Load(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, st.Files, 7)
	assert.Equal(t, types.SeqN(70), st.FlushedSeq)
	assert.Equal(t, uint64(8), st.Version)
}

func TestSnapshotWithStaleLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := Open(dir, Options{SnapshotEveryNEdits: 100})
	require.NoError(t, err)
	_, err = m.AppendEdit(ctx, createEdit(3, "stale"))
	require.NoError(t, err)
	_, err = m.AppendEdit(ctx, Edit{TableID: 3, AddFiles: []sst.FileMeta{file(1, "a", "b")}})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// crash between the snapshot rename and the log truncation
	tableDir := filepath.Join(dir, tablesDir, "3")
	log, err := os.ReadFile(filepath.Join(tableDir, editsFile))
	require.NoError(t, err)
	m, err = Open(dir, Options{SnapshotEveryNEdits: 1})
	require.NoError(t, err)
	_, err = m.AppendEdit(ctx, Edit{TableID: 3, FlushedSeq: 5})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, os.WriteFile(filepath.Join(tableDir, editsFile), log, 0644))

	m, err = Open(dir, Options{})
	require.NoError(t, err)
	defer m.Close()
	st, err := m.Load(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, st.Files, 1)
	assert.Equal(t, types.SeqN(5), st.FlushedSeq)
	assert.Equal(t, uint64(3), st.Version)
}

func TestTornTailAndCorruption(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (string, string) {
		dir := t.TempDir()
		m, err := Open(dir, Options{})
		require.NoError(t, err)
		_, err = m.AppendEdit(ctx, createEdit(1, "t"))
		require.NoError(t, err)
		for i := 1; i <= 3; i++ {
			_, err = m.AppendEdit(ctx, Edit{TableID: 1, FlushedSeq: types.SeqN(i)})
			require.NoError(t, err)
		}
		require.NoError(t, m.Close())
		return dir, filepath.Join(dir, tablesDir, "1", editsFile)
	}

	t.Run("torn tail", func(t *testing.T) {
		dir, path := setup(t)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0644))

		m, err := Open(dir, Options{})
		require.NoError(t, err)
		defer m.Close()
		st, err := m.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.SeqN(2), st.FlushedSeq)

		// new edits land after the last good record
		_, err = m.AppendEdit(ctx, Edit{TableID: 1, FlushedSeq: 7})
		require.NoError(t, err)
		require.NoError(t, m.Close())
		m, err = Open(dir, Options{})
		require.NoError(t, err)
		st, err = m.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.SeqN(7), st.FlushedSeq)
	})

	t.Run("corrupted middle", func(t *testing.T) {
		dir, path := setup(t)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := splitLines(data)
		require.Len(t, lines, 4)
		// flip a byte inside the second record body
		off := len(lines[0]) + 1 + 20
		data[off] ^= 0x01
		require.NoError(t, os.WriteFile(path, data, 0644))

		m, err := Open(dir, Options{})
		require.NoError(t, err)
		defer m.Close()
		_, err = m.Load(ctx, 1)
		assert.ErrorIs(t, err, ErrCorrupted)
	})
}

func TestListTables(t *testing.T) {
	ctx := context.Background()
	m, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	defer m.Close()

	for _, id := range []types.TableID{12, 3, 7} {
		_, err := m.AppendEdit(ctx, createEdit(id, "t"))
		require.NoError(t, err)
	}
	_, err = m.AppendEdit(ctx, Edit{TableID: 7, Drop: true})
	require.NoError(t, err)

	_, err = m.Load(ctx, 99)
	assert.ErrorIs(t, err, ErrTableNotFound)

	tables, err := m.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 3)
	assert.Equal(t, types.TableID(3), tables[0].ID)
	assert.Equal(t, types.TableID(12), tables[2].ID)
	assert.True(t, tables[1].Dropped)
	assert.Equal(t, types.SpaceID(1), tables[0].Space)
}

func TestFreezeNamespace(t *testing.T) {
	dir := t.TempDir()
	first := config.NamespaceConfig{ShardNum: 4, MetaShardNum: 1}

	got, err := FreezeNamespace(dir, first)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = FreezeNamespace(dir, config.NamespaceConfig{ShardNum: 16, MetaShardNum: 2})
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	return out
}
