package sst

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analyticdb/pkg/compression"
	"analyticdb/pkg/objectstore"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

var testSchema = row.Schema{Columns: []row.Column{
	{Name: "host", Kind: row.KindString},
	{Name: "value", Kind: row.KindFloat64, Nullable: true},
}}

func testRows(n int) []row.Row {
	rows := make([]row.Row, 0, n*2)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		rows = append(rows, row.Row{
			Key:    key,
			Seq:    types.SeqN(2*i + 2),
			Values: []row.Datum{row.String(fmt.Sprintf("host-%d", i%7)), row.Float64(float64(i))},
		})
		if i%10 == 0 {
			rows = append(rows, row.Row{Key: key, Seq: types.SeqN(2*i + 1), Op: row.OpDelete})
		}
	}
	return rows
}

func seqOf(rows []row.Row) iter.Seq2[row.Row, error] {
	return func(yield func(row.Row, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func collect(t *testing.T, s iter.Seq2[row.Row, error]) []row.Row {
	t.Helper()
	var out []row.Row
	for r, err := range s {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func requireRowsEqual(t *testing.T, want, got []row.Row) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, string(want[i].Key), string(got[i].Key), "row %d", i)
		require.Equal(t, want[i].Seq, got[i].Seq, "row %d", i)
		require.Equal(t, want[i].Op, got[i].Op, "row %d", i)
		require.Len(t, got[i].Values, len(want[i].Values))
		for c := range want[i].Values {
			require.True(t, want[i].Values[c].Equal(got[i].Values[c]), "row %d col %d", i, c)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	rows := testRows(1000)

	for _, codec := range []compression.Codec{compression.None, compression.Zstd, compression.Gzip} {
		t.Run(codec.String(), func(t *testing.T) {
			f := NewFactory(objectstore.NewMemory(), Options{ReadParallelism: 2})
			meta, err := f.Write(ctx, 1, 7, testSchema, seqOf(rows), WriterOptions{
				RowsPerGroup:  128,
				Compression:   codec,
				MaxBufferSize: 1024,
			})
			require.NoError(t, err)
			assert.Equal(t, types.FileID(7), meta.ID)
			assert.Equal(t, len(rows), meta.Rows)
			assert.Equal(t, "key-00000", string(meta.KeyMin))
			assert.Equal(t, "key-00999", string(meta.KeyMax))
			assert.Equal(t, types.SeqN(1), meta.SeqMin)
			assert.Equal(t, types.SeqN(2000), meta.SeqMax)

			r, err := f.Open(ctx, 1, 7)
			require.NoError(t, err)
			assert.Equal(t, meta.Size, r.Meta().Size)
			assert.Equal(t, (len(rows)+127)/128, r.RowGroups())

			got := collect(t, r.Read(ctx, types.FullRange(), types.MaxSeqN))
			requireRowsEqual(t, rows, got)
		})
	}
}

func TestReadRangeAndBound(t *testing.T) {
	ctx := context.Background()
	rows := testRows(300)
	f := NewFactory(objectstore.NewMemory(), Options{})
	_, err := f.Write(ctx, 1, 1, testSchema, seqOf(rows), WriterOptions{RowsPerGroup: 16})
	require.NoError(t, err)

	r, err := f.Open(ctx, 1, 1)
	require.NoError(t, err)

	rng := types.KeyRange{Start: []byte("key-00100"), End: []byte("key-00200")}
	var want []row.Row
	for _, rr := range rows {
		if rng.Contains(rr.Key) && rr.Seq <= 350 {
			want = append(want, rr)
		}
	}
	got := collect(t, r.Read(ctx, rng, 350))
	requireRowsEqual(t, want, got)

	// early stop must not leak or block
	n := 0
	for _, err := range r.Read(ctx, types.FullRange(), types.MaxSeqN) {
		require.NoError(t, err)
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
}

func TestGetUsesNewestVisible(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(objectstore.NewMemory(), Options{})
	_, err := f.Write(ctx, 1, 1, testSchema, seqOf(testRows(100)), WriterOptions{RowsPerGroup: 8})
	require.NoError(t, err)
	r, err := f.Open(ctx, 1, 1)
	require.NoError(t, err)

	got, ok, err := r.Get(ctx, []byte("key-00010"), types.MaxSeqN)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.SeqN(22), got.Seq)

	got, ok, err = r.Get(ctx, []byte("key-00010"), 21)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, row.OpDelete, got.Op)

	_, ok, err = r.Get(ctx, []byte("nope"), types.MaxSeqN)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedGroupsAreNotShared(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(objectstore.NewMemory(), Options{DataCacheCap: 16})
	_, err := f.Write(ctx, 1, 1, testSchema, seqOf(testRows(10)), WriterOptions{RowsPerGroup: 4})
	require.NoError(t, err)
	r, err := f.Open(ctx, 1, 1)
	require.NoError(t, err)

	first := collect(t, r.Read(ctx, types.FullRange(), types.MaxSeqN))
	require.NotEmpty(t, first)
	first[0].Values[0] = row.String("changed")
	first[0].Key[0] = 'z'

	second := collect(t, r.Read(ctx, types.FullRange(), types.MaxSeqN))
	requireRowsEqual(t, testRows(10), second)
}

func TestMetaCacheBound(t *testing.T) {
	ctx := context.Background()
	const capacity = 3
	f := NewFactory(objectstore.NewMemory(), Options{MetaCacheCap: capacity, DataCacheCap: 2})

	for id := types.FileID(1); id <= 10; id++ {
		_, err := f.Write(ctx, 1, id, testSchema, seqOf(testRows(20)), WriterOptions{RowsPerGroup: 4})
		require.NoError(t, err)
	}
	for round := 0; round < 3; round++ {
		for id := types.FileID(1); id <= 10; id++ {
			r, err := f.Open(ctx, 1, id)
			require.NoError(t, err)
			collect(t, r.Read(ctx, types.FullRange(), types.MaxSeqN))
			require.LessOrEqual(t, f.MetaCacheLen(), capacity)
			require.LessOrEqual(t, f.DataCacheLen(), 2)
		}
	}

	require.NoError(t, f.Delete(ctx, 1, 10))
	_, err := f.Open(ctx, 1, 10)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	ids, err := f.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 9)
}

func TestWriteErrors(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	f := NewFactory(store, Options{})

	_, err := f.Write(ctx, 1, 1, testSchema, seqOf(nil), WriterOptions{})
	assert.ErrorIs(t, err, ErrEmptyFile)

	unordered := []row.Row{
		{Key: []byte("b"), Seq: 1, Values: []row.Datum{row.String("x"), row.Null()}},
		{Key: []byte("a"), Seq: 2, Values: []row.Datum{row.String("x"), row.Null()}},
	}
	_, err = f.Write(ctx, 1, 2, testSchema, seqOf(unordered), WriterOptions{})
	assert.Error(t, err)

	list, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list, "failed writes leave no objects")
}

func TestOpenCorrupted(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	f := NewFactory(store, Options{})

	require.NoError(t, store.Put(ctx, Path(1, 1), []byte("definitely not an sst file")))
	_, err := f.Open(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestColumnStats(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(objectstore.NewMemory(), Options{})
	rows := []row.Row{
		{Key: []byte("a"), Seq: 1, Values: []row.Datum{row.String("h1"), row.Float64(3)}},
		{Key: []byte("b"), Seq: 2, Values: []row.Datum{row.String("h0"), row.Null()}},
		{Key: []byte("c"), Seq: 3, Values: []row.Datum{row.String("h2"), row.Float64(-1)}},
	}
	meta, err := f.Write(ctx, 1, 1, testSchema, seqOf(rows), WriterOptions{})
	require.NoError(t, err)

	require.Len(t, meta.Stats, 2)
	assert.Equal(t, "h0", meta.Stats[0].Min.AsString())
	assert.Equal(t, "h2", meta.Stats[0].Max.AsString())
	assert.Equal(t, 1, meta.Stats[1].NullCount)
	assert.Equal(t, -1.0, meta.Stats[1].Min.Float)
	assert.Equal(t, 3.0, meta.Stats[1].Max.Float)
}

func TestBloomFilter(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	for i := 0; i < 1000; i++ {
		require.True(t, bf.MayContain([]byte(fmt.Sprintf("k%d", i))))
	}
	fp := 0
	for i := 0; i < 10000; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("other%d", i))) {
			fp++
		}
	}
	assert.Less(t, fp, 500)
}
