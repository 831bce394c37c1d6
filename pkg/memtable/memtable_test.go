package memtable

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

type testAccount struct {
	used atomic.Int64
}

func (a *testAccount) Grow(n int64)   { a.used.Add(n) }
func (a *testAccount) Shrink(n int64) { a.used.Add(-n) }

func putRow(key string, v int64) row.Row {
	return row.Row{Key: []byte(key), Values: []row.Datum{row.Int64(v)}}
}

func TestScanVisibilityAtBound(t *testing.T) {
	mt := New(1, nil)
	rnd := rand.New(rand.NewSource(42))

	// key -> seq -> value
	written := map[string]map[types.SeqN]int64{}
	var seq types.SeqN
	for i := 0; i < 500; i++ {
		seq++
		k := fmt.Sprintf("key-%02d", rnd.Intn(30))
		v := rnd.Int63()
		require.NoError(t, mt.Put(putRow(k, v), seq))
		if written[k] == nil {
			written[k] = map[types.SeqN]int64{}
		}
		written[k][seq] = v
	}

	for _, bound := range []types.SeqN{1, 17, 250, 499, 500, types.MaxSeqN} {
		t.Run(fmt.Sprintf("bound=%d", bound), func(t *testing.T) {
			expected := map[string]int64{}
			for k, versions := range written {
				var best types.SeqN
				for s := range versions {
					if s <= bound && s > best {
						best = s
					}
				}
				if best > 0 {
					expected[k] = versions[best]
				}
			}

			got := map[string]int64{}
			var prev []byte
			for r := range mt.Scan(types.FullRange(), bound) {
				require.LessOrEqual(t, r.Seq, bound)
				if prev != nil && string(prev) == string(r.Key) {
					continue
				}
				if prev != nil {
					require.Less(t, string(prev), string(r.Key))
				}
				prev = r.Key
				got[string(r.Key)] = r.Values[0].Int
			}
			assert.Equal(t, expected, got)
		})
	}
}

func TestScanOrderAndRange(t *testing.T) {
	mt := New(1, nil)
	require.NoError(t, mt.Put(putRow("b", 1), 1))
	require.NoError(t, mt.Put(putRow("a", 2), 2))
	require.NoError(t, mt.Put(putRow("b", 3), 3))
	require.NoError(t, mt.Put(putRow("c", 4), 4))

	var got []string
	for r := range mt.Scan(types.KeyRange{Start: []byte("b"), End: []byte("c")}, types.MaxSeqN) {
		got = append(got, fmt.Sprintf("%s@%d", r.Key, r.Seq))
	}
	assert.Equal(t, []string{"b@3", "b@1"}, got)

	// restartable
	n := 0
	for range mt.Scan(types.FullRange(), types.MaxSeqN) {
		n++
	}
	for range mt.Scan(types.FullRange(), types.MaxSeqN) {
		n++
	}
	assert.Equal(t, 8, n)

	r, ok := mt.Get([]byte("b"), 2)
	require.True(t, ok)
	assert.Equal(t, int64(1), r.Values[0].Int)

	_, ok = mt.Get([]byte("z"), types.MaxSeqN)
	assert.False(t, ok)
}

func TestSizeAccounting(t *testing.T) {
	acct := &testAccount{}
	mt := New(1, acct)

	r := putRow("key", 1)
	require.NoError(t, mt.Put(r, 1))
	require.NoError(t, mt.Put(r, 2))
	assert.Equal(t, int64(2*r.Size()), mt.ApproximateSize())
	assert.Equal(t, mt.ApproximateSize(), acct.used.Load())
	assert.Equal(t, 2, mt.Len())
	assert.Equal(t, types.SeqN(1), mt.MinSeq())
	assert.Equal(t, types.SeqN(2), mt.MaxSeq())

	// same seq overwrites without growing
	require.NoError(t, mt.Put(r, 2))
	assert.Equal(t, 2, mt.Len())
	assert.Equal(t, int64(2*r.Size()), acct.used.Load())

	mt.Release()
	mt.Release()
	assert.Zero(t, acct.used.Load())
}

func TestFreeze(t *testing.T) {
	mt := New(1, nil)
	require.NoError(t, mt.Put(putRow("a", 1), 1))
	require.True(t, mt.Freeze())
	require.False(t, mt.Freeze())
	require.ErrorIs(t, mt.Put(putRow("a", 2), 2), ErrFrozen)

	_, ok := mt.Get([]byte("a"), types.MaxSeqN)
	assert.True(t, ok)
}

func TestConcurrentReaders(t *testing.T) {
	mt := New(1, nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				var prev *row.Row
				for r := range mt.Scan(types.FullRange(), types.MaxSeqN) {
					if prev != nil && string(prev.Key) == string(r.Key) {
						assert.Greater(t, prev.Seq, r.Seq)
					}
					prev = &r
				}
			}
		}()
	}

	for s := types.SeqN(1); s <= 2000; s++ {
		require.NoError(t, mt.Put(putRow(fmt.Sprintf("k%d", s%50), int64(s)), s))
	}
	close(stop)
	wg.Wait()
}
