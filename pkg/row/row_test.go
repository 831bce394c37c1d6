package row

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fiftyByteRow(i int) Row {
	// 4 key + 8 seq + 1 op + (1 + 36) value = 50
	return Row{
		Key:    []byte(fmt.Sprintf("k%03d", i)),
		Values: []Datum{Bytes(bytes.Repeat([]byte{'x'}, 36))},
	}
}

func TestBatchSplit(t *testing.T) {
	var b Batch
	for i := 0; i < 5; i++ {
		b.Rows = append(b.Rows, fiftyByteRow(i))
	}
	require.Equal(t, 250, b.Size())

	t.Run("split by max bytes", func(t *testing.T) {
		parts := b.Split(100)
		require.Len(t, parts, 3)
		assert.Len(t, parts[0].Rows, 2)
		assert.Len(t, parts[1].Rows, 2)
		assert.Len(t, parts[2].Rows, 1)
		for _, p := range parts {
			assert.LessOrEqual(t, p.Size(), 100)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		parts := b.Split(0)
		require.Len(t, parts, 1)
		assert.Len(t, parts[0].Rows, 5)
	})

	t.Run("oversized row is alone", func(t *testing.T) {
		parts := b.Split(10)
		require.Len(t, parts, 5)
	})

	t.Run("order preserved", func(t *testing.T) {
		var keys []string
		for _, p := range b.Split(120) {
			for _, r := range p.Rows {
				keys = append(keys, string(r.Key))
			}
		}
		assert.Equal(t, []string{"k000", "k001", "k002", "k003", "k004"}, keys)
	})
}

func TestSchemaValidate(t *testing.T) {
	s := Schema{Columns: []Column{
		{Name: "ts", Kind: KindTimestamp},
		{Name: "value", Kind: KindFloat64, Nullable: true},
	}}

	tests := []struct {
		name string
		row  Row
		ok   bool
	}{
		{"kind mismatch", Row{Key: []byte("a"), Values: []Datum{Int64(1), Float64(1)}}, false},
		{"valid with null", Row{Key: []byte("a"), Values: []Datum{{Kind: KindTimestamp, Int: 1}, Null()}}, true},
		{"empty key", Row{Values: []Datum{{Kind: KindTimestamp}, Null()}}, false},
		{"arity", Row{Key: []byte("a"), Values: []Datum{{Kind: KindTimestamp}}}, false},
		{"not nullable", Row{Key: []byte("a"), Values: []Datum{Null(), Null()}}, false},
		{"delete needs no values", Row{Key: []byte("a"), Op: OpDelete}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.row)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSchemaProject(t *testing.T) {
	s := Schema{Columns: []Column{{Name: "a", Kind: KindInt64}, {Name: "b", Kind: KindString}}}

	sub, idx, err := s.Project([]string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, idx)
	assert.Equal(t, "b", sub.Columns[0].Name)

	r := Row{Key: []byte("k"), Values: []Datum{Int64(1), String("x")}}
	assert.Equal(t, "x", r.Project(idx).Values[0].AsString())

	_, _, err = s.Project([]string{"missing"})
	assert.Error(t, err)
}

func TestRowProject(t *testing.T) {
	r := Row{Key: []byte("k"), Values: []Datum{Int64(1), String("x")}}

	swapped := r.Project([]int{1, 0})
	assert.Equal(t, []Datum{String("x"), Int64(1)}, swapped.Values)

	dup := r.Project([]int{0, 0})
	assert.Equal(t, []Datum{Int64(1), Int64(1)}, dup.Values)

	same := r.Project([]int{0, 1})
	same.Values[0] = Int64(9)
	assert.Equal(t, int64(1), r.Values[0].Int)

	del := Row{Key: []byte("k"), Op: OpDelete}
	assert.Empty(t, del.Project([]int{1, 0}).Values)
}

func TestRowClone(t *testing.T) {
	r := Row{Key: []byte("k"), Seq: 3, Values: []Datum{Int64(1)}}
	c := r.Clone()
	c.Key[0] = 'z'
	c.Values[0] = Int64(2)
	assert.Equal(t, "k", string(r.Key))
	assert.Equal(t, int64(1), r.Values[0].Int)
	assert.EqualValues(t, 3, c.Seq)
}

func TestDatumCompare(t *testing.T) {
	assert.Negative(t, Int64(1).Compare(Int64(2)))
	assert.Positive(t, String("b").Compare(String("a")))
	assert.Zero(t, Float64(1.5).Compare(Float64(1.5)))
	assert.Negative(t, Null().Compare(Int64(0)))
}

func TestFromValue(t *testing.T) {
	d, err := FromValue(KindInt64, float64(12))
	require.NoError(t, err)
	assert.Equal(t, int64(12), d.Int)

	d, err = FromValue(KindTimestamp, "2024-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1704164645000), d.Int)

	_, err = FromValue(KindBool, "yes")
	assert.Error(t, err)

	d, err = FromValue(KindString, nil)
	require.NoError(t, err)
	assert.True(t, d.IsNull())
}
