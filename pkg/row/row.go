package row

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"analyticdb/pkg/types"
)

var (
	ErrSchemaMismatch = errors.New("row does not match table schema")
	ErrEmptyKey       = errors.New("row has an empty primary key")
)

// Op is the mutation carried by a row version.
type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

// Column describes one schema column.
type Column struct {
	Name     string `json:"name" yaml:"name"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable"`
}

// Schema is the ordered column list of a table. The primary key is implicit
// and carried next to the columns in every row.
type Schema struct {
	Version uint32   `json:"version"`
	Columns []Column `json:"columns"`
}

// Index returns the position of the named column or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Project returns the sub-schema for the named columns and their positions.
func (s Schema) Project(names []string) (Schema, []int, error) {
	if len(names) == 0 {
		idx := make([]int, len(s.Columns))
		for i := range idx {
			idx[i] = i
		}
		return s, idx, nil
	}

	out := Schema{Version: s.Version}
	idx := make([]int, 0, len(names))
	for _, n := range names {
		i := s.Index(n)
		if i < 0 {
			return Schema{}, nil, fmt.Errorf("unknown column %q", n)
		}
		out.Columns = append(out.Columns, s.Columns[i])
		idx = append(idx, i)
	}
	return out, idx, nil
}

// Validate checks that r can be stored under the schema.
func (s Schema) Validate(r Row) error {
	if len(r.Key) == 0 {
		return ErrEmptyKey
	}
	if r.Op == OpDelete {
		return nil
	}
	if len(r.Values) != len(s.Columns) {
		return fmt.Errorf("%w: %d values for %d columns", ErrSchemaMismatch, len(r.Values), len(s.Columns))
	}
	for i, c := range s.Columns {
		v := r.Values[i]
		if v.IsNull() {
			if !c.Nullable {
				return fmt.Errorf("%w: column %q is not nullable", ErrSchemaMismatch, c.Name)
			}
			continue
		}
		if v.Kind != c.Kind {
			return fmt.Errorf("%w: column %q expects %s, got %s", ErrSchemaMismatch, c.Name, c.Kind, v.Kind)
		}
	}
	return nil
}

// Row is one version of a primary key.
type Row struct {
	Key    types.Key
	Seq    types.SeqN
	Op     Op
	Values []Datum
}

// Size approximates the encoded footprint of the row.
func (r Row) Size() int {
	n := len(r.Key) + 8 + 1
	for _, v := range r.Values {
		n += v.Size()
	}
	return n
}

// Project returns the values at positions idx, in idx order. The result
// never shares its value slice with r.
func (r Row) Project(idx []int) Row {
	if r.Op == OpDelete && len(r.Values) == 0 {
		return r
	}
	out := r
	out.Values = make([]Datum, len(idx))
	for i, j := range idx {
		out.Values[i] = r.Values[j]
	}
	return out
}

// Clone copies the key and values of r. Byte payloads of datums are still
// shared and must be treated as read-only.
func (r Row) Clone() Row {
	out := r
	out.Key = bytes.Clone(r.Key)
	out.Values = slices.Clone(r.Values)
	return out
}

// Batch is the rows of one write request for one table.
type Batch struct {
	Rows []Row
}

// Size sums row sizes.
func (b Batch) Size() int {
	n := 0
	for _, r := range b.Rows {
		n += r.Size()
	}
	return n
}

// Split cuts the batch into consecutive sub-batches of at most maxBytes each.
// A row larger than maxBytes is placed alone. maxBytes <= 0 returns the batch as is.
func (b Batch) Split(maxBytes int) []Batch {
	if maxBytes <= 0 || len(b.Rows) == 0 {
		return []Batch{b}
	}

	var (
		out  []Batch
		cur  []Row
		size int
	)
	for _, r := range b.Rows {
		rs := r.Size()
		if len(cur) > 0 && size+rs > maxBytes {
			out = append(out, Batch{Rows: cur})
			cur, size = nil, 0
		}
		cur = append(cur, r)
		size += rs
	}
	if len(cur) > 0 {
		out = append(out, Batch{Rows: cur})
	}
	return out
}
