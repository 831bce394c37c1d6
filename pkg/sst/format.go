package sst

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"analyticdb/pkg/compression"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

// File layout:
//
//	row group 0 | row group 1 | ... | footer (json) | footer len (u32) | magic (u64)
//
// A row group is the concatenation of its compressed column chunks:
// keys, seqs, ops, then one chunk per schema column.
const (
	magic         uint64 = 0x5353545f414e4c59 // "SST_ANLY"
	formatVersion        = 1
	trailerSize          = 4 + 8
)

const (
	chunkKeys = iota
	chunkSeqs
	chunkOps
	chunkColumns
)

var (
	ErrCorrupted = errors.New("sst file is corrupted")
	ErrEmptyFile = errors.New("sst has no rows")
)

// FileMeta describes one immutable SST. It is what the manifest records.
type FileMeta struct {
	ID        types.FileID  `json:"id"`
	KeyMin    types.Key     `json:"key_min"`
	KeyMax    types.Key     `json:"key_max"`
	SeqMin    types.SeqN    `json:"seq_min"`
	SeqMax    types.SeqN    `json:"seq_max"`
	Rows      int           `json:"rows"`
	Size      int64         `json:"size"`
	Stats     []ColumnStats `json:"stats,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Overlaps reports whether the key ranges of two files intersect.
func (m FileMeta) Overlaps(o FileMeta) bool {
	return bytes.Compare(m.KeyMin, o.KeyMax) <= 0 && bytes.Compare(o.KeyMin, m.KeyMax) <= 0
}

// ColumnStats are per column statistics of a file.
type ColumnStats struct {
	Name      string     `json:"name"`
	NullCount int        `json:"null_count"`
	Min       *row.Datum `json:"min,omitempty"`
	Max       *row.Datum `json:"max,omitempty"`
}

func (s *ColumnStats) observe(kind row.Kind, d row.Datum) {
	if d.IsNull() {
		s.NullCount++
		return
	}
	if !kind.Ordered() {
		return
	}
	if s.Min == nil || d.Compare(*s.Min) < 0 {
		v := d
		s.Min = &v
	}
	if s.Max == nil || d.Compare(*s.Max) > 0 {
		v := d
		s.Max = &v
	}
}

type ChunkMeta struct {
	Offset  int64 `json:"off"`
	Size    int64 `json:"size"`
	RawSize int64 `json:"raw"`
}

type RowGroupMeta struct {
	Offset int64        `json:"off"`
	Size   int64        `json:"size"`
	Rows   int          `json:"rows"`
	KeyMin types.Key    `json:"key_min"`
	KeyMax types.Key    `json:"key_max"`
	SeqMax types.SeqN   `json:"seq_max"`
	Chunks []ChunkMeta  `json:"chunks"`
	Bloom  *BloomFilter `json:"bloom,omitempty"`
}

// Footer is everything Open needs to know about a file.
type Footer struct {
	Version     int               `json:"version"`
	Schema      row.Schema        `json:"schema"`
	Compression compression.Codec `json:"compression"`
	Meta        FileMeta          `json:"meta"`
	RowGroups   []RowGroupMeta    `json:"row_groups"`
}

func encodeFooter(f *Footer) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode footer: %w", err)
	}
	buf := make([]byte, 0, len(body)+trailerSize)
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint64(buf, magic)
	return buf, nil
}

func decodeTrailer(b []byte) (uint32, error) {
	if len(b) != trailerSize {
		return 0, fmt.Errorf("%w: short trailer", ErrCorrupted)
	}
	if binary.LittleEndian.Uint64(b[4:]) != magic {
		return 0, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	return binary.LittleEndian.Uint32(b), nil
}

func decodeFooter(b []byte) (*Footer, error) {
	var f Footer
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, f.Version)
	}
	for _, g := range f.RowGroups {
		if len(g.Chunks) != chunkColumns+len(f.Schema.Columns) {
			return nil, fmt.Errorf("%w: row group has %d chunks", ErrCorrupted, len(g.Chunks))
		}
	}
	return &f, nil
}
