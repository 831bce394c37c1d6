package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// SeqN is a per-table monotonically increasing sequence. It totally orders the
// writes of one table and bounds the visibility of every reader.
type SeqN uint64

// MaxSeqN is used as an "everything" read bound.
const MaxSeqN = SeqN(^uint64(0))

// TableID identifies a table. It is stable across restarts.
type TableID uint64

// SpaceID identifies a group of tables sharing a write buffer budget.
type SpaceID uint32

// FileID identifies an SST inside a table.
type FileID uint64

// ShardID identifies a WAL shard.
type ShardID uint32

// KeyRange is a half-open [Start, End) interval of primary keys.
// A nil Start or End is unbounded on that side.
type KeyRange struct {
	Start Key `json:"start,omitempty"`
	End   Key `json:"end,omitempty"`
}

// FullRange matches every key.
func FullRange() KeyRange {
	return KeyRange{}
}

// PointRange matches exactly one key.
func PointRange(k Key) KeyRange {
	end := make([]byte, len(k)+1)
	copy(end, k)
	return KeyRange{Start: k, End: end}
}

// Contains reports whether k is inside the range.
func (r KeyRange) Contains(k Key) bool {
	return !r.Before(k) && !r.After(k)
}

// Before reports whether k sorts before the range start.
func (r KeyRange) Before(k Key) bool {
	return r.Start != nil && bytes.Compare(k, r.Start) < 0
}

// After reports whether k sorts at or past the range end.
func (r KeyRange) After(k Key) bool {
	return r.End != nil && bytes.Compare(k, r.End) >= 0
}

// OverlapsInclusive reports whether the range intersects the closed interval [lo, hi].
func (r KeyRange) OverlapsInclusive(lo, hi Key) bool {
	if r.End != nil && bytes.Compare(lo, r.End) >= 0 {
		return false
	}
	if r.Start != nil && bytes.Compare(hi, r.Start) < 0 {
		return false
	}
	return true
}
