package memtable

import (
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

var (
	ErrFrozen = errors.New("memtable is frozen")
)

// Account receives every change of the memtable byte size.
type Account interface {
	Grow(n int64)
	Shrink(n int64)
}

type noopAccount struct{}

func (noopAccount) Grow(int64)   {}
func (noopAccount) Shrink(int64) {}

type concurrentSet = skipmap.FuncMap[internalKey, Item]

// Memtable is a sorted in-memory write buffer of one table. Writes are
// serialized by the owning table, readers never block.
type Memtable struct {
	id        uint64
	acct      Account
	createdAt time.Time

	size     atomic.Int64
	rows     atomic.Int64
	minSeq   atomic.Uint64
	maxSeq   atomic.Uint64
	frozen   atomic.Bool
	released atomic.Bool

	underlying *concurrentSet
}

func New(id uint64, acct Account) *Memtable {
	if acct == nil {
		acct = noopAccount{}
	}

	mt := &Memtable{
		id:        id,
		acct:      acct,
		createdAt: time.Now(),
		underlying: skipmap.NewFunc[internalKey, Item](func(a, b internalKey) bool {
			return a.Less(b)
		}),
	}
	return mt
}

func (mt *Memtable) ID() uint64 {
	return mt.id
}

// Put stores r under seq. A version already present with the same key and
// seq is overwritten.
func (mt *Memtable) Put(r row.Row, seq types.SeqN) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}

	r.Seq = seq
	ik := internalKey{Key: r.Key, SeqN: seq}
	entSize := int64(r.Size())

	if prev, ok := mt.underlying.Load(ik); ok {
		entSize -= int64(prev.Row.Size())
	} else {
		mt.rows.Add(1)
	}
	mt.underlying.Store(ik, Item{Row: r})

	if mt.minSeq.Load() == 0 || uint64(seq) < mt.minSeq.Load() {
		mt.minSeq.Store(uint64(seq))
	}
	if uint64(seq) > mt.maxSeq.Load() {
		mt.maxSeq.Store(uint64(seq))
	}

	mt.size.Add(entSize)
	if entSize > 0 {
		mt.acct.Grow(entSize)
	} else if entSize < 0 {
		mt.acct.Shrink(-entSize)
	}

	return nil
}

// Scan yields the versions inside rng with seq <= bound ordered by key
// ascending then seq descending. The sequence can be iterated many times.
func (mt *Memtable) Scan(rng types.KeyRange, bound types.SeqN) iter.Seq[row.Row] {
	return func(yield func(row.Row) bool) {
		mt.underlying.Range(func(ik internalKey, it Item) bool {
			if rng.Before(ik.Key) {
				return true
			}
			if rng.After(ik.Key) {
				return false
			}
			if ik.SeqN > bound {
				return true
			}
			return yield(it.Row)
		})
	}
}

// Get returns the newest version of key with seq <= bound. Tombstones are
// returned as is.
func (mt *Memtable) Get(key types.Key, bound types.SeqN) (row.Row, bool) {
	for r := range mt.Scan(types.PointRange(key), bound) {
		return r, true
	}
	return row.Row{}, false
}

// ApproximateSize is the running byte estimate of the stored rows.
func (mt *Memtable) ApproximateSize() int64 {
	return mt.size.Load()
}

func (mt *Memtable) Len() int {
	return int(mt.rows.Load())
}

func (mt *Memtable) Empty() bool {
	return mt.rows.Load() == 0
}

// Freeze makes the memtable read-only. It returns false if it was already frozen.
func (mt *Memtable) Freeze() bool {
	return mt.frozen.CompareAndSwap(false, true)
}

func (mt *Memtable) Frozen() bool {
	return mt.frozen.Load()
}

func (mt *Memtable) MinSeq() types.SeqN {
	return types.SeqN(mt.minSeq.Load())
}

func (mt *Memtable) MaxSeq() types.SeqN {
	return types.SeqN(mt.maxSeq.Load())
}

func (mt *Memtable) CreatedAt() time.Time {
	return mt.createdAt
}

// Release returns the memtable bytes to the account. It is called once the
// content is durable elsewhere, repeated calls are no-ops.
func (mt *Memtable) Release() {
	if !mt.released.CompareAndSwap(false, true) {
		return
	}
	mt.frozen.Store(true)
	if n := mt.size.Load(); n > 0 {
		mt.acct.Shrink(n)
	}
}
