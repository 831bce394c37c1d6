package table

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"analyticdb/pkg/types"
)

// Space groups tables sharing one write buffer budget.
type Space struct {
	id   types.SpaceID
	acct *Account

	mu     sync.RWMutex
	tables map[types.TableID]*Table
}

// NewSpace creates a space whose budget is limited by limit bytes (zero
// disables the ceiling) and charged to parent.
func NewSpace(id types.SpaceID, limit int64, parent *Account) *Space {
	return &Space{
		id:     id,
		acct:   NewAccount(fmt.Sprintf("space-%d", id), limit, parent),
		tables: make(map[types.TableID]*Table),
	}
}

func (s *Space) ID() types.SpaceID {
	return s.id
}

func (s *Space) Account() *Account {
	return s.acct
}

func (s *Space) add(t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t.ID()] = t
}

func (s *Space) remove(id types.TableID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, id)
}

func (s *Space) Table(id types.TableID) (*Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	return t, ok
}

// Tables returns the member tables ordered by id.
func (s *Space) Tables() []*Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Table, 0, len(s.tables))
	for _, id := range slices.Sorted(maps.Keys(s.tables)) {
		out = append(out, s.tables[id])
	}
	return out
}

// Busiest picks the table holding the most memtable bytes. Ties go to the
// table with the oldest buffered memtable.
func Busiest(tables []*Table) *Table {
	var (
		best     *Table
		bestSize int64
	)
	for _, t := range tables {
		if t.Dropped() || t.Fatal() != nil {
			continue
		}
		size := t.MemSize()
		if size <= 0 {
			continue
		}
		if best == nil || size > bestSize ||
			size == bestSize && t.OldestMemtableAt().Before(best.OldestMemtableAt()) {
			best, bestSize = t, size
		}
	}
	return best
}

// SortByID orders tables by id in place.
func SortByID(tables []*Table) {
	slices.SortFunc(tables, func(a, b *Table) int {
		return cmp.Compare(a.ID(), b.ID())
	})
}
