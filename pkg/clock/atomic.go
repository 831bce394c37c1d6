package clock

import (
	"sync/atomic"

	"analyticdb/pkg/types"
)

// AtomicClock is a monotonic sequence counter.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.SeqN) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.SeqN {
	return types.SeqN(ac.Load())
}

func (ac *AtomicClock) Next() types.SeqN {
	return types.SeqN(ac.Add(1))
}

func (ac *AtomicClock) Set(t types.SeqN) {
	ac.Store(uint64(t))
}

// Advance moves the clock forward to t. It never moves it back.
func (ac *AtomicClock) Advance(t types.SeqN) {
	for {
		cur := ac.Load()
		if uint64(t) <= cur || ac.CompareAndSwap(cur, uint64(t)) {
			return
		}
	}
}
