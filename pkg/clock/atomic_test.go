package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"analyticdb/pkg/types"
)

func TestAtomicClock(t *testing.T) {
	c := NewAtomic(5)
	assert.Equal(t, types.SeqN(6), c.Next())

	c.Advance(3)
	assert.Equal(t, types.SeqN(6), c.Val())
	c.Advance(10)
	assert.Equal(t, types.SeqN(10), c.Val())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Next()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, types.SeqN(810), c.Val())
}
