package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEviction(t *testing.T) {
	c := New[string, int](2)
	c.Set("a", 1)
	c.Set("b", 2)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	_, ok = c.Get("b")
	assert.False(t, ok, "b is least recently used")

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestLRUUnbounded(t *testing.T) {
	c := New[int, int](0)
	for i := 0; i < 1000; i++ {
		c.Set(i, i)
	}
	assert.Equal(t, 1000, c.Len())
}

func TestLRURemove(t *testing.T) {
	c := New[int, int](10)
	for i := 0; i < 10; i++ {
		c.Set(i, i)
	}
	c.Remove(0)
	c.Remove(9)
	c.Remove(42)
	assert.Equal(t, 8, c.Len())

	n := c.RemoveFunc(func(k int) bool { return k%2 == 0 })
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, c.Len())

	// list must stay consistent after removals
	for i := 100; i < 120; i++ {
		c.Set(i, i)
	}
	assert.Equal(t, 10, c.Len())
}

func TestLRUBoundUnderConcurrency(t *testing.T) {
	const capacity = 16
	c := New[string, int](capacity)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				k := fmt.Sprintf("k%d", rnd.Intn(100))
				if rnd.Intn(3) == 0 {
					c.Get(k)
				} else {
					c.Set(k, i)
				}
				assert.LessOrEqual(t, c.Len(), capacity)
			}
		}(int64(w))
	}
	wg.Wait()
}
