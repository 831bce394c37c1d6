package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerHandlesAndStops(t *testing.T) {
	in := make(chan int)
	var (
		sum     atomic.Int64
		stopped atomic.Bool
	)

	l := New("test", in, func(v int) error {
		if v < 0 {
			return errors.New("negative")
		}
		sum.Add(int64(v))
		return nil
	}, func() { stopped.Store(true) })
	l.Start(context.Background())

	for _, v := range []int{1, 2, -1, 3} {
		in <- v
	}
	require.Eventually(t, func() bool { return sum.Load() == 6 }, time.Second, time.Millisecond)

	l.Stop()
	assert.True(t, stopped.Load())
}

func TestListenerClosedChannel(t *testing.T) {
	in := make(chan int)
	l := New("closed", in, func(int) error { return nil })
	l.Start(context.Background())
	close(in)
	l.Stop()
}
