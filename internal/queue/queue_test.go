package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	q := New(16, nil, func(i int) {
		mu.Lock()
		got = append(got, i)
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})
	defer q.Stop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(ctx, i))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("items not drained")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestFlushWaitsForDrain(t *testing.T) {
	var processed int
	q := New(16, nil, func(i int) {
		time.Sleep(5 * time.Millisecond)
		processed++
	})
	defer q.Stop()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		q.Push(ctx, i)
	}
	q.Flush()
	assert.Equal(t, 10, processed)
}

func TestStopDropsBufferedItems(t *testing.T) {
	block := make(chan struct{})
	var processed int
	q := New(16, nil, func(i int) {
		<-block
		processed++
	})

	ctx := context.Background()
	q.Push(ctx, 1)
	q.Push(ctx, 2)
	time.Sleep(10 * time.Millisecond) // first item is now blocked in the handler
	stopped := make(chan struct{})
	go func() {
		q.Stop() // waits for the blocked handler to return
		close(stopped)
	}()
	time.Sleep(10 * time.Millisecond)
	close(block)
	<-stopped
	assert.LessOrEqual(t, processed, 1)
}

func TestPushRespectsContextCancel(t *testing.T) {
	block := make(chan struct{})
	q := New(1, nil, func(int) { <-block })
	defer q.Stop()
	defer close(block)

	ctx := context.Background()
	require.True(t, q.Push(ctx, 1)) // consumer picks this up immediately
	q.Push(ctx, 2)                  // fills the buffer while handler(1) blocks

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, q.Push(cctx, 3))
}
