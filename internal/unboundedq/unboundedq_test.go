package unboundedq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/companyzero/cryptobridge/internal/assert"
)

// TestQueueOrder asserts items are popped in the order they were pushed, even
// when pushed from before the consumer starts.
func TestQueueOrder(t *testing.T) {
	t.Parallel()

	q := New[int]()
	const n = 1000
	for i := 0; i < n; i++ {
		assert.BoolIs(t, q.Push(i), true)
	}
	assert.DeepEqual(t, q.Len(), n)

	ctx := context.Background()
	for i := 0; i < n; i++ {
		v, err := q.Pop(ctx)
		assert.NilErr(t, err)
		assert.DeepEqual(t, v, i)
	}
}

func TestQueuePopWaits(t *testing.T) {
	t.Parallel()

	q := New[string]()
	c := make(chan string, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			c <- v
		}
	}()

	assert.ChanNotWritten(t, c, 50*time.Millisecond)
	q.Push("a")
	assert.ChanWrittenWithVal(t, c, "a")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := New[int]()
	q.Push(1)
	q.Close()
	q.Close()
	assert.BoolIs(t, q.Push(2), false)

	ctx := context.Background()
	v, err := q.Pop(ctx)
	assert.NilErr(t, err)
	assert.DeepEqual(t, v, 1)
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	t.Parallel()

	q := New[int]()
	errChan := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errChan <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	err := assert.ChanWritten(t, errChan)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueuePopCanceled(t *testing.T) {
	t.Parallel()

	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}

	q.Push(1)
	q.Push(2)
	assert.DeepEqual(t, q.Clear(), 2)
	assert.DeepEqual(t, q.Len(), 0)
}
