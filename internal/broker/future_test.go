package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture[int]()

	assert.True(t, f.Complete(1, nil))
	assert.False(t, f.Complete(2, errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := NewFuture[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureOnCompleteRunsOnAnotherGoroutine(t *testing.T) {
	f := NewFuture[int]()
	got := make(chan int, 1)

	f.OnComplete(func(v int, err error) {
		// Waiting on the same future from the continuation must not deadlock
		again, _ := f.Wait(context.Background())
		got <- v + again
	})

	f.Complete(21, nil)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("continuation did not run")
	}
}

func TestFailedFuture(t *testing.T) {
	boom := errors.New("boom")
	f := Failed[PublishResult](boom)

	select {
	case <-f.Done():
	default:
		t.Fatal("failed future should be resolved")
	}

	_, err := f.Result()
	assert.ErrorIs(t, err, boom)
}

func TestAwait(t *testing.T) {
	t.Run("resolved", func(t *testing.T) {
		v, err := Await(context.Background(), Resolved(7, nil), 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := Await(context.Background(), NewFuture[int](), 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("cancelled context is not a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Await(ctx, NewFuture[int](), time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTimeout)
	})

	t.Run("no timeout waits for context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := Await(ctx, NewFuture[int](), 0)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
