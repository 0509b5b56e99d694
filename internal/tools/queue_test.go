package tools

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csSone/LlamacppServer/internal/common"
)

func TestQueue_RunsInSubmissionOrder(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var results []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		results = append(results, q.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, r := range results {
		require.NoError(t, <-r)
	}
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueue_OneAtATime(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()

	var mu sync.Mutex
	running, peak := 0, 0
	var results []<-chan error
	for i := 0; i < 5; i++ {
		results = append(results, q.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}))
	}
	for _, r := range results {
		<-r
	}
	assert.Equal(t, 1, peak)
}

func TestQueue_CancelledBeforeSubmit(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := q.Run(ctx, func(ctx context.Context) error { ran = true; return nil })
	assert.True(t, common.IsCancellation(err))
	assert.False(t, ran)
}

func TestQueue_CancelledWhileWaiting(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	first := q.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	second := q.Submit(ctx, func(ctx context.Context) error { ran = true; return nil })
	cancel()
	close(release)

	require.NoError(t, <-first)
	assert.True(t, common.IsCancellation(<-second))
	assert.False(t, ran)
}

func TestQueue_InFlightTaskIsDetachedFromCancel(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := q.Submit(ctx, func(tctx context.Context) error {
		close(started)
		time.Sleep(10 * time.Millisecond)
		return tctx.Err()
	})
	<-started
	cancel()
	assert.NoError(t, <-done)
}

func TestQueue_Closed(t *testing.T) {
	q := NewQueue(0)
	q.Close()
	err := q.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
	q.Close()
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()
	err := q.Run(context.Background(), func(ctx context.Context) error { panic("boom") })
	assert.Error(t, err)
	require.NoError(t, q.Run(context.Background(), func(ctx context.Context) error { return nil }))
}
