package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PreservesOrder(t *testing.T) {
	p := New(Config{Workers: 3}, nil)
	items := []int{5, 1, 4, 2, 3}

	got, err := Map(context.Background(), p, items, func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{50, 10, 40, 20, 30}, got)

	stats := p.Stats()
	assert.EqualValues(t, 5, stats.TasksSubmitted)
	assert.EqualValues(t, 5, stats.TasksCompleted)
	assert.Zero(t, stats.TasksFailed)
	assert.True(t, p.IsHealthy())
}

func TestMap_BoundsConcurrency(t *testing.T) {
	p := New(Config{Workers: 2}, nil)
	var inFlight, peak int64

	_, err := Map(context.Background(), p, make([]struct{}, 10), func(context.Context, struct{}) (bool, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return true, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestMap_FirstErrorWins(t *testing.T) {
	p := New(Config{Workers: 1}, nil)
	boom := errors.New("boom")

	_, err := Map(context.Background(), p, []string{"ok", "bad", "ok"}, func(_ context.Context, s string) (string, error) {
		if s == "bad" {
			return "", boom
		}
		return s, nil
	})
	assert.ErrorIs(t, err, boom)
	stats := p.Stats()
	assert.EqualValues(t, 1, stats.TasksFailed)
	assert.EqualValues(t, 1, stats.TasksCancelled)
	assert.EqualValues(t, 1, stats.TasksCompleted)
}

func TestMap_RetriesRetryableFailures(t *testing.T) {
	transient := errors.New("transient")
	p := New(Config{
		Workers:    1,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return errors.Is(err, transient) },
	}, nil)

	var calls int64
	got, err := Map(context.Background(), p, []int{1}, func(context.Context, int) (int, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return 0, transient
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, got)
	assert.EqualValues(t, 2, p.Stats().TasksRetried)

	calls = 0
	_, err = Map(context.Background(), p, []int{1}, func(context.Context, int) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 0, transient
	})
	assert.ErrorIs(t, err, transient)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestMap_Empty(t *testing.T) {
	got, err := Map(context.Background(), New(DefaultConfig(), nil), nil, func(context.Context, int) (int, error) {
		return 0, errors.New("never called")
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMap_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Map(ctx, New(Config{Workers: 2}, nil), []int{1, 2}, func(context.Context, int) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
