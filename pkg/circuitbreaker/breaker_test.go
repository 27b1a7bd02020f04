package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDown     = errors.New("connection refused")
	errNotFound = errors.New("not found")
)

func newTestBreaker(t *testing.T) *CircuitBreaker {
	t.Helper()
	cfg := DefaultConfig("store")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.Ignore = func(err error) bool { return errors.Is(err, errNotFound) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	return cb
}

func TestDo_ReturnsResult(t *testing.T) {
	cb := newTestBreaker(t)

	got, err := Do(context.Background(), cb, func(context.Context) (string, error) {
		return "doc", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "doc", got)

	var nilPtr *int
	ptr, err := Do(context.Background(), cb, func(context.Context) (*int, error) {
		return nilPtr, nil
	})
	require.NoError(t, err)
	assert.Nil(t, ptr)
}

func TestDo_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(t)
	var changes []State
	cb.OnStateChange(func(_ string, to State) { changes = append(changes, to) })

	for i := 0; i < 2; i++ {
		err := cb.Run(context.Background(), func(context.Context) error { return errDown })
		assert.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []State{StateOpen}, changes)

	called := false
	err := cb.Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestDo_IgnoredErrorsDoNotTrip(t *testing.T) {
	cb := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		_, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 0, errNotFound })
		assert.ErrorIs(t, err, errNotFound)
	}
	assert.True(t, cb.IsClosed())
	assert.Zero(t, cb.Counts().TotalFailures)
}

func TestManager_HealthStatus(t *testing.T) {
	var notified []string
	m := NewManager(nil, func(name string, _ State) { notified = append(notified, name) })

	cfg := DefaultConfig("")
	cfg.FailureThreshold = 1
	store, err := m.GetOrCreate("store", cfg)
	require.NoError(t, err)
	_, err = m.GetOrCreate("broker", cfg)
	require.NoError(t, err)

	again, err := m.GetOrCreate("store", cfg)
	require.NoError(t, err)
	assert.Same(t, store, again)
	assert.Equal(t, "store", store.Name())

	_ = store.Run(context.Background(), func(context.Context) error { return errDown })

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "broker", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "store", statuses[1].Name)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, []string{"store"}, notified)
}
