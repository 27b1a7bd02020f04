package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInvalid = errors.New("invalid record")

func newTestInbox() (*Inbox, *MemoryStore) {
	store := NewMemoryStore()
	cfg := DefaultInboxConfig()
	cfg.Terminal = func(err error) bool { return errors.Is(err, errInvalid) }
	return NewInbox(store, cfg, nil), store
}

func TestProcess_RunsOnce(t *testing.T) {
	inbox, _ := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"documentId":"d1"}`), nil
	}

	first, err := inbox.Process(ctx, "key-1", "create", []byte(`{"a":1}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(ctx, "key-1", "create", []byte(`{"a":1}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"documentId":"d1"}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcess_RejectsReusedKey(t *testing.T) {
	inbox, _ := newTestInbox()
	ctx := context.Background()
	ok := func(context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

	_, err := inbox.Process(ctx, "key-1", "create", []byte(`{"a":1}`), ok)
	require.NoError(t, err)
	_, err = inbox.Process(ctx, "key-1", "create", []byte(`{"a":2}`), ok)
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestProcess_RecoverableAndTerminalFailures(t *testing.T) {
	inbox, store := newTestInbox()
	ctx := context.Background()

	_, err := inbox.Process(ctx, "flaky", "create", nil, func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	})
	require.Error(t, err)
	entry, err := store.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusRecoverable, entry.Status)

	res, err := inbox.Process(ctx, "flaky", "create", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)

	_, err = inbox.Process(ctx, "bad", "create", nil, func(context.Context) (json.RawMessage, error) {
		return nil, errInvalid
	})
	assert.ErrorIs(t, err, errInvalid)
	_, err = inbox.Process(ctx, "bad", "create", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcess_InProgressAndStale(t *testing.T) {
	inbox, store := newTestInbox()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	inbox.clock = func() time.Time { return now }

	require.NoError(t, store.Start(ctx, &InboxEntry{
		IdempotencyKey: "busy",
		Status:         StatusStarted,
		Fingerprint:    Fingerprint("create", nil),
		UpdatedAt:      now.Add(-time.Minute),
	}))
	_, err := inbox.Process(ctx, "busy", "create", nil, func(context.Context) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	now = now.Add(10 * time.Minute)
	res, err := inbox.Process(ctx, "busy", "create", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, store.Start(ctx, &InboxEntry{IdempotencyKey: "old", ExpiresAt: &past}))
	require.NoError(t, store.Start(ctx, &InboxEntry{IdempotencyKey: "new", ExpiresAt: &future}))

	n, err := store.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("create", []byte("x"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("create", []byte("x")))
	assert.NotEqual(t, a, Fingerprint("update", []byte("x")))
	assert.Equal(t, strings.ToLower(a), a)
}
