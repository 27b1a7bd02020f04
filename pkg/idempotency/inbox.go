// Package idempotency provides the Inbox pattern for exactly-once handling of
// client requests carrying an Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Fingerprint    string
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

var (
	// ErrEntryNotFound is returned by stores for unknown keys.
	ErrEntryNotFound = errors.New("idempotency entry not found")
	// ErrDuplicateMessage indicates the key was claimed concurrently.
	ErrDuplicateMessage = errors.New("duplicate request: already processed")
	// ErrMessageInProgress indicates the key is being processed.
	ErrMessageInProgress = errors.New("request in progress")
	// ErrKeyReused indicates the key was used before with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrPreviouslyFailed indicates the key failed permanently before.
	ErrPreviouslyFailed = errors.New("request previously failed permanently")
)

// Store persists inbox entries.
type Store interface {
	Get(ctx context.Context, key string) (*InboxEntry, error)
	// Start claims key as STARTED. It succeeds for a new key or an entry in
	// RECOVERABLE status and returns ErrDuplicateMessage otherwise.
	Start(ctx context.Context, entry *InboxEntry) error
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is the default time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// Terminal reports handler errors that must not be retried with the
	// same key. Nil treats every error as recoverable.
	Terminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent request processing
type Inbox struct {
	store  Store
	config InboxConfig
	clock  func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = func(error) bool { return false }
	}
	return &Inbox{
		store:  store,
		config: cfg,
		clock:  time.Now,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn once per key. A repeated key with the same payload returns
// the stored result of the first run.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload []byte, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	fingerprint := Fingerprint(handlerName, payload)
	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		if entry.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.clock().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	now := i.clock()
	expires := now.Add(i.config.DefaultTTL)
	err = i.store.Start(ctx, &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.Terminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.SetStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; a retry would see STARTED and wait out the
		// recovery timeout.
		i.logger.Error("failed to mark finished", zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

// Fingerprint hashes a handler name and request payload.
func Fingerprint(handlerName string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(handlerName))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// RunCleanup deletes expired entries every CleanupInterval until ctx ends.
func (i *Inbox) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := i.store.DeleteExpired(ctx, i.clock())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", deleted))
			}
		}
	}
}

// MemoryStore keeps inbox entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]InboxEntry
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]InboxEntry), clock: time.Now}
}

// Get returns a copy of the entry for key.
func (m *MemoryStore) Get(_ context.Context, key string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return &e, nil
}

// Start claims a new or recoverable key.
func (m *MemoryStore) Start(_ context.Context, entry *InboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[entry.IdempotencyKey]; ok {
		if existing.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		existing.Status = StatusStarted
		existing.UpdatedAt = m.clock()
		m.entries[entry.IdempotencyKey] = existing
		return nil
	}
	m.entries[entry.IdempotencyKey] = *entry
	return nil
}

// SetStatus updates status and result of an entry.
func (m *MemoryStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = m.clock()
	m.entries[key] = e
	return nil
}

// DeleteExpired removes entries whose expiry lies before now.
func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, e := range m.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}
