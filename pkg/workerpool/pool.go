// Package workerpool bounds the concurrency of document processing fan-outs.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of items processed concurrently
	Workers int
	// MaxRetries is the maximum number of retries for a retryable failure
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// Retryable decides whether a failure is retried. Nil disables retries.
	Retryable func(error) bool
}

// DefaultConfig returns defaults sized for per-patient document sets
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		MaxRetries: 2,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Pool runs item functions with bounded concurrency and records statistics.
// It holds no goroutines between calls and is safe for concurrent use.
type Pool struct {
	config Config
	logger *zap.Logger

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksCancelled int64
	tasksRetried   int64
	activeWorkers  int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pool{config: cfg, logger: logger}
}

// Map applies fn to every item with at most Workers calls in flight and
// returns the results in input order. The first failure cancels the
// remaining calls and is returned. Calls stopped by that cancellation count
// as cancelled, not failed.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	if len(items) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for i, item := range items {
		atomic.AddInt64(&p.tasksSubmitted, 1)
		g.Go(func() error {
			atomic.AddInt64(&p.activeWorkers, 1)
			defer atomic.AddInt64(&p.activeWorkers, -1)

			res, err := run(gctx, p, i, item, fn)
			if err != nil {
				if cause := gctx.Err(); cause != nil && errors.Is(err, cause) {
					atomic.AddInt64(&p.tasksCancelled, 1)
					return err
				}
				atomic.AddInt64(&p.tasksFailed, 1)
				p.logger.Error("task failed", zap.Int("index", i), zap.Error(err))
				return err
			}
			atomic.AddInt64(&p.tasksCompleted, 1)
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// run executes a single item, retrying retryable failures with linear backoff.
func run[T, R any](ctx context.Context, p *Pool, index int, item T, fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		res, err := fn(ctx, item)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if p.config.Retryable == nil || !p.config.Retryable(err) {
			return zero, err
		}

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.Int("index", index),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return zero, fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksCancelled int64
	TasksRetried   int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksCancelled: atomic.LoadInt64(&p.tasksCancelled),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true while every worker slot is not permanently occupied
func (p *Pool) IsHealthy() bool {
	return atomic.LoadInt64(&p.activeWorkers) < int64(p.config.Workers)
}
