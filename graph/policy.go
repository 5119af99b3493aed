package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"dario.cat/mergo"
)

// Attempt statuses recorded in AttemptRecord.Status.
const (
	AttemptCompleted = "completed"
	AttemptFailed    = "failed"
)

// RetryConfig is the resolved retry behaviour for one node.
//
// A node is tried up to MaxRetries+1 times. The wait before retry i+1 is
// RetryDelayMs * BackoffMultiplier^i milliseconds, with no jitter, so
// retry timing is reproducible in tests and logs.
type RetryConfig struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int     `json:"retryDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// DefaultRetryConfig returns the engine defaults: 3 retries, 1s initial
// delay, doubling each time.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, RetryDelayMs: 1000, BackoffMultiplier: 2}
}

// RetryOverride is a partial RetryConfig. Nil fields inherit from the
// enclosing layer (node inherits from workflow, workflow from engine).
type RetryOverride struct {
	MaxRetries        *int     `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryDelayMs      *int     `json:"retryDelayMs,omitempty" yaml:"retryDelayMs,omitempty"`
	BackoffMultiplier *float64 `json:"backoffMultiplier,omitempty" yaml:"backoffMultiplier,omitempty"`
}

// Validate rejects negative counts and delays.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return &EngineError{Message: "maxRetries must be >= 0", Code: "INVALID_RETRY_CONFIG"}
	}
	if c.RetryDelayMs < 0 {
		return &EngineError{Message: "retryDelayMs must be >= 0", Code: "INVALID_RETRY_CONFIG"}
	}
	return nil
}

// ResolveRetryConfig layers overrides on top of base, later layers winning.
// Nil layers are skipped. Zero values in an override still win, so a node can
// set maxRetries to 0 to disable retries.
func ResolveRetryConfig(base RetryConfig, layers ...*RetryOverride) (RetryConfig, error) {
	maxRetries, delay, mult := base.MaxRetries, base.RetryDelayMs, base.BackoffMultiplier
	merged := RetryOverride{MaxRetries: &maxRetries, RetryDelayMs: &delay, BackoffMultiplier: &mult}

	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if err := mergo.Merge(&merged, *layer, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return base, fmt.Errorf("failed to merge retry config: %w", err)
		}
	}

	cfg := RetryConfig{
		MaxRetries:        *merged.MaxRetries,
		RetryDelayMs:      *merged.RetryDelayMs,
		BackoffMultiplier: *merged.BackoffMultiplier,
	}
	return cfg, cfg.Validate()
}

// AttemptRecord describes one try of a node.
type AttemptRecord struct {
	Number      int       `json:"number"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// AttemptFunc performs one attempt. attempt is zero-based.
type AttemptFunc func(ctx context.Context, attempt int) (any, error)

// RunWithRetry calls fn until it succeeds or cfg.MaxRetries+1 attempts have
// failed. observe, when non-nil, is called after every attempt.
//
// It returns the first successful output, or the last attempt's error. The
// backoff wait ends early only when ctx is done; in that case the returned
// error joins the last attempt error with ctx.Err().
func RunWithRetry(ctx context.Context, cfg RetryConfig, fn AttemptFunc, observe func(AttemptRecord)) (any, []AttemptRecord, error) {
	attempts := make([]AttemptRecord, 0, cfg.MaxRetries+1)
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		rec := AttemptRecord{Number: attempt, StartedAt: time.Now()}
		out, err := fn(ctx, attempt)
		rec.CompletedAt = time.Now()

		if err == nil {
			rec.Status = AttemptCompleted
			attempts = append(attempts, rec)
			if observe != nil {
				observe(rec)
			}
			return out, attempts, nil
		}

		rec.Status = AttemptFailed
		rec.Error = err.Error()
		attempts = append(attempts, rec)
		if observe != nil {
			observe(rec)
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(computeBackoff(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempts, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, attempts, lastErr
}

// computeBackoff returns the wait after the given zero-based attempt:
// RetryDelayMs * BackoffMultiplier^attempt. A multiplier <= 0 is treated
// as 1. The result saturates instead of overflowing.
//
// Example with RetryDelayMs=1000, BackoffMultiplier=2:
// - attempt 0: 1s.
// - attempt 1: 2s.
// - attempt 2: 4s.
func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	ms := float64(cfg.RetryDelayMs) * math.Pow(mult, float64(attempt))
	d := ms * float64(time.Millisecond)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
