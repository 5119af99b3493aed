// Package store provides persistence for archived workflow executions.
package store

import (
	"context"
	"errors"
	"time"
)

// DefaultCapacity is the number of executions a store retains before the
// oldest are evicted.
const DefaultCapacity = 1000

// ErrNotFound is returned when a requested execution is not in the store.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store persists finished executions as a bounded, insertion-ordered history.
//
// Implementations are safe for concurrent use. Saving beyond the store's
// capacity evicts the oldest records. Type parameter T is the archived
// payload, typically the engine's execution snapshot.
type Store[T any] interface {
	// Save inserts rec or replaces an existing record with the same ID. A
	// replaced record moves to the newest position.
	Save(ctx context.Context, rec Record[T]) error

	// Load returns the record with the given ID or ErrNotFound.
	Load(ctx context.Context, id string) (Record[T], error)

	// List returns up to limit records, newest first. limit <= 0 returns
	// everything retained.
	List(ctx context.Context, limit int) ([]Record[T], error)

	// Close releases resources. Later calls fail with ErrClosed.
	Close() error
}

// Record is one archived workflow execution.
type Record[T any] struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	Data       T         `json:"data"`
}
