package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// sqlStore holds the query logic shared by the SQLite and MySQL stores.
// Both dialects accept the same DML; only the DDL differs.
type sqlStore[T any] struct {
	db       *sql.DB
	mu       sync.RWMutex
	closed   bool
	capacity int
}

func (s *sqlStore[T]) save(ctx context.Context, rec Record[T]) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", rec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM nodegraph_executions WHERE id = ?", rec.ID); err != nil {
		return fmt.Errorf("failed to replace execution %s: %w", rec.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO nodegraph_executions (id, workflow_id, status, started_at_ms, ended_at_ms, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.Status, toMillis(rec.StartedAt), toMillis(rec.EndedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", rec.ID, err)
	}

	if err := s.evict(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// evict deletes everything older than the newest capacity rows.
func (s *sqlStore[T]) evict(ctx context.Context, tx *sql.Tx) error {
	var threshold int64
	err := tx.QueryRowContext(ctx,
		"SELECT seq FROM nodegraph_executions ORDER BY seq DESC LIMIT 1 OFFSET ?", s.capacity).Scan(&threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find eviction threshold: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodegraph_executions WHERE seq <= ?", threshold); err != nil {
		return fmt.Errorf("failed to evict old executions: %w", err)
	}
	return nil
}

func (s *sqlStore[T]) load(ctx context.Context, id string) (Record[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record[T]{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, started_at_ms, ended_at_ms, data
		 FROM nodegraph_executions WHERE id = ?`, id)
	rec, err := scanRecord[T](row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record[T]{}, ErrNotFound
	}
	return rec, err
}

func (s *sqlStore[T]) list(ctx context.Context, limit int) ([]Record[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = s.capacity
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, status, started_at_ms, ended_at_ms, data
		 FROM nodegraph_executions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []Record[T]
	for rows.Next() {
		rec, err := scanRecord[T](rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore[T]) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord[T any](row scanner) (Record[T], error) {
	var (
		rec            Record[T]
		started, ended int64
		data           string
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.Status, &started, &ended, &data); err != nil {
		return Record[T]{}, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return Record[T]{}, fmt.Errorf("failed to unmarshal execution %s: %w", rec.ID, err)
	}
	rec.StartedAt = fromMillis(started)
	rec.EndedAt = fromMillis(ended)
	return rec, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
