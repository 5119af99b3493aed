package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists archived executions in a single SQLite file using the
// pure-Go modernc driver, so no cgo toolchain is needed.
//
// WAL mode is enabled for concurrent readers, and the pool is limited to one
// connection because SQLite serialises writers anyway.
//
// Example:
//
//	st, err := store.NewSQLiteStore[graph.ExecutionSnapshot]("./history.db", 1000)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
type SQLiteStore[T any] struct {
	sqlStore[T]
	path string
}

// NewSQLiteStore opens (or creates) the database at path and keeps at most
// capacity executions. Use ":memory:" for a throwaway database.
func NewSQLiteStore[T any](path string, capacity int) (*SQLiteStore[T], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[T]{
		sqlStore: sqlStore[T]{db: db, capacity: capacity},
		path:     path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[T]) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS nodegraph_executions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NOT NULL,
			data TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create nodegraph_executions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_executions_workflow ON nodegraph_executions(workflow_id)"); err != nil {
		return fmt.Errorf("failed to create idx_executions_workflow: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore[T]) Path() string { return s.path }

// Save implements Store.
func (s *SQLiteStore[T]) Save(ctx context.Context, rec Record[T]) error { return s.save(ctx, rec) }

// Load implements Store.
func (s *SQLiteStore[T]) Load(ctx context.Context, id string) (Record[T], error) {
	return s.load(ctx, id)
}

// List implements Store.
func (s *SQLiteStore[T]) List(ctx context.Context, limit int) ([]Record[T], error) {
	return s.list(ctx, limit)
}

// Close implements Store.
func (s *SQLiteStore[T]) Close() error { return s.close() }
