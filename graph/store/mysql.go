package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists archived executions in MySQL, for deployments where
// several engine processes share one history.
//
// The DSN follows go-sql-driver/mysql conventions, for example
// "user:pass@tcp(localhost:3306)/nodegraph?parseTime=true".
type MySQLStore[T any] struct {
	sqlStore[T]
}

// NewMySQLStore connects to dsn, verifies the connection and creates the
// schema if needed.
func NewMySQLStore[T any](dsn string, capacity int) (*MySQLStore[T], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore[T]{sqlStore: sqlStore[T]{db: db, capacity: capacity}}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore[T]) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS nodegraph_executions (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(255) NOT NULL,
			workflow_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			started_at_ms BIGINT NOT NULL,
			ended_at_ms BIGINT NOT NULL,
			data JSON NOT NULL,
			UNIQUE KEY unique_execution_id (id),
			INDEX idx_workflow_id (workflow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create nodegraph_executions table: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (m *MySQLStore[T]) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.db.PingContext(ctx)
}

// Save implements Store.
func (m *MySQLStore[T]) Save(ctx context.Context, rec Record[T]) error { return m.save(ctx, rec) }

// Load implements Store.
func (m *MySQLStore[T]) Load(ctx context.Context, id string) (Record[T], error) {
	return m.load(ctx, id)
}

// List implements Store.
func (m *MySQLStore[T]) List(ctx context.Context, limit int) ([]Record[T], error) {
	return m.list(ctx, limit)
}

// Close implements Store.
func (m *MySQLStore[T]) Close() error { return m.close() }
