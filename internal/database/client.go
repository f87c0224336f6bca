// Package database provides PostgreSQL access for capture-api: protocols,
// texts, preview state, clone run status and run context storage.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// Client wraps the database connection pool and provides data access methods.
type Client struct {
	db *sql.DB
}

// NewClient opens a pool with the given driver ("pgx" or "postgres").
func NewClient(ctx context.Context, driver, databaseURL string) (*Client, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if driver == "" {
		driver = "pgx"
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Client{db: db}, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Migrate runs database migrations from the given path.
func (c *Client) Migrate(migrationsPath string) error {
	driver, err := postgres.WithInstance(c.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type txKey struct{}

type txState struct {
	mu    sync.Mutex
	tx    *sql.Tx
	hooks []func()
}

func withTxState(ctx context.Context, tx *sql.Tx) (context.Context, *txState) {
	state := &txState{tx: tx}
	return context.WithValue(ctx, txKey{}, state), state
}

// finish detaches the transaction once it has committed or rolled back.
func (s *txState) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = nil
}

func (s *txState) current() *sql.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func (s *txState) add(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *txState) run() {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Transaction runs fn within a database transaction. Functions registered
// with AfterCommit on the context passed to fn run once the commit succeeds
// and are dropped on rollback.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txCtx, state := withTxState(ctx, tx)

	if err := fn(txCtx, tx); err != nil {
		state.finish()
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	state.finish()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	state.run()
	return nil
}

// conn returns the open transaction carried by ctx, or the pool.
func (c *Client) conn(ctx context.Context) queryer {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		if tx := state.current(); tx != nil {
			return tx
		}
	}
	return c.db
}

// AfterCommit registers fn to run after the transaction carried by ctx
// commits. It returns false, without registering, when ctx carries none.
func AfterCommit(ctx context.Context, fn func()) bool {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return false
	}
	state.add(fn)
	return true
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ToNullString converts an empty string to NULL.
func ToNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
