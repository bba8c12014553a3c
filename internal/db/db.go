package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "mission-control.sqlite"

type Config struct {
	Workspace     string
	Path          string
	BusyTimeoutMS int
	MaxOpenConns  int
}

// Engine owns the process-wide store handle. Build one per process and pass it
// to every component.
type Engine struct {
	DB *sql.DB
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".mc", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".mc")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// DSN builds the sqlite connection string. Every connection gets foreign keys,
// WAL and a busy timeout, and BEGIN takes the write lock up front.
func DSN(path string, busyTimeoutMS int) string {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate", path, busyTimeoutMS)
}

// Open opens the SQLite database and verifies the connection.
func Open(cfg Config) (*Engine, error) {
	path := cfg.Path
	if path == "" {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		path = dbPath(cfg.Workspace)
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", DSN(path, cfg.BusyTimeoutMS))
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return New(conn), nil
}

// New wraps an existing handle.
func New(conn *sql.DB) *Engine {
	return &Engine{DB: conn}
}

// WithTx runs fn inside one transaction. fn's error rolls the transaction back
// and is returned unchanged.
func (e *Engine) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (e *Engine) Close() error {
	return e.DB.Close()
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
