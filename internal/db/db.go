// Package db is the SQLite store for patterns, pattern instances, their
// controller resource links, and the tasks and events that track background
// work.
//
// Every connection runs with foreign keys on (instance and link rows cascade
// with their parent) and WAL journaling so API readers polling task status do
// not block a worker's writes.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	timeLayout   = time.RFC3339Nano
	dataDirPerms = 0o750
)

// ErrConflict is returned when an insert violates a uniqueness constraint.
var ErrConflict = errors.New("record already exists")

var connPragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

// Store wraps the database handle. The pool is capped at one connection, so
// writes are serialized; multi-row updates that readers must observe together
// run in a transaction.
type Store struct {
	Path string
	DB   *sql.DB
}

// Open creates the parent directory if needed, connects, and migrates.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dataDirPerms); err != nil {
		return nil, fmt.Errorf("create db dir for %s: %w", path, err)
	}
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}
	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{Path: path, DB: conn}, nil
}

// dsn builds a modernc file URI carrying the per-connection pragmas.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// NewWithDB wraps an existing handle without migrating it. Used with
// drivers that cannot run the migrations, such as sqlmock.
func NewWithDB(conn *sql.DB) *Store {
	return &Store{DB: conn}
}

// Close is safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime maps the empty column value to the zero time.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}

// timestamps fills unset creation times with now and an unset update time
// with the creation time.
func timestamps(createdAt, updatedAt time.Time) (string, string) {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return formatTime(createdAt), formatTime(updatedAt)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
