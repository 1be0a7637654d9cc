// Package sqlsource reads JSON documents from a SQL table, the system of
// record that query results are cached from.
//
// The table has two columns: id (text primary key) and doc (JSON text).
// Both PostgreSQL (through pgx) and SQLite are supported.
package sqlsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite"
)

// maxBatch bounds the number of ids in one IN clause.
const maxBatch = 500

var (
	// ErrNotFound indicates no row has the requested id.
	ErrNotFound = errors.New("sqlsource: not found")

	// ErrUnknownDriver indicates an unsupported driver name.
	ErrUnknownDriver = errors.New("sqlsource: unknown driver")
)

// Stats describes the table.
type Stats struct {
	Driver string `json:"driver"`
	Table  string `json:"table"`
	Rows   int64  `json:"rows"`
}

// Table is a document table decoded into T.
// A Table is safe for concurrent use.
type Table[T any] struct {
	db     *sql.DB
	driver string
	name   string
}

// Open connects to dsn with driver and returns the DB handle.
func Open(driver, dsn string) (*sql.DB, error) {
	if driver != DriverPgx && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// An in-memory database exists per connection.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewTable returns a Table over name. The caller owns db. name must be a
// plain identifier; it is interpolated into queries.
func NewTable[T any](db *sql.DB, driver, name string) (*Table[T], error) {
	if driver != DriverPgx && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	if !validIdent(name) {
		return nil, fmt.Errorf("sqlsource: invalid table name %q", name)
	}
	return &Table[T]{db: db, driver: driver, name: name}, nil
}

// Name returns the table name.
func (t *Table[T]) Name() string {
	return t.name
}

// CreateTable creates the table if it does not exist.
func (t *Table[T]) CreateTable(ctx context.Context) error {
	q := "CREATE TABLE IF NOT EXISTS " + t.name + " (id TEXT PRIMARY KEY, doc TEXT NOT NULL)"
	if _, err := t.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("creating table %s: %w", t.name, err)
	}
	return nil
}

// Put inserts or replaces the document for id.
func (t *Table[T]) Put(ctx context.Context, id string, v T) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", t.name, id, err)
	}
	q := "INSERT INTO " + t.name + " (id, doc) VALUES (" + t.placeholder(1) + ", " + t.placeholder(2) +
		") ON CONFLICT (id) DO UPDATE SET doc = excluded.doc"
	if _, err := t.db.ExecContext(ctx, q, id, string(doc)); err != nil {
		return fmt.Errorf("writing %s/%s: %w", t.name, id, err)
	}
	return nil
}

// Delete removes the document for id. Deleting a missing id is not an error.
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	q := "DELETE FROM " + t.name + " WHERE id = " + t.placeholder(1)
	if _, err := t.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", t.name, id, err)
	}
	return nil
}

// FetchByID returns the document for id, or ErrNotFound.
func (t *Table[T]) FetchByID(ctx context.Context, id string) (T, error) {
	var v T
	var doc string
	q := "SELECT doc FROM " + t.name + " WHERE id = " + t.placeholder(1)
	err := t.db.QueryRowContext(ctx, q, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("reading %s/%s: %w", t.name, id, err)
	}
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return v, fmt.Errorf("decoding %s/%s: %w", t.name, id, err)
	}
	return v, nil
}

// FetchByIDs returns the documents for ids. Unknown ids are absent from
// the result.
func (t *Table[T]) FetchByIDs(ctx context.Context, ids []string) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	for start := 0; start < len(ids); start += maxBatch {
		chunk := ids[start:min(start+maxBatch, len(ids))]
		if err := t.fetchChunk(ctx, chunk, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Table[T]) fetchChunk(ctx context.Context, ids []string, out map[string]T) error {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = t.placeholder(i + 1)
		args[i] = id
	}
	q := "SELECT id, doc FROM " + t.name + " WHERE id IN (" + strings.Join(marks, ", ") + ")"

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("reading %s: %w", t.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return fmt.Errorf("scanning %s: %w", t.name, err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return fmt.Errorf("decoding %s/%s: %w", t.name, id, err)
		}
		out[id] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", t.name, err)
	}
	return nil
}

// Stats returns the row count of the table.
func (t *Table[T]) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Driver: t.driver, Table: t.name}
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name).Scan(&s.Rows); err != nil {
		return s, fmt.Errorf("counting %s: %w", t.name, err)
	}
	return s, nil
}

func (t *Table[T]) placeholder(n int) string {
	if t.driver == DriverPgx {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
