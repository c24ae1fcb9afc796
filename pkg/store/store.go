// Package store is the record-store port: a database/sql handle shared by
// the components that persist durable state (traces, audit entries, usage
// records) or load read-mostly catalogs (keys, models, rules, features,
// budgets). Postgres is the production backend; SQLite serves local and
// sandbox deployments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DefaultTimeout bounds record-store round trips on the request path.
const DefaultTimeout = 500 * time.Millisecond

// DB wraps a sql.DB with its driver name so query text can be adapted
// between Postgres and SQLite placeholders.
type DB struct {
	*sql.DB
	Driver string
}

// Open connects to the record store. A URL of the form "sqlite:<path>"
// (or ":memory:") selects SQLite; anything else is treated as a Postgres
// DSN.
func Open(databaseURL string) (*DB, error) {
	driver := "postgres"
	dsn := databaseURL

	if strings.HasPrefix(databaseURL, "sqlite:") {
		driver = "sqlite"
		dsn = strings.TrimPrefix(databaseURL, "sqlite:")
	} else if databaseURL == ":memory:" {
		driver = "sqlite"
		dsn = ":memory:"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return &DB{DB: db, Driver: driver}, nil
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return d.PingContext(ctx)
}

// Rebind converts $N placeholders to ? for SQLite. Queries are written in
// Postgres form; SQLite deployments rewrite them at call time.
func (d *DB) Rebind(query string) string {
	if d.Driver != "sqlite" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

// RebindArgs reorders args for SQLite when a query reuses a $N placeholder.
// Postgres binds $N by position; after Rebind each occurrence needs its own
// argument.
func RebindArgs(query string, args []any) []any {
	var out []any
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			continue
		}
		n, _ := strconv.Atoi(query[i+1 : j])
		if n >= 1 && n <= len(args) {
			out = append(out, args[n-1])
		}
		i = j - 1
	}
	return out
}

// Serial returns the driver-appropriate auto-increment primary key DDL.
func (d *DB) Serial() string {
	if d.Driver == "sqlite" {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

// Exec runs a statement with the store timeout applied, rebinding for the
// active driver.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if d.Driver == "sqlite" {
		args = RebindArgs(query, args)
	}
	return d.ExecContext(ctx, d.Rebind(query), args...)
}

// Query runs a query, rebinding for the active driver. Callers bound the
// context; cancelling here would tear down the row cursor before it is read.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if d.Driver == "sqlite" {
		args = RebindArgs(query, args)
	}
	return d.QueryContext(ctx, d.Rebind(query), args...)
}

// QueryRow runs a single-row query, rebinding for the active driver.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if d.Driver == "sqlite" {
		args = RebindArgs(query, args)
	}
	return d.QueryRowContext(ctx, d.Rebind(query), args...)
}
