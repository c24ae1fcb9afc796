package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSelectsDriver(t *testing.T) {
	tests := []struct {
		url    string
		driver string
	}{
		{"sqlite:/tmp/arbiter.db", "sqlite"},
		{":memory:", "sqlite"},
		{"postgres://arbiter@localhost:5432/arbiter", "postgres"},
	}
	for _, tt := range tests {
		db, err := Open(tt.url)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.driver, db.Driver, tt.url)
		_ = db.Close()
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{Driver: "postgres"}
	lite := &DB{Driver: "sqlite"}

	query := "SELECT * FROM t WHERE a = $1 AND b = $2"
	assert.Equal(t, query, pg.Rebind(query))
	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ?", lite.Rebind(query))
}

func TestRebindDoubleDigit(t *testing.T) {
	lite := &DB{Driver: "sqlite"}
	assert.Equal(t, "VALUES (?, ?)", lite.Rebind("VALUES ($9, $10)"))
}

func TestRebindLeavesBareDollar(t *testing.T) {
	lite := &DB{Driver: "sqlite"}
	assert.Equal(t, "SELECT '$' || ?", lite.Rebind("SELECT '$' || $1"))
}

func TestRebindArgsReordersReusedPlaceholders(t *testing.T) {
	query := "UPDATE t SET a = $1, b = $2 WHERE a <> $1"
	got := RebindArgs(query, []any{"x", "y"})
	assert.Equal(t, []any{"x", "y", "x"}, got)
}

func TestRebindArgsIgnoresOutOfRange(t *testing.T) {
	got := RebindArgs("SELECT $1, $5", []any{"only"})
	assert.Equal(t, []any{"only"}, got)
}

func TestSerial(t *testing.T) {
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", (&DB{Driver: "postgres"}).Serial())
	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", (&DB{Driver: "sqlite"}).Serial())
}

func TestSQLiteRoundTrip(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Ping(ctx))

	_, err = db.Exec(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = db.Exec(ctx, "INSERT INTO kv (k, v) VALUES ($1, $2)", "alpha", "one")
	require.NoError(t, err)

	var v string
	err = db.QueryRow(ctx, "SELECT v FROM kv WHERE k = $1", "alpha").Scan(&v)
	require.NoError(t, err)
	assert.Equal(t, "one", v)
}
