package database

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSplitStatements(t *testing.T) {
	sql := `-- leading comment; with a semicolon
CREATE TABLE a (x TEXT DEFAULT 'it''s; fine');
INSERT INTO a VALUES ('b;c');

`
	got := splitStatements(sql)
	require.Len(t, got, 2)
	assert.Equal(t, "CREATE TABLE a (x TEXT DEFAULT 'it''s; fine')", got[0])
	assert.Equal(t, "INSERT INTO a VALUES ('b;c')", got[1])
}

func TestNew_AppliesEmbeddedMigrationsOnce(t *testing.T) {
	db, err := New(MemoryPath, Migrations(), zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.Conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='call_records'",
	).Scan(&n))
	assert.Equal(t, 1, n)

	require.NoError(t, db.runMigrations(context.Background(), Migrations()))

	require.NoError(t, db.Conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunMigrations_FailedFileRollsBack(t *testing.T) {
	db, err := New(MemoryPath, fstest.MapFS{}, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	bad := fstest.MapFS{
		"001_bad.sql": {Data: []byte("CREATE TABLE t (x INTEGER); INSERT INTO missing VALUES (1);")},
	}
	require.Error(t, db.runMigrations(context.Background(), bad))

	var n int
	require.NoError(t, db.Conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='t'",
	).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.Conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 0, n)
}
