// Package database opens the SQLite database and applies migrations.
//
// The pure-Go modernc.org/sqlite driver registers itself as "sqlite" through
// the blank import below, so the binary builds without cgo.
//
// Migrations:
// Every *.sql file in the migrations directory is one migration. Files run
// in name order, each in its own transaction, and the file name is recorded
// in schema_migrations when it commits. On the next start the recorded files
// are skipped, so adding a migration means adding a new file, never editing
// an applied one.
//
// A migration interrupted between its statements and its bookkeeping row can
// fail on rerun with "duplicate column name"; such failures are logged and
// skipped.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// recoverableErrors are migration failures that mean the statement already
// ran in an earlier, interrupted attempt.
var recoverableErrors = []string{
	"duplicate column name",
}

// DB wraps the connection pool.
type DB struct {
	Conn   *sql.DB
	logger *zap.Logger
}

// New opens dbPath (creating its directory) and applies every pending
// migration found in migrationsFS.
func New(dbPath string, migrationsFS fs.FS, logger *zap.Logger) (*DB, error) {
	logger = logger.Named("database")

	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	if dbPath == MemoryPath {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{Conn: conn, logger: logger}
	if err := db.runMigrations(context.Background(), migrationsFS); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database ready", zap.String("path", dbPath))
	return db, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// runMigrations applies *.sql files in lexical order (001_, 002_, ...) and
// records each in schema_migrations so it never runs twice. Each file runs in
// its own transaction together with its bookkeeping row.
func (db *DB) runMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.Conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, file := range sqlFiles {
		if applied[file] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		err = WithTx(ctx, db.Conn, func(tx *sql.Tx) error {
			if err := db.execStatements(ctx, tx, file, string(content)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", file); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", file, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		db.logger.Info("migration applied", zap.String("file", file))
	}

	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.Conn.QueryContext(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migration rows: %w", err)
	}
	return applied, nil
}

// execStatements runs a migration one statement at a time, skipping the
// recoverable failures listed above.
func (db *DB) execStatements(ctx context.Context, q TxQuerier, filename, content string) error {
	for i, stmt := range splitStatements(content) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			msg := err.Error()
			recoverable := false
			for _, pattern := range recoverableErrors {
				if strings.Contains(msg, pattern) {
					recoverable = true
					break
				}
			}

			if recoverable {
				db.logger.Warn("migration statement skipped",
					zap.String("file", filename), zap.Int("statement", i+1), zap.String("reason", msg))
				continue
			}

			return fmt.Errorf("failed to execute migration %s (statement %d): %w", filename, i+1, err)
		}
	}
	return nil
}

// splitStatements splits on semicolons outside single-quoted literals and
// drops "--" line comments.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			statements = append(statements, s)
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		ch := sql[i]

		if !inString && ch == '-' && i+1 < len(sql) && sql[i+1] == '-' {
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
			continue
		}

		if ch == '\'' {
			if inString && i+1 < len(sql) && sql[i+1] == '\'' {
				current.WriteByte(ch)
				current.WriteByte(sql[i+1])
				i++
				continue
			}
			inString = !inString
		}

		if ch == ';' && !inString {
			flush()
			continue
		}

		current.WriteByte(ch)
	}
	flush()

	return statements
}
