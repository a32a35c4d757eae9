// Package store implements the User / Config / Chat-State Store
// (spec.md §4.6): a SQLite-backed relational store reached through
// database/sql, with migrations applied in lexicographic identifier order
// at startup (spec.md §9).
//
// Grounded on the migration-runner shape in the retrieval pack's
// teranos-QNTX/db package, rewritten in the teacher's (teleport's) idiom:
// trace.Wrap for errors and logrus for logging. Open takes the database
// path and an optional logger directly; there is no config struct.
package store

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsDir = "migrations"

// Store wraps the database connection plus every sub-store (users,
// permissions, config, chat state) for the server.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating if necessary) the SQLite database at path, applies
// pragmas appropriate for a single-process server, and runs all pending
// migrations. A failure here is fatal to process startup (spec.md §7).
func Open(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.WithField(trace.Component, "store")
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, trace.Wrap(err, "creating database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, trace.Wrap(err, "opening database %s", path)
	}

	// Single-process server: one writer at a time is sufficient and keeps
	// the admin-invariant transactions (spec.md §4.4) free of SQLITE_BUSY
	// races against database/sql's own connection pool.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, trace.Wrap(err, "applying %q", pragma)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "running migrations")
	}

	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies every migration file under migrations/ in lexicographic
// filename order, each in its own transaction, recording applied versions
// in schema_migrations so re-application is a no-op (spec.md §8 invariant
// 8, §9 "Migration ordering").
func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir(migrationsDir)
	if err != nil {
		return trace.Wrap(err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var exists bool
		err := s.db.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version,
		).Scan(&exists)
		if err != nil {
			// schema_migrations itself doesn't exist yet; only the very
			// first migration is allowed to hit this path.
			if version != "0000" {
				return trace.BadParameter("schema_migrations missing before migration %s", filename)
			}
		} else if exists {
			s.log.WithField("migration", filename).Debug("skipping already-applied migration")
			continue
		}

		sqlBytes, err := migrationFS.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return trace.Wrap(err, "reading %s", filename)
		}

		s.log.WithField("migration", filename).Info("applying migration")

		tx, err := s.db.Begin()
		if err != nil {
			return trace.Wrap(err, "beginning transaction for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return trace.Wrap(err, "executing %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return trace.Wrap(err, "recording %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return trace.Wrap(err, "committing %s", filename)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns. Used by every multi-row write in users.go
// and chatstate.go so admin-count invariants are evaluated inside the
// same transaction as the mutation (spec.md §4.4, §4.6).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
