package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// migration is one embedded schema file named NNN_description.sql.
type migration struct {
	version string
	file    string
}

func (m migration) name() string {
	return path.Base(m.file)
}

func loadMigrations() ([]migration, error) {
	files, err := fs.Glob(migrations, "sqlite/migrations/*.sql")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list migrations")
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	for _, f := range files {
		version, _, ok := strings.Cut(path.Base(f), "_")
		if !ok {
			return nil, errors.Newf("migration %s is not named NNN_description.sql", path.Base(f))
		}
		out = append(out, migration{version: version, file: f})
	}
	return out, nil
}

// AppliedVersions returns the recorded migration versions in order. A
// database that was never migrated has none.
func AppliedVersions(ctx context.Context, db *sql.DB) ([]string, error) {
	var tables int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`,
	).Scan(&tables)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect schema")
	}
	if tables == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schema_migrations")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Migrate applies the embedded migrations not yet recorded in
// schema_migrations, each in its own transaction. log may be nil.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	return MigrateContext(context.Background(), db, log)
}

// MigrateContext is Migrate with a context.
func MigrateContext(ctx context.Context, db *sql.DB, log *zap.SugaredLogger) error {
	all, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := AppliedVersions(ctx, db)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	count := 0
	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		count++
		if log != nil {
			log.Infow("Applied migration", "migration", m.name(), "version", m.version)
		}
	}

	if log != nil {
		log.Debugw("Schema up to date", "migrations", len(all), "applied", count)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	body, err := migrations.ReadFile(m.file)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", m.name())
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to begin %s", m.name())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return errors.Wrapf(err, "migration %s failed", m.name())
	}
	// 000 creates schema_migrations, so every file records itself last
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return errors.Wrapf(err, "failed to record %s", m.name())
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit %s", m.name())
	}
	return nil
}
