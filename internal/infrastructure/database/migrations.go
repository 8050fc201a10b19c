package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"time"
)

// ErrMigrationName is returned for a *.up.sql file whose name does not
// follow YYYYMMDD_HHMMSS_description.up.sql.
var ErrMigrationName = errors.New("malformed migration filename")

var migrationName = regexp.MustCompile(`^(\d{8}_\d{6})_(\w+)\.up\.sql$`)

// migration is one forward schema step read from the migrations FS.
type migration struct {
	version string
	name    string
	sql     string
}

// Migrate applies every *.up.sql in fsys that schema_migrations does not
// list yet, oldest version first. Each migration commits in its own
// transaction, so a failure leaves earlier ones applied and the failed
// one rolled back; rerunning continues from there.
//
// The schema only moves forward. Migrations must be additive: new
// columns are NULLABLE or carry a DEFAULT.
//
// Returns:
//   - []string: "version_name" of each migration applied by this call
//   - error: If reading fsys or applying a migration fails
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) ([]string, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	all, err := loadMigrations(fsys)
	if err != nil {
		return nil, err
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range all {
		if applied[m.version] {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return done, fmt.Errorf("applying migration %s_%s: %w", m.version, m.name, err)
		}
		done = append(done, m.version+"_"+m.name)
	}
	return done, nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("reading schema_migrations: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (db *DB) apply(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

// loadMigrations reads the *.up.sql files at the root of fsys sorted by
// version. A nil fsys has no migrations. Other files are ignored.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	if fsys == nil {
		return nil, nil
	}

	names, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	out := make([]migration, 0, len(names))
	for _, file := range names {
		parts := migrationName.FindStringSubmatch(file)
		if parts == nil {
			return nil, fmt.Errorf("%w: %s", ErrMigrationName, file)
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		out = append(out, migration{version: parts[1], name: parts[2], sql: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
