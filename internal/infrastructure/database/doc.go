// Package database provides the SQLite store behind the client's scan
// history journal.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations read from an fs.FS (normally the embedded
//     migrations package)
//   - Startup health check
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	applied, err := db.Migrate(ctx, migrations.FS)
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql. There is
// no down path: migrations are additive, so new columns must be NULLABLE
// or carry a DEFAULT.
package database
