// Package migrations embeds the scan history schema into the binary.
package migrations

import "embed"

// FS holds the forward migrations at its root, ready for DB.Migrate.
//
//go:embed *.up.sql
var FS embed.FS
