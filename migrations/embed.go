// Package migrations embeds the journal schema so the binary carries its
// own migrations.
package migrations

import "embed"

// FS holds the migration files at its root. Pass it to
// database.DB.Migrate with dir ".".
//
//go:embed *.sql
var FS embed.FS
