package migrations

import "embed"

// FS contains embedded SQLite migrations for lane-agent storage.
//
//go:embed *.sql
var FS embed.FS
