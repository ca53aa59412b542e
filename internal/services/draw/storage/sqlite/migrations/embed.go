package migrations

import "embed"

// FS contains embedded SQLite migrations for draw storage.
//
//go:embed *.sql
var FS embed.FS
