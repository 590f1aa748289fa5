// Package migrations carries the schema migration files, embedded so the
// binary applies them regardless of where it runs from.
package migrations

import "embed"

// FS holds every .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
