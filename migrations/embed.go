// Package migrations holds the goose SQL migrations, embedded so the
// migrate command and integration tests run the same files.
package migrations

import "embed"

// FS contains every *.sql migration.
//
//go:embed *.sql
var FS embed.FS
