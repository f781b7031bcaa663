// Package migrations embeds the goose SQL migrations applied by the store.
// The SQL is kept portable between SQLite and PostgreSQL: timestamps are
// fixed-width UTC TEXT so lexical order equals chronological order.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
