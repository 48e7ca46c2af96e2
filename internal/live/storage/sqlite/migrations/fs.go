// Package migrations embeds the sqlite schema migrations of the live store.
package migrations

import "embed"

// FS holds the SQL migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
