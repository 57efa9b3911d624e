// Package migrations holds the ledger schema as numbered SQL files.
package migrations

import "embed"

// FS contains every {version}_{name}.up.sql and .down.sql file.
//
//go:embed *.sql
var FS embed.FS
