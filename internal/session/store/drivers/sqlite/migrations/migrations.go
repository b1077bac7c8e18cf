// Package migrations embeds the schema migration files for the sqlite
// session store driver so they compile into the terminal binary.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
