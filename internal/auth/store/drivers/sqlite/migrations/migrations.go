// Package migrations embeds the SQL migration files so they are compiled
// into the binary and can be applied at startup without shipping files
// alongside it.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
