// Package migrations embeds the sqlite schema migrations so the driver can
// apply them without shipping loose files alongside the binary.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
