// Package migrations embeds the relational schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
