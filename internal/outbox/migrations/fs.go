// Package migrations embeds the outbox schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
