// Package migrations embeds the cost database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
