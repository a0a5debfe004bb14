// Package migrations embeds the address service SQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
