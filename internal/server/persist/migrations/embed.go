// Package migrations embeds the goose migration files for the durable
// store schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
