// Package migrations embeds the goose SQL migrations for the ClickHouse schema.
package migrations

import "embed"

// FS holds every migration file; goose reads it through SetBaseFS.
//
//go:embed *.sql
var FS embed.FS
