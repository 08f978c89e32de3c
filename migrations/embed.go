// Package migrations provides the embedded store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
