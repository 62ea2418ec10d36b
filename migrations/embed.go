// Package migrations ships the schema as numbered SQL files embedded in the
// binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
