// Package migrations embeds the Factory Guard schema so the binary can
// migrate a fresh database without SQL files on disk.
package migrations

import "embed"

// FS holds every *.up.sql file in this directory.
//
//go:embed *.up.sql
var FS embed.FS
