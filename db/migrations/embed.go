// Package dbmigrations exposes embedded SQL migrations for Courier binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Courier binaries.
//
//go:embed *.sql
var Files embed.FS
