// Package migrations holds the Treeherder Postgres schema. storage.DB
// applies the files in name order at startup unless TH_SKIP_MIGRATIONS is set.
package migrations

import "embed"

// FS holds every NNN_name.sql file of this directory.
//
//go:embed *.sql
var FS embed.FS
