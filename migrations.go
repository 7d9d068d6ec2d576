// Package escrowflow carries assets shared by the binaries and tests.
package escrowflow

import "embed"

// Migrations holds the SQL schema applied by db.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS
