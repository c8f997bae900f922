package migrations

import "embed"

// FS contains the embedded PostgreSQL migrations for the CRM schema.
//
//go:embed *.sql
var FS embed.FS
