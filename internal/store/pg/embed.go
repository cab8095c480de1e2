package pg

import "embed"

// Migrations holds the Postgres schema as *.up.sql / *.down.sql pairs.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Seeds holds idempotent reference data.
//
//go:embed seeds/*.sql
var Seeds embed.FS
