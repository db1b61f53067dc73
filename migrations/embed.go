// Package migrations embeds the SQL schema migrations and registers
// them with the database package at init time.
package migrations

import (
	"embed"

	"github.com/davenr/labfleet-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
