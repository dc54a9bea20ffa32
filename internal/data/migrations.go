package data

import (
	"context"
	"database/sql"

	"github.com/target/dwas-scanner/internal/migrate"
)

// RunMigrations executes database migrations to set up the required schema by delegating to the migrate package.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}

// MigrationStatus lists embedded migrations and whether each has been applied.
func MigrationStatus(ctx context.Context, db *sql.DB) ([]migrate.Migration, error) {
	return migrate.Status(ctx, db)
}
