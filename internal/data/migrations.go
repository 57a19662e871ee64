package data

import (
	"context"
	"database/sql"

	"github.com/latticeworks/dispatchq/internal/migrate"
)

// RunMigrations applies the embedded schema migrations. Safe to call on
// every startup.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}
