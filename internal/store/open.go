package store

import (
	"context"
	"strings"
)

// Open selects a Store implementation from dsn: a "postgres://" or
// "postgresql://" DSN opens Postgres; anything else is treated as a
// filesystem path and opens the embedded SQLite backend (spec.md §6,
// CLI flag --db).
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(dsn)
}
