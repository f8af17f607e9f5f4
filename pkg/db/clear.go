package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearEndpoints removes every announced endpoint, or only those of service
// when it is not empty. The schema is preserved.
func ClearEndpoints(ctx context.Context, pool *pgxpool.Pool, service string) (int64, error) {
	if service == "" {
		slog.Info(fmt.Sprintf("%s - Clearing endpoints table", clearLogPrefix))
		tag, err := pool.Exec(ctx, `DELETE FROM endpoints`)
		if err != nil {
			return 0, fmt.Errorf("%s - delete failed: %w", clearLogPrefix, err)
		}
		return tag.RowsAffected(), nil
	}

	slog.Info(fmt.Sprintf("%s - Clearing endpoints of service %q", clearLogPrefix, service))
	tag, err := pool.Exec(ctx, `DELETE FROM endpoints WHERE service = $1`, service)
	if err != nil {
		return 0, fmt.Errorf("%s - delete failed: %w", clearLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}
