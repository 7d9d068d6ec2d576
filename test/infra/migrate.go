package infra

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow"
	"escrowflow/db"
)

// ApplyMigrations runs the embedded migrations against dsn and returns a pool
// bound to the migrated schema. When isolate is true the run gets its own
// schema, selected through search_path, which the returned teardown drops.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		scoped, err := withSearchPath(dsn, schema)
		if err != nil {
			return nil, nil, err
		}
		baseDSN := dsn
		dsn = scoped
		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, baseDSN)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	if err := db.Migrate(dsn, escrowflow.Migrations, "migrations", nil); err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: 64})
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}
	return pool, cleanup, nil
}

// withSearchPath adds search_path to a URL-style DSN. Both pgx and the
// migration driver forward unknown parameters as session settings.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("isolated runs need a URL-style DSN: %q", dsn)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
