// Package chaos injects connection failures while the stress actors run.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one other backend of the current database on
// roughly one tick in five and counts the kills in terminated. In-flight engine
// transactions on that backend roll back; pgxpool replaces the connection.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, terminated *atomic.Int64, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var killed bool
			err := pool.QueryRow(ctx, `
				SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false)
				FROM (
					SELECT pid FROM pg_stat_activity
					WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
					ORDER BY random() LIMIT 1
				) victims
			`).Scan(&killed)
			if err == nil && killed && terminated != nil {
				terminated.Add(1)
			}
		}
	}
}
