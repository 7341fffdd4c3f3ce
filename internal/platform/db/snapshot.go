package db

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type contextKey string

const snapshotKey contextKey = "db_snapshot"

// WithConn returns a context carrying q. Repositories prefer it over their pool.
func WithConn(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, snapshotKey, q)
}

// ConnFromContext returns the request-scoped querier, or nil.
func ConnFromContext(ctx context.Context) Querier {
	q, _ := ctx.Value(snapshotKey).(Querier)
	return q
}

// SnapshotMiddleware runs each request inside a read-only repeatable-read
// transaction so every repository call of one request observes the same
// snapshot of the entity tables and the event log. The transaction is
// always rolled back.
func SnapshotMiddleware(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			tx, err := pool.BeginTx(ctx, pgx.TxOptions{
				IsoLevel:   pgx.RepeatableRead,
				AccessMode: pgx.ReadOnly,
			})
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("begin snapshot transaction")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer func() {
				if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && rbErr != pgx.ErrTxClosed {
					zerolog.Ctx(ctx).Warn().Err(rbErr).Msg("rollback snapshot transaction")
				}
			}()

			c.SetRequest(c.Request().WithContext(WithConn(ctx, tx)))
			return next(c)
		}
	}
}

// FanOutLimit returns n, or 1 when ctx carries a request querier: a single
// transaction cannot run statements concurrently.
func FanOutLimit(ctx context.Context, n int) int {
	if ConnFromContext(ctx) != nil || n < 1 {
		return 1
	}
	return n
}
