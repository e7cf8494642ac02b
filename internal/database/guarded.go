package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/allisson/scheduler/internal/breaker"
	apperrors "github.com/allisson/scheduler/internal/errors"
)

// Breaker names owned by GuardedDB.
const (
	ConnectionBreakerName = "database-connection"
	QueryBreakerName      = "database-query"
)

// GuardedDB is a TxManager whose transactions pass through two circuit breakers: one guarding
// connection acquisition (ping and begin) and one guarding the transaction body and commit.
// Domain errors returned by the body (not found, conflicts, permanent failures) do not count
// against the query breaker.
type GuardedDB struct {
	db         *sql.DB
	connection *breaker.CircuitBreaker
	query      *breaker.CircuitBreaker
}

// NewGuardedDB creates a GuardedDB with breakers built from cfg.
func NewGuardedDB(db *sql.DB, cfg breaker.Config, opts ...breaker.Option) *GuardedDB {
	return &GuardedDB{
		db:         db,
		connection: breaker.New(ConnectionBreakerName, cfg, opts...),
		query:      breaker.New(QueryBreakerName, cfg, opts...),
	}
}

// DB returns the underlying connection pool.
func (g *GuardedDB) DB() *sql.DB {
	return g.db
}

// Breakers returns the connection and query breakers.
func (g *GuardedDB) Breakers() []*breaker.CircuitBreaker {
	return []*breaker.CircuitBreaker{g.connection, g.query}
}

// Ping checks connectivity through the connection breaker.
func (g *GuardedDB) Ping(ctx context.Context) error {
	return g.connection.Execute(ctx, g.db.PingContext)
}

// WithTx runs fn in a transaction. A transaction already present in ctx is joined without
// going through the breakers again.
func (g *GuardedDB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if HasTx(ctx) {
		return fn(ctx)
	}

	var tx *sql.Tx
	err := g.connection.Execute(ctx, func(ctx context.Context) error {
		var err error
		tx, err = g.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, txKey{}, tx)

	var bodyErr error
	committed := false
	err = g.query.Execute(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			bodyErr = err
			if isDomainError(err) {
				return nil
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})

	if bodyErr != nil {
		err = bodyErr
	}
	if !committed {
		return rollback(tx, err)
	}
	return err
}

// isDomainError reports whether err describes the data rather than the database health.
func isDomainError(err error) bool {
	return apperrors.IsPermanent(err) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrConflict) ||
		errors.Is(err, apperrors.ErrCircuitOpen)
}
