// Package postgres adapts internal/engine's shared SQLConn machinery to
// PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

// Provider dials PostgreSQL connections.
type Provider struct{}

func New() Provider { return Provider{} }

func (Provider) Tag() engine.Tag { return engine.Postgres }

func (Provider) Connect(ctx context.Context, endpoint engine.Endpoint) (engine.Conn, error) {
	connector, err := pq.NewConnector(dsn(endpoint))
	if err != nil {
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.Postgres), fmt.Errorf("%w: %v", dberrors.ErrBadEndpoint, err))
	}

	db := sql.OpenDB(connector)
	// One physical connection per Conn, per spec's one-Worker-one-Connection
	// binding (§4.D): pooling beyond 1 would let the prepared-statement
	// cache and an in-flight transaction drift onto a different backend
	// connection underneath the Worker.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.Postgres), fmt.Errorf("%w: %v", dberrors.ErrConnectFailed, err))
	}

	// Installed once here, per the timeout discipline in §4.A: no operation
	// re-sets it per call.
	if endpoint.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET statement_timeout = %d", endpoint.StatementTimeout.Milliseconds())
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, dberrors.NewConnError(endpoint.Database, string(engine.Postgres), fmt.Errorf("%w: set statement_timeout: %v", dberrors.ErrConnectFailed, err))
		}
	}

	hooks := engine.Hooks{
		TxOptions: txOptions,
		Deallocate: func(name string) (string, bool) {
			return fmt.Sprintf("DEALLOCATE %s", pq.QuoteIdentifier(name)), true
		},
		// SQLSTATE class 08 is "connection exception"; class 40 covers
		// serialization_failure (40001) and deadlock_detected (40P01).
		ConnLost: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code.Class() == "08"
		},
		Conflict: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code.Class() == "40"
		},
	}
	return engine.NewSQLConn(engine.Postgres, db, hooks, engine.DefaultPreparedStatementCapacity), nil
}

func dsn(e engine.Endpoint) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=require",
		e.Host, e.Port, e.Database, e.Username, e.Password)
}

// txOptions keeps read-committed on a plain BEGIN (Postgres's
// connection-level default) and only asks lib/pq to add the isolation
// clause when serializable is actually requested.
func txOptions(isolation engine.Isolation) *sql.TxOptions {
	if isolation == engine.Serializable {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}
