// Package sqlite adapts internal/engine's shared SQLConn machinery to
// SQLite via modernc.org/sqlite, in WAL mode with a single writer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

// Provider opens SQLite database files.
type Provider struct{}

func New() Provider { return Provider{} }

func (Provider) Tag() engine.Tag { return engine.SQLite }

func (Provider) Connect(ctx context.Context, endpoint engine.Endpoint) (engine.Conn, error) {
	if endpoint.Path == "" {
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.SQLite), dberrors.ErrBadEndpoint)
	}

	db, err := sql.Open("sqlite", endpoint.Path)
	if err != nil {
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.SQLite), fmt.Errorf("%w: %v", dberrors.ErrConnectFailed, err))
	}

	// A single physical connection, both because the Worker binding
	// (§4.D) requires it and because WAL mode is a single-writer model:
	// a second connection on the same *sql.DB would contend for the same
	// write lock anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.SQLite), fmt.Errorf("%w: set WAL mode: %v", dberrors.ErrConnectFailed, err))
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.SQLite), fmt.Errorf("%w: %v", dberrors.ErrConnectFailed, err))
	}

	// Installed once here, per the timeout discipline in §4.A: busy_timeout
	// is SQLite's closest analogue to a per-connection statement timeout,
	// bounding how long a statement blocks on the single-writer lock.
	if endpoint.StatementTimeout > 0 {
		stmt := fmt.Sprintf("PRAGMA busy_timeout = %d", endpoint.StatementTimeout.Milliseconds())
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, dberrors.NewConnError(endpoint.Database, string(engine.SQLite), fmt.Errorf("%w: set busy_timeout: %v", dberrors.ErrConnectFailed, err))
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.SQLite), fmt.Errorf("%w: %v", dberrors.ErrConnectFailed, err))
	}

	// SQLite transactions are serializable by construction, so both
	// isolation levels map to a plain BEGIN DEFERRED; write-lock
	// acquisition is governed by the busy_timeout pragma above. Prepares
	// are client-side only — there is no server-side DEALLOCATE, closing
	// the *sql.Stmt is enough.
	hooks := engine.Hooks{
		// SQLITE_BUSY/SQLITE_LOCKED mean the statement lost the write-lock
		// race after busy_timeout expired; the transaction is retryable.
		Conflict: func(err error) bool {
			var se *sqlite.Error
			if !errors.As(err, &se) {
				return false
			}
			switch se.Code() & 0xff {
			case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
				return true
			default:
				return false
			}
		},
	}
	return engine.NewSQLConn(engine.SQLite, db, hooks, engine.DefaultPreparedStatementCapacity), nil
}
