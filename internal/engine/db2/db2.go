// Package db2 adapts internal/engine's shared SQLConn machinery to IBM
// DB2 via github.com/ibmdb/go_ibm_db, which (like the other three engines)
// registers itself under database/sql, so no engine-specific connection
// pooling or row-scanning code is needed here beyond DSN construction and
// DB2's BEGIN/DEALLOCATE syntax.
package db2

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ibmdb/go_ibm_db"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

// Provider dials DB2 connections.
type Provider struct{}

func New() Provider { return Provider{} }

func (Provider) Tag() engine.Tag { return engine.DB2 }

func (Provider) Connect(ctx context.Context, endpoint engine.Endpoint) (engine.Conn, error) {
	db, err := sql.Open("go_ibm_db", dsn(endpoint))
	if err != nil {
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.DB2), fmt.Errorf("%w: %v", dberrors.ErrBadEndpoint, err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.DB2), fmt.Errorf("%w: %v", dberrors.ErrConnectFailed, err))
	}

	hooks := engine.Hooks{
		// go_ibm_db drives transactions through the CLI autocommit toggle
		// and keeps the connection's default isolation (cursor stability);
		// it does not accept per-transaction isolation options, so no
		// TxOptions hook. Prepares are client-side through the CLI
		// binding; there is no server-side DEALLOCATE statement to issue.
		Deallocate: func(name string) (string, bool) {
			return "", false
		},
	}
	return engine.NewSQLConn(engine.DB2, db, hooks, engine.DefaultPreparedStatementCapacity), nil
}

func dsn(e engine.Endpoint) string {
	base := fmt.Sprintf("HOSTNAME=%s;PORT=%d;DATABASE=%s;UID=%s;PWD=%s;PROTOCOL=TCPIP",
		e.Host, e.Port, e.Database, e.Username, e.Password)
	if e.StatementTimeout > 0 {
		// CLI QUERYTIMEOUTINTERVAL is seconds-granularity; it is the closest
		// DSN-level analogue to the other engines' per-connection statement
		// timeout and, like them, is set once at connect.
		base += fmt.Sprintf(";QUERYTIMEOUTINTERVAL=%d", int(e.StatementTimeout.Seconds()))
	}
	return base
}
