package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
)

// isQueryStatement reports whether sql is shaped like something that
// returns rows, so Execute can route it to QueryContext instead of
// ExecContext without a speculative round trip.
func isQueryStatement(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	return strings.HasPrefix(upper, "SELECT") ||
		strings.HasPrefix(upper, "WITH") ||
		strings.HasPrefix(upper, "SHOW") ||
		strings.HasPrefix(upper, "EXPLAIN")
}

// Hooks captures the handful of places where engines genuinely differ once
// you are speaking through database/sql: transaction-isolation mapping,
// the DEALLOCATE-on-eviction syntax, and error classification. Everything
// else (connect pooling, prepare, execute, commit/rollback bookkeeping) is
// identical across engines and lives in SQLConn.
type Hooks struct {
	// TxOptions maps the requested isolation onto database/sql
	// transaction options, letting the driver issue the engine's own
	// isolation syntax at the right point in the wire protocol (lib/pq
	// appends it to BEGIN; go-sql-driver/mysql issues SET TRANSACTION
	// before START TRANSACTION). A nil return — or a nil hook — means a
	// plain begin at the connection's default isolation.
	TxOptions func(Isolation) *sql.TxOptions

	// Deallocate returns the SQL that releases a single named prepared
	// statement, or ("", false) if the engine has no server-side name to
	// release (e.g. drivers that prepare client-side only).
	Deallocate func(name string) (string, bool)

	// Ping performs an engine-native liveness probe beyond *sql.DB's
	// generic PingContext, when one is available. May be nil.
	Ping func(ctx context.Context, db *sql.DB) error

	// ConnLost reports whether err is an engine-specific signal that the
	// backend session is gone (e.g. a PostgreSQL class-08 SQLSTATE),
	// beyond the driver-agnostic checks connLost already performs. May be
	// nil.
	ConnLost func(err error) bool

	// Conflict reports whether err is an engine-specific serialization or
	// deadlock failure (e.g. SQLSTATE 40001, MySQL error 1213). May be
	// nil; there is no reliable driver-agnostic fallback.
	Conflict func(err error) bool
}

// connLost reports whether err means the backend session itself is gone,
// as opposed to the statement merely failing on a live session. The
// driver-agnostic signals cover database/sql's own sentinels plus the
// transport-level failures every wire protocol surfaces the same way;
// engine-specific SQLSTATEs come in through the ConnLost hook.
func (c *SQLConn) connLost(err error) bool {
	if c.hooks.ConnLost != nil && c.hooks.ConnLost(err) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *SQLConn) conflict(err error) bool {
	return c.hooks.Conflict != nil && c.hooks.Conflict(err)
}

// classify maps a raw driver error onto the closed connection/execution
// error sums: ConnLost when the session is gone, Conflict when the engine
// reports a serialization failure, otherwise the caller's fallback kind
// (PrepareFailed, ExecFailed, ...).
func (c *SQLConn) classify(err error, fallback error) error {
	switch {
	case c.connLost(err):
		return dberrors.NewConnError(string(c.tag), string(c.tag), fmt.Errorf("%w: %v", dberrors.ErrConnLost, err))
	case c.conflict(err):
		return dberrors.NewExecError(0, dberrors.ErrConflict, err)
	default:
		return dberrors.NewExecError(0, fallback, err)
	}
}

// SQLConn is a Conn built on top of database/sql, shared by every provider
// that speaks through a registered database/sql driver (postgres, mysql,
// sqlite, db2/ODBC). A SQLConn owns exactly one pooled connection
// (SetMaxOpenConns(1)) so that session state — the prepared statement
// cache and any in-flight transaction — is never silently handed to a
// different physical backend connection by the pool.
type SQLConn struct {
	tag   Tag
	db    *sql.DB
	hooks Hooks
	cache *PreparedCache
	stmts map[string]preparedHandle

	tx      *sql.Tx
	txState TxState
	seq     int64
}

type preparedHandle struct {
	stmt    *sql.Stmt
	isQuery bool
}

// NewSQLConn wraps db (already dialed and pinged) as a Conn for tag. db
// must already be configured with SetMaxOpenConns(1).
func NewSQLConn(tag Tag, db *sql.DB, hooks Hooks, cacheCapacity int) *SQLConn {
	c := &SQLConn{tag: tag, db: db, hooks: hooks, stmts: make(map[string]preparedHandle)}
	c.cache = NewPreparedCache(cacheCapacity, c.deallocateByName)
	return c
}

func (c *SQLConn) Tag() Tag { return c.tag }

func (c *SQLConn) TxState() TxState { return c.txState }

func (c *SQLConn) Healthy(ctx context.Context) error {
	if c.hooks.Ping != nil {
		return c.hooks.Ping(ctx, c.db)
	}
	if err := c.db.PingContext(ctx); err != nil {
		return dberrors.NewConnError(string(c.tag), string(c.tag), fmt.Errorf("%w: %v", dberrors.ErrConnLost, err))
	}
	return nil
}

func (c *SQLConn) Begin(ctx context.Context, isolation Isolation) error {
	if c.tx != nil {
		return dberrors.NewConnError(string(c.tag), string(c.tag), dberrors.ErrTxInProgress)
	}
	var opts *sql.TxOptions
	if c.hooks.TxOptions != nil {
		opts = c.hooks.TxOptions(isolation)
	}
	tx, err := c.db.BeginTx(ctx, opts)
	if err != nil {
		return c.classify(err, dberrors.ErrExecFailed)
	}
	c.tx = tx
	c.txState = TxState{ID: newTxID(), Isolation: isolation, Depth: 1}
	return nil
}

func (c *SQLConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return dberrors.NewConnError(string(c.tag), string(c.tag), dberrors.ErrNoTx)
	}
	err := c.tx.Commit()
	c.tx = nil
	c.txState = TxState{}
	if err != nil {
		// A commit that fails on a live session is a conflict unless the
		// engine says otherwise; a dead session is ConnLost.
		if c.connLost(err) {
			return dberrors.NewConnError(string(c.tag), string(c.tag), fmt.Errorf("%w: %v", dberrors.ErrConnLost, err))
		}
		return dberrors.NewExecError(0, dberrors.ErrConflict, err)
	}
	return nil
}

// Rollback never returns Conflict; it always finalizes the transaction
// state even when the underlying rollback itself errors.
func (c *SQLConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return dberrors.NewConnError(string(c.tag), string(c.tag), dberrors.ErrNoTx)
	}
	err := c.tx.Rollback()
	c.tx = nil
	c.txState = TxState{}
	if err != nil {
		return dberrors.NewConnError(string(c.tag), string(c.tag), fmt.Errorf("%w: %v", dberrors.ErrConnLost, err))
	}
	return nil
}

func (c *SQLConn) querier() interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
} {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *SQLConn) Prepare(ctx context.Context, fingerprint, sql string, arity int) (PreparedRef, error) {
	if ref, cachedSQL, ok := c.cache.Lookup(fingerprint); ok && cachedSQL == sql {
		c.cache.Touch(fingerprint)
		return ref, nil
	}
	stmt, err := c.querier().PrepareContext(ctx, sql)
	if err != nil {
		return PreparedRef{}, c.classify(err, dberrors.ErrPrepareFailed)
	}
	name := fmt.Sprintf("hy_stmt_%d", atomic.AddInt64(&c.seq, 1))
	c.stmts[name] = preparedHandle{stmt: stmt, isQuery: isQueryStatement(sql)}
	c.cache.Insert(fingerprint, name, sql, arity)
	return PreparedRef{Name: name, Arity: arity}, nil
}

func (c *SQLConn) Execute(ctx context.Context, stmt Statement, params []any, deadline time.Time) (Result, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var (
		res sql.Result
		rws *sql.Rows
		err error
	)

	if stmt.Prepared != nil {
		h, ok := c.stmts[stmt.Prepared.Name]
		if !ok {
			return Result{}, dberrors.NewExecError(0, dberrors.ErrExecFailed, fmt.Errorf("unknown prepared statement %q", stmt.Prepared.Name))
		}
		if h.isQuery {
			rws, err = h.stmt.QueryContext(ctx, params...)
		} else {
			res, err = h.stmt.ExecContext(ctx, params...)
		}
	} else if isQueryStatement(stmt.SQL) {
		rws, err = c.querier().QueryContext(ctx, stmt.SQL, params...)
	} else {
		res, err = c.querier().ExecContext(ctx, stmt.SQL, params...)
	}

	if err != nil {
		if ctx.Err() != nil {
			return Result{}, dberrors.NewExecError(0, dberrors.ErrTimeout, ctx.Err())
		}
		return Result{}, c.classify(err, dberrors.ErrExecFailed)
	}
	if rws != nil {
		return Result{Rows: &sqlRowsAdapter{rws}}, nil
	}
	affected, _ := res.RowsAffected()
	return Result{RowsAffected: affected}, nil
}

func (c *SQLConn) DeallocateAll(ctx context.Context) error {
	names := c.cache.Clear()
	for _, name := range names {
		c.deallocateByName(name)
	}
	return nil
}

// deallocateByName is the PreparedCache eviction hook: it closes the
// client-side *sql.Stmt and, when the engine exposes a server-side
// DEALLOCATE, issues it too.
func (c *SQLConn) deallocateByName(name string) {
	if h, ok := c.stmts[name]; ok {
		_ = h.stmt.Close()
		delete(c.stmts, name)
	}
	if c.hooks.Deallocate != nil {
		if sqlText, ok := c.hooks.Deallocate(name); ok {
			_, _ = c.db.Exec(sqlText)
		}
	}
}

func (c *SQLConn) Disconnect(ctx context.Context) error {
	if c.tx != nil {
		_ = c.Rollback(ctx)
	}
	_ = c.DeallocateAll(ctx)
	return c.db.Close()
}

func newTxID() string {
	return fmt.Sprintf("tx_%d", time.Now().UnixNano())
}

// sqlRowsAdapter satisfies RowReader over *sql.Rows.
type sqlRowsAdapter struct{ r *sql.Rows }

func (a *sqlRowsAdapter) Next() bool                   { return a.r.Next() }
func (a *sqlRowsAdapter) Scan(dest ...any) error        { return a.r.Scan(dest...) }
func (a *sqlRowsAdapter) Columns() ([]string, error)    { return a.r.Columns() }
func (a *sqlRowsAdapter) Close() error                  { return a.r.Close() }
func (a *sqlRowsAdapter) Err() error                    { return a.r.Err() }
