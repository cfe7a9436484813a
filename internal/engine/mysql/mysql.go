// Package mysql adapts internal/engine's shared SQLConn machinery to
// MySQL/MariaDB via go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

// Provider dials MySQL/MariaDB connections.
type Provider struct{}

func New() Provider { return Provider{} }

func (Provider) Tag() engine.Tag { return engine.MySQL }

func (Provider) Connect(ctx context.Context, endpoint engine.Endpoint) (engine.Conn, error) {
	cfg := driver.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port)
	cfg.DBName = endpoint.Database
	cfg.User = endpoint.Username
	cfg.Passwd = endpoint.Password
	cfg.ParseTime = true
	cfg.InterpolateParams = false
	if endpoint.StatementTimeout > 0 {
		cfg.ReadTimeout = endpoint.StatementTimeout
	}

	connector, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.MySQL), fmt.Errorf("%w: %v", dberrors.ErrBadEndpoint, err))
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, dberrors.NewConnError(endpoint.Database, string(engine.MySQL), fmt.Errorf("%w: %v", dberrors.ErrConnectFailed, err))
	}

	hooks := engine.Hooks{
		TxOptions: txOptions,
		Deallocate: func(name string) (string, bool) {
			return fmt.Sprintf("DEALLOCATE PREPARE %s", name), true
		},
		ConnLost: func(err error) bool {
			return errors.Is(err, driver.ErrInvalidConn)
		},
		// 1213 is ER_LOCK_DEADLOCK, 1205 ER_LOCK_WAIT_TIMEOUT; both mean
		// the transaction lost a lock race and is worth one retry.
		Conflict: func(err error) bool {
			var myErr *driver.MySQLError
			return errors.As(err, &myErr) && (myErr.Number == 1213 || myErr.Number == 1205)
		},
	}
	return engine.NewSQLConn(engine.MySQL, db, hooks, engine.DefaultPreparedStatementCapacity), nil
}

// txOptions maps serializable onto driver options; go-sql-driver issues the
// SET TRANSACTION ISOLATION LEVEL statement before START TRANSACTION, which
// is the ordering MySQL requires for it to apply to the upcoming
// transaction rather than an in-flight one.
func txOptions(isolation engine.Isolation) *sql.TxOptions {
	if isolation == engine.Serializable {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}
