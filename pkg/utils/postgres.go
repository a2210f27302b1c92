package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresDriver is the database/sql driver name OpenPostgres uses.
const PostgresDriver = "pgx"

// PostgresPool sizes the session store and audit pool. Zero fields take
// the defaults below; the session store does one short write per event,
// so idle connections are capped well below the open limit.
type PostgresPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func (p PostgresPool) withDefaults() PostgresPool {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = 20
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = p.MaxOpenConns / 2
		if p.MaxIdleConns == 0 {
			p.MaxIdleConns = 1
		}
	}
	if p.MaxIdleConns > p.MaxOpenConns {
		p.MaxIdleConns = p.MaxOpenConns
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = 30 * time.Minute
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = 5 * time.Minute
	}
	if p.PingTimeout <= 0 {
		p.PingTimeout = 5 * time.Second
	}
	return p
}

// OpenPostgres opens and pings a pgx-backed pool. The dsn carries the
// password; it never appears in returned errors.
func OpenPostgres(ctx context.Context, dsn string, pool PostgresPool) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	pool = pool.withDefaults()

	db, err := sql.Open(PostgresDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := HealthCheck(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// HealthCheck pings db, bounded by timeout. /healthz reports its error.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx runs fn in a transaction, rolling back when fn errors or panics.
// Errors from fn come back unwrapped so callers keep their own prefix.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("postgres: commit: %w", cerr)
		}
	}()

	return fn(ctx, tx)
}
