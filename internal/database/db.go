package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DBTX is an interface that both *sqlx.DB and *sqlx.Tx satisfy.
// This allows repositories to work with either a direct connection or a transaction.
type DBTX interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	Rebind(query string) string
}

// Ensure *sqlx.DB and *sqlx.Tx implement DBTX
var _ DBTX = (*sqlx.DB)(nil)
var _ DBTX = (*sqlx.Tx)(nil)

type DB struct {
	*sqlx.DB
}

// Connect opens a Postgres database.
func Connect(databaseURL string) (*DB, error) {
	return Open(DriverPostgres, databaseURL)
}

// Open connects with the given driver. For sqlite the DSN is a file path or
// a file: URI; busy timeout and immediate transactions are added to it.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite, "sqlite":
		driver = DriverSQLite
		dsn = SQLiteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		// One writer at a time; other processes on the same file wait on the busy timeout.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	return &DB{db}, nil
}

// SQLiteDSN adds the connection parameters the store relies on to a sqlite
// path, keeping any parameters already present.
func SQLiteDSN(path string) string {
	base, rawQuery, _ := strings.Cut(path, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", "5000")
	}
	if q.Get("_foreign_keys") == "" {
		q.Set("_foreign_keys", "on")
	}
	if !strings.HasPrefix(base, "file:") {
		base = "file:" + base
	}
	return base + "?" + q.Encode()
}

func (db *DB) IsSQLite() bool {
	return db.DriverName() == DriverSQLite
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// TxFunc is a function that runs within a transaction.
type TxFunc func(tx *sqlx.Tx) error

// WithTx executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
// Otherwise, the transaction is committed.
func (db *DB) WithTx(ctx context.Context, fn TxFunc) error {
	return db.WithTxOptions(ctx, nil, fn)
}

// WithSerializableTx runs fn at serializable isolation. sqlite transactions
// are already serializable and take the write lock up front.
func (db *DB) WithSerializableTx(ctx context.Context, fn TxFunc) error {
	if db.IsSQLite() {
		return db.WithTxOptions(ctx, nil, fn)
	}
	return db.WithTxOptions(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

func (db *DB) WithTxOptions(ctx context.Context, opts *sql.TxOptions, fn TxFunc) error {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
