// Package store opens the relational database a dialect names.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"panelquery/internal/sqlq"
)

const pingTimeout = 5 * time.Second

// DB is a connection pool tagged with the dialect queries compile for.
type DB struct {
	*sql.DB
	Dialect sqlq.Dialect

	pool *pgxpool.Pool
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dialect sqlq.Dialect, dsn string) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	var (
		db   *sql.DB
		pool *pgxpool.Pool
		err  error
	)
	switch dialect {
	case sqlq.SQLite:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	case sqlq.Postgres:
		config, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		db = stdlib.OpenDBFromPool(pool)
	case sqlq.MySQL, sqlq.MariaDB:
		config, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		config.ParseTime = true
		connector, err := mysql.NewConnector(config)
		if err != nil {
			return nil, fmt.Errorf("create mysql connector: %w", err)
		}
		db = sql.OpenDB(connector)
	default:
		return nil, fmt.Errorf("open store: unsupported dialect %q", dialect)
	}

	store := &DB{DB: db, Dialect: dialect, pool: pool}
	if err := db.PingContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return store, nil
}

// ensureDir creates the parent directory of a plain SQLite file path.
func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// Close releases the pool.
func (db *DB) Close() error {
	err := db.DB.Close()
	if db.pool != nil {
		db.pool.Close()
	}
	return err
}
