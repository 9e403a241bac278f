// Package postgres wraps database/sql over lib/pq with the
// transaction-in-context convention this codebase's repositories and
// advisory-lock helpers share.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/logger"
)

type ctxKey string

const txCtxKey ctxKey = "postgres_tx"

// Client wraps a *sql.DB with transaction-in-context helpers.
type Client struct {
	db  *sql.DB
	log *logger.Logger
}

// NewClient opens a connection pool from configuration.
func NewClient(cfg *config.Configuration, log *logger.Logger) (*Client, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.User, cfg.Postgres.Password,
		cfg.Postgres.Database, cfg.Postgres.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("connected to postgres successfully")
	return &Client{db: db, log: log}, nil
}

func (c *Client) DB() *sql.DB { return c.db }

func (c *Client) Close() error { return c.db.Close() }

// WithTx runs fn inside a transaction, committing on success and
// rolling back on error or panic. The transaction is available to fn
// and any function it calls via TxFromContext.
func (c *Client) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
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
		err = tx.Commit()
	}()

	txCtx := context.WithValue(ctx, txCtxKey, tx)
	err = fn(txCtx)
	return err
}

// TxFromContext returns the transaction started by WithTx, or nil if
// none is active.
func (c *Client) TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txCtxKey).(*sql.Tx)
	return tx
}

// Exec runs a statement against the active transaction if present,
// otherwise directly against the pool.
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if tx := c.TxFromContext(ctx); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return c.db.ExecContext(ctx, query, args...)
}

// Query runs a query against the active transaction if present,
// otherwise directly against the pool.
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if tx := c.TxFromContext(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query the same way.
func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if tx := c.TxFromContext(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return c.db.QueryRowContext(ctx, query, args...)
}
