// Package store executes validated queries against the analytics database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/lib/pq"
)

// ErrNotScalar is returned when a query result is not one column by at most one row.
var ErrNotScalar = errors.New("query did not return a single scalar")

// Config holds the database settings.
type Config struct {
	URL            string        // normalized postgresql:// connection string
	MaxOpenConns   int           // cap on concurrent connections (0 = 10)
	ConnectTimeout time.Duration // how long Open keeps retrying the first ping (0 = 30s)
}

// Postgres runs single-scalar queries, one dedicated connection per call.
type Postgres struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates the handle and pings the server, retrying with exponential backoff
// until ConnectTimeout elapses.
//
// The handle keeps no idle connections: every QueryScalar dials its own
// connection and closes it when done, so nothing is shared between requests.
func Open(ctx context.Context, log *slog.Logger, cfg Config) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(0)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			log.Warn("database not reachable yet, retrying", "attempt", attempt)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, db.PingContext(pingCtx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{db: db, log: log}, nil
}

// DB exposes the underlying handle for schema introspection.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Close closes the handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// QueryScalar executes query in a read-only transaction on a fresh connection and
// returns the single value it produced. No row at all is reported as NULL.
func (p *Postgres) QueryScalar(ctx context.Context, query string) (Scalar, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	// Nothing is ever committed.
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	return scanScalar(rows)
}

type scalarRows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanScalar(rows scalarRows) (Scalar, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(columns) != 1 {
		return nil, fmt.Errorf("%w: %d columns", ErrNotScalar, len(columns))
	}

	if !rows.Next() {
		return nil, rows.Err()
	}
	var value any
	if err := rows.Scan(&value); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if rows.Next() {
		return nil, fmt.Errorf("%w: more than one row", ErrNotScalar)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return value, nil
}
