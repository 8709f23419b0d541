package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result. pgx.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs statements, either directly on a session or inside a
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// Session is one open connection target.
type Session interface {
	Querier
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
	Close()
}

// Connector opens a session to target.
type Connector func(ctx context.Context, target config.DBTarget) (Session, error)

// ErrNoRows is returned by Row.Scan when a query matched nothing.
var ErrNoRows = pgx.ErrNoRows

// DSN renders target as a libpq keyword/value connection string.
func DSN(t config.DBTarget) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+quoteDSN(v))
		}
	}
	add("host", t.Host)
	if t.Port > 0 {
		add("port", strconv.Itoa(t.Port))
	}
	add("user", t.User)
	add("password", t.Pass)
	add("dbname", t.DBName)
	if o := strings.TrimSpace(t.Options); o != "" {
		parts = append(parts, o)
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Connect opens a pgx pool for target and verifies it with a ping.
func Connect(ctx context.Context, target config.DBTarget) (Session, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(target))
	if err != nil {
		return nil, fmt.Errorf("parsing connection string for %s: %w", target.Host, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target.Host, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s: %w", target.Host, err)
	}
	return &pgxSession{pool: pool}, nil
}

type pgxSession struct {
	pool *pgxpool.Pool
}

func (s *pgxSession) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	return tag.RowsAffected(), err
}

func (s *pgxSession) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return s.pool.Query(ctx, sql, args...)
}

func (s *pgxSession) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *pgxSession) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(txQuerier{tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *pgxSession) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgxSession) Close() {
	s.pool.Close()
}

type txQuerier struct {
	tx pgx.Tx
}

func (q txQuerier) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := q.tx.Exec(ctx, sql, args...)
	return tag.RowsAffected(), err
}

func (q txQuerier) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return q.tx.Query(ctx, sql, args...)
}

func (q txQuerier) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return q.tx.QueryRow(ctx, sql, args...)
}
