package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// poolStub implements postgres.PgxPool for tests. Exec returns the configured
// tag, QueryRow dispatches to rows in order so CAS-then-reread flows can be
// exercised; Begin hands out the configured transaction, Query is unsupported.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	execSQL  []string
	execArgs [][]any
	rows     []rowStub
	rowIdx   int
	begin    func(ctx context.Context) (pgx.Tx, error)
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.rowIdx >= len(p.rows) {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	row := p.rows[p.rowIdx]
	p.rowIdx++
	return row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by poolStub")
}

func (p *poolStub) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.begin != nil {
		return p.begin(ctx)
	}
	return nil, errors.New("begin not supported by poolStub")
}

// txStub implements the pgx.Tx methods the repos use inside a transaction;
// anything else panics through the embedded nil interface.
type txStub struct {
	pgx.Tx
	queryRow func(sql string, args ...any) pgx.Row
}

func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (t *txStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return t.queryRow(sql, args...)
}

func (t *txStub) Commit(context.Context) error   { return nil }
func (t *txStub) Rollback(context.Context) error { return nil }
