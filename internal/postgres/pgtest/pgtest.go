// Package pgtest holds pgx test doubles for service tests that swap the
// real store for a fake through a NewStore factory.
package pgtest

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx implements pgx.Tx with only Commit and Rollback. The other methods
// panic so accidental SQL in a unit test is caught.
type Tx struct {
	CommitErr error

	mu        sync.Mutex
	commits   int
	rollbacks int
	committed bool
}

func (t *Tx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits++
	if t.CommitErr != nil {
		return t.CommitErr
	}
	t.committed = true
	return nil
}

// Rollback after a successful commit is a no-op, as in pgx.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.committed {
		t.rollbacks++
	}
	return nil
}

func (t *Tx) Commits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

func (t *Tx) Rollbacks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbacks
}

func (t *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (t *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (t *Tx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (t *Tx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (t *Tx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
func (t *Tx) Conn() *pgx.Conn { panic("not implemented") }

// Pool hands out a fresh Tx per Begin and remembers them.
type Pool struct {
	BeginErr  error
	CommitErr error

	mu  sync.Mutex
	txs []*Tx
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tx := &Tx{CommitErr: p.CommitErr}
	p.txs = append(p.txs, tx)
	return tx, nil
}

// Txs returns the transactions started so far.
func (p *Pool) Txs() []*Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Tx(nil), p.txs...)
}

func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
