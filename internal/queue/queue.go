// Package queue is the POS device's durable outbox. A sale is written here
// before anything else happens, so a crash or a dead network never loses
// it, and its idempotency key is fixed for the lifetime of the record.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ariefcatur/go-pickup-orders/internal/orders"
)

var (
	ErrNotFound          = errors.New("queued order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Draft is a checkout as captured at the till.
type Draft struct {
	Items               []orders.ItemInput
	TotalCents          int
	PaymentMethod       orders.PaymentMethod
	AmountReceivedCents int
	PaymentRef          string
}

type Record struct {
	LocalID             string               `json:"local_id"`
	IdempotencyKey      string               `json:"idempotency_key"`
	Items               []orders.ItemInput   `json:"items"`
	TotalCents          int                  `json:"total_cents"`
	PaymentMethod       orders.PaymentMethod `json:"payment_method"`
	AmountReceivedCents int                  `json:"amount_received_cents,omitempty"`
	PaymentRef          string               `json:"payment_ref,omitempty"`
	Status              Status               `json:"status"`
	ServerID            string               `json:"server_id,omitempty"`
	AttemptCount        int                  `json:"attempt_count"`
	LastAttemptAt       *time.Time           `json:"last_attempt_at,omitempty"`
	NextAttemptAt       *time.Time           `json:"next_attempt_at,omitempty"`
	LastError           string               `json:"last_error,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS queued_orders (
    local_id              TEXT PRIMARY KEY,
    idempotency_key       TEXT NOT NULL UNIQUE,
    items                 TEXT NOT NULL,
    total_cents           INTEGER NOT NULL,
    payment_method        TEXT NOT NULL,
    amount_received_cents INTEGER NOT NULL DEFAULT 0,
    payment_ref           TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL,
    server_id             TEXT NOT NULL DEFAULT '',
    attempt_count         INTEGER NOT NULL DEFAULT 0,
    last_attempt_at       INTEGER,
    next_attempt_at       INTEGER,
    last_error            TEXT NOT NULL DEFAULT '',
    created_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queued_orders_retry_idx ON queued_orders(status, next_attempt_at);
`

const columns = `local_id, idempotency_key, items, total_cents, payment_method, amount_received_cents,
	payment_ref, status, server_id, attempt_count, last_attempt_at, next_attempt_at, last_error, created_at`

type Queue struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string

	locks sync.Map // local id -> *sync.Mutex
}

// Open opens (or creates) the queue at path. Records a crash left in
// syncing go back to pending; resending them is safe because the key never
// changes.
func Open(ctx context.Context, path string) (*Queue, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE queued_orders SET status=?, next_attempt_at=COALESCE(next_attempt_at, last_attempt_at, created_at) WHERE status=?`,
		StatusPending, StatusSyncing); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover syncing: %w", err)
	}
	return &Queue{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue persists a new pending record and returns it once committed.
func (q *Queue) Enqueue(ctx context.Context, d Draft) (Record, error) {
	if len(d.Items) == 0 {
		return Record{}, errors.New("draft has no items")
	}
	if !d.PaymentMethod.Valid() {
		return Record{}, fmt.Errorf("invalid payment method %q", d.PaymentMethod)
	}
	items, err := json.Marshal(d.Items)
	if err != nil {
		return Record{}, fmt.Errorf("encode items: %w", err)
	}

	now := q.now()
	r := Record{
		LocalID:             q.newID(),
		IdempotencyKey:      q.newID(),
		Items:               d.Items,
		TotalCents:          d.TotalCents,
		PaymentMethod:       d.PaymentMethod,
		AmountReceivedCents: d.AmountReceivedCents,
		PaymentRef:          d.PaymentRef,
		Status:              StatusPending,
		NextAttemptAt:       &now,
		CreatedAt:           now,
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queued_orders(local_id, idempotency_key, items, total_cents, payment_method,
			amount_received_cents, payment_ref, status, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.LocalID, r.IdempotencyKey, string(items), r.TotalCents, string(r.PaymentMethod),
		r.AmountReceivedCents, r.PaymentRef, r.Status, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("insert queued order: %w", err)
	}
	return r, nil
}

func (q *Queue) Get(ctx context.Context, localID string) (Record, error) {
	r, err := scanRecord(q.db.QueryRowContext(ctx, `SELECT `+columns+` FROM queued_orders WHERE local_id=?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// List returns records with any of the given statuses, or all records,
// oldest first.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM queued_orders`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	return q.query(ctx, query+` ORDER BY created_at, rowid`, args...)
}

// NextRetryable returns the records due for a sync attempt at now, oldest
// first. Terminally failed records have no next attempt and are skipped.
func (q *Queue) NextRetryable(ctx context.Context, now time.Time) ([]Record, error) {
	return q.query(ctx, `SELECT `+columns+` FROM queued_orders
		WHERE status IN (?, ?) AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		ORDER BY created_at, rowid`,
		StatusPending, StatusFailed, now.UnixNano())
}

// MarkSyncing claims a record for one attempt and counts it.
func (q *Queue) MarkSyncing(ctx context.Context, localID string, now time.Time) (Record, error) {
	return q.transition(ctx, localID, StatusSyncing, func(r *Record) {
		r.AttemptCount++
		r.LastAttemptAt = &now
		r.NextAttemptAt = nil
	})
}

func (q *Queue) MarkSynced(ctx context.Context, localID, serverID string) (Record, error) {
	return q.transition(ctx, localID, StatusSynced, func(r *Record) {
		r.ServerID = serverID
		r.LastError = ""
		r.NextAttemptAt = nil
	})
}

// MarkRetry records a transient failure and schedules the next attempt.
func (q *Queue) MarkRetry(ctx context.Context, localID string, cause error, next time.Time) (Record, error) {
	return q.transition(ctx, localID, StatusPending, func(r *Record) {
		r.LastError = errString(cause)
		r.NextAttemptAt = &next
	})
}

// MarkFailed parks a record until an operator acts on it. serverID is set
// when the order already exists on the server, e.g. created but its payment
// was rejected.
func (q *Queue) MarkFailed(ctx context.Context, localID, serverID string, cause error) (Record, error) {
	return q.transition(ctx, localID, StatusFailed, func(r *Record) {
		if serverID != "" {
			r.ServerID = serverID
		}
		r.LastError = errString(cause)
		r.NextAttemptAt = nil
	})
}

// Retry schedules a failed record for another round of attempts with a
// fresh attempt budget. The idempotency key is kept.
func (q *Queue) Retry(ctx context.Context, localID string, now time.Time) (Record, error) {
	mu := q.lock(localID)
	mu.Lock()
	var st Status
	defer func() { q.unlock(localID, mu, st) }()

	r, err := q.Get(ctx, localID)
	if err != nil {
		return Record{}, err
	}
	st = r.Status
	if r.Status != StatusFailed {
		return Record{}, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, r.Status)
	}
	r.AttemptCount = 0
	r.NextAttemptAt = &now
	if err := q.save(ctx, r, r.Status); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Void gives up on a failed record. It stays in the queue for audit.
func (q *Queue) Void(ctx context.Context, localID, reason string) (Record, error) {
	return q.transition(ctx, localID, StatusVoided, func(r *Record) {
		if reason != "" {
			r.LastError = "voided: " + reason
		}
		r.NextAttemptAt = nil
	})
}

func (q *Queue) transition(ctx context.Context, localID string, to Status, mutate func(r *Record)) (Record, error) {
	mu := q.lock(localID)
	mu.Lock()
	var st Status
	defer func() { q.unlock(localID, mu, st) }()

	r, err := q.Get(ctx, localID)
	if err != nil {
		return Record{}, err
	}
	st = r.Status
	if !CanTransition(r.Status, to) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	from := r.Status
	r.Status = to
	mutate(&r)
	if err := q.save(ctx, r, from); err != nil {
		return Record{}, err
	}
	st = to
	return r, nil
}

func (q *Queue) save(ctx context.Context, r Record, from Status) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queued_orders
		SET status=?, server_id=?, attempt_count=?, last_attempt_at=?, next_attempt_at=?, last_error=?
		WHERE local_id=? AND status=?`,
		r.Status, r.ServerID, r.AttemptCount, unixNano(r.LastAttemptAt), unixNano(r.NextAttemptAt), r.LastError,
		r.LocalID, from)
	if err != nil {
		return fmt.Errorf("update queued order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, r.LocalID)
	}
	return nil
}

func (q *Queue) lock(localID string) *sync.Mutex {
	mu, _ := q.locks.LoadOrStore(localID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// unlock releases mu and forgets it once the record is final. A caller that
// races in afterwards gets a fresh mutex but finds no transition left.
func (q *Queue) unlock(localID string, mu *sync.Mutex, st Status) {
	if st.Final() {
		q.locks.Delete(localID)
	}
	mu.Unlock()
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var r Record
	var items, method, status string
	var lastAttempt, nextAttempt sql.NullInt64
	var created int64
	err := s.Scan(&r.LocalID, &r.IdempotencyKey, &items, &r.TotalCents, &method, &r.AmountReceivedCents,
		&r.PaymentRef, &status, &r.ServerID, &r.AttemptCount, &lastAttempt, &nextAttempt, &r.LastError, &created)
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(items), &r.Items); err != nil {
		return Record{}, fmt.Errorf("decode items of %s: %w", r.LocalID, err)
	}
	r.PaymentMethod = orders.PaymentMethod(method)
	r.Status = Status(status)
	r.LastAttemptAt = fromNano(lastAttempt)
	r.NextAttemptAt = fromNano(nextAttempt)
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

func unixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNano(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
