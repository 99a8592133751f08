package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-pickup-orders/internal/orders"
)

var t0 = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	q.now = func() time.Time { return t0 }
	return q, path
}

func cashDraft() Draft {
	return Draft{
		Items:               []orders.ItemInput{{ProductID: "A", Qty: 2}, {ProductID: "B", Qty: 1}},
		TotalCents:          1450,
		PaymentMethod:       orders.PaymentCash,
		AmountReceivedCents: 2000,
	}
}

func TestEnqueue_persistsPending(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	r, err := q.Enqueue(ctx, cashDraft())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if r.Status != StatusPending || r.IdempotencyKey == "" || r.IdempotencyKey == r.LocalID {
		t.Errorf("record = %+v", r)
	}

	got, err := q.Get(ctx, r.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IdempotencyKey != r.IdempotencyKey || len(got.Items) != 2 || got.AmountReceivedCents != 2000 {
		t.Errorf("stored = %+v", got)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(t0) {
		t.Errorf("next attempt = %v, want %v", got.NextAttemptAt, t0)
	}
}

func TestEnqueue_rejectsBadDraft(t *testing.T) {
	q, _ := openTestQueue(t)
	if _, err := q.Enqueue(context.Background(), Draft{PaymentMethod: orders.PaymentCash}); err == nil {
		t.Error("empty draft accepted")
	}
	d := cashDraft()
	d.PaymentMethod = "iou"
	if _, err := q.Enqueue(context.Background(), d); err == nil {
		t.Error("bad payment method accepted")
	}
}

func TestLifecycle_retryThenSynced(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	r, _ := q.Enqueue(ctx, cashDraft())

	r, err := q.MarkSyncing(ctx, r.LocalID, t0)
	if err != nil {
		t.Fatalf("syncing: %v", err)
	}
	if r.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", r.AttemptCount)
	}

	next := t0.Add(2 * time.Second)
	if _, err := q.MarkRetry(ctx, r.LocalID, errors.New("timeout"), next); err != nil {
		t.Fatalf("retry: %v", err)
	}
	due, _ := q.NextRetryable(ctx, t0.Add(time.Second))
	if len(due) != 0 {
		t.Errorf("due before backoff = %d, want 0", len(due))
	}
	due, _ = q.NextRetryable(ctx, next)
	if len(due) != 1 || due[0].LastError != "timeout" {
		t.Fatalf("due after backoff = %+v", due)
	}

	if _, err := q.MarkSyncing(ctx, r.LocalID, next); err != nil {
		t.Fatalf("syncing again: %v", err)
	}
	r, err = q.MarkSynced(ctx, r.LocalID, "srv-1")
	if err != nil {
		t.Fatalf("synced: %v", err)
	}
	if r.ServerID != "srv-1" || r.AttemptCount != 2 || r.LastError != "" {
		t.Errorf("synced record = %+v", r)
	}
	if _, err := q.MarkSyncing(ctx, r.LocalID, next); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("syncing a synced record: err = %v", err)
	}
}

func TestFailedIsNotRetriedUntilOperatorActs(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	r, _ := q.Enqueue(ctx, cashDraft())
	key := r.IdempotencyKey

	q.MarkSyncing(ctx, r.LocalID, t0)
	if _, err := q.MarkFailed(ctx, r.LocalID, "", errors.New("insufficient stock")); err != nil {
		t.Fatalf("failed: %v", err)
	}
	due, _ := q.NextRetryable(ctx, t0.Add(24*time.Hour))
	if len(due) != 0 {
		t.Fatalf("failed record is due: %+v", due)
	}

	later := t0.Add(time.Hour)
	r, err := q.Retry(ctx, r.LocalID, later)
	if err != nil {
		t.Fatalf("operator retry: %v", err)
	}
	if r.AttemptCount != 0 || r.Status != StatusFailed || r.IdempotencyKey != key {
		t.Errorf("after retry = %+v", r)
	}
	due, _ = q.NextRetryable(ctx, later)
	if len(due) != 1 {
		t.Fatalf("due after operator retry = %d, want 1", len(due))
	}
	if _, err := q.MarkSyncing(ctx, r.LocalID, later); err != nil {
		t.Fatalf("failed -> syncing: %v", err)
	}
}

func TestVoid(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	r, _ := q.Enqueue(ctx, cashDraft())

	if _, err := q.Void(ctx, r.LocalID, "customer left"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("void pending: err = %v", err)
	}
	q.MarkSyncing(ctx, r.LocalID, t0)
	q.MarkFailed(ctx, r.LocalID, "", errors.New("rejected"))
	r, err := q.Void(ctx, r.LocalID, "customer left")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if r.Status != StatusVoided {
		t.Errorf("status = %s", r.Status)
	}
	if _, err := q.Retry(ctx, r.LocalID, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("retry voided: err = %v", err)
	}
	all, _ := q.List(ctx)
	if len(all) != 1 {
		t.Errorf("records = %d, voided record must be kept", len(all))
	}
}

func TestOpen_recoversSyncing(t *testing.T) {
	q, path := openTestQueue(t)
	ctx := context.Background()
	r, _ := q.Enqueue(ctx, cashDraft())
	if _, err := q.MarkSyncing(ctx, r.LocalID, t0); err != nil {
		t.Fatal(err)
	}
	q.Close()

	q2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	got, err := q2.Get(ctx, r.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.IdempotencyKey != r.IdempotencyKey || got.AttemptCount != 1 {
		t.Errorf("recovered = %+v", got)
	}
	due, _ := q2.NextRetryable(ctx, t0)
	if len(due) != 1 {
		t.Errorf("recovered record not due")
	}
}

func TestMarkSyncing_sameRecordOnce(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	r, _ := q.Enqueue(ctx, cashDraft())

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.MarkSyncing(ctx, r.LocalID, t0); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("successful claims = %d, want 1", ok)
	}
}

func TestList_filtersAndOrders(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		q.now = func() time.Time { return t0.Add(time.Duration(i) * time.Second) }
		r, err := q.Enqueue(ctx, cashDraft())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.LocalID)
	}
	q.MarkSyncing(ctx, ids[1], t0)

	pending, _ := q.List(ctx, StatusPending)
	if len(pending) != 2 || pending[0].LocalID != ids[0] || pending[1].LocalID != ids[2] {
		t.Errorf("pending = %+v", pending)
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSyncing, true},
		{StatusSyncing, StatusPending, true},
		{StatusSyncing, StatusFailed, true},
		{StatusFailed, StatusSyncing, true},
		{StatusFailed, StatusVoided, true},
		{StatusPending, StatusSynced, false},
		{StatusSynced, StatusPending, false},
		{StatusVoided, StatusSyncing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func lockCount(q *Queue) int {
	n := 0
	q.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestFinalRecordsReleaseTheirLock(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	synced, _ := q.Enqueue(ctx, cashDraft())
	voided, _ := q.Enqueue(ctx, cashDraft())

	q.MarkSyncing(ctx, synced.LocalID, t0)
	q.MarkSyncing(ctx, voided.LocalID, t0)
	if n := lockCount(q); n != 2 {
		t.Fatalf("locks while syncing = %d, want 2", n)
	}

	if _, err := q.MarkSynced(ctx, synced.LocalID, "srv-1"); err != nil {
		t.Fatalf("synced: %v", err)
	}
	if _, err := q.MarkFailed(ctx, voided.LocalID, "", errors.New("rejected")); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if n := lockCount(q); n != 1 {
		t.Fatalf("locks after sync = %d, want 1", n)
	}
	if _, err := q.Void(ctx, voided.LocalID, "customer left"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if _, err := q.Retry(ctx, voided.LocalID, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("retry voided: err = %v", err)
	}
	if _, err := q.MarkSyncing(ctx, synced.LocalID, t0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("syncing a synced record: err = %v", err)
	}
	if n := lockCount(q); n != 0 {
		t.Errorf("locks left = %d, want 0", n)
	}
}

func TestMarkFailed_keepsServerID(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()
	r, _ := q.Enqueue(ctx, cashDraft())

	q.MarkSyncing(ctx, r.LocalID, t0)
	if _, err := q.MarkFailed(ctx, r.LocalID, "srv-9", errors.New("payment rejected")); err != nil {
		t.Fatalf("failed: %v", err)
	}
	got, _ := q.Get(ctx, r.LocalID)
	if got.ServerID != "srv-9" || got.LastError != "payment rejected" {
		t.Errorf("stored = %+v", got)
	}

	q.Retry(ctx, r.LocalID, t0)
	q.MarkSyncing(ctx, r.LocalID, t0)
	q.MarkFailed(ctx, r.LocalID, "", errors.New("timeout"))
	got, _ = q.Get(ctx, r.LocalID)
	if got.ServerID != "srv-9" {
		t.Errorf("server id = %q, lost on a later failure", got.ServerID)
	}
}
