package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-pickup-orders/internal/apperr"
	"github.com/ariefcatur/go-pickup-orders/internal/postgres"
	"github.com/ariefcatur/go-pickup-orders/internal/postgres/pgtest"
)

// fakeStore keeps the counter and entries in memory. ApplyDelta holds the
// mutex for the whole check-and-set, like the row lock in Postgres.
type fakeStore struct {
	mu       sync.Mutex
	products map[string]bool
	onHand   map[string]int
	entries  []Entry
	insertFn func(e Entry) error
}

func newFakeStore(products ...string) *fakeStore {
	fs := &fakeStore{products: map[string]bool{}, onHand: map[string]int{}}
	for _, p := range products {
		fs.products[p] = true
	}
	return fs
}

func (f *fakeStore) ProductExists(ctx context.Context, productID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[productID], nil
}

func (f *fakeStore) ApplyDelta(ctx context.Context, productID string, delta int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.onHand[productID]
	if cur+delta < 0 {
		return cur, false, nil
	}
	f.onHand[productID] = cur + delta
	return cur + delta, true, nil
}

func (f *fakeStore) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	if f.insertFn != nil {
		if err := f.insertFn(e); err != nil {
			return Entry{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeStore) OnHand(ctx context.Context, productID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.products[productID] {
		return 0, ErrUnknownProduct
	}
	return f.onHand[productID], nil
}

func (f *fakeStore) Balances(ctx context.Context, productID string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.products[productID] {
		return 0, 0, ErrUnknownProduct
	}
	sum := 0
	for _, e := range f.entries {
		if e.ProductID == productID {
			sum += e.Delta
		}
	}
	return f.onHand[productID], sum, nil
}

func (f *fakeStore) ListEntries(ctx context.Context, productID string, limit int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].ProductID == productID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func newTestLedger(st *fakeStore) (*Ledger, *pgtest.Pool) {
	pool := &pgtest.Pool{}
	l := New(pool, func(db postgres.DBTX) Store { return st })
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return l, pool
}

func TestAppend_openingBalanceThenSale(t *testing.T) {
	st := newFakeStore("p1")
	l, pool := newTestLedger(st)
	ctx := context.Background()

	e, err := l.Append(ctx, "p1", 10, ReasonOpeningBalance, "")
	if err != nil {
		t.Fatalf("opening balance: %v", err)
	}
	if e.BalanceAfter != 10 {
		t.Errorf("balance after = %d, want 10", e.BalanceAfter)
	}
	if got := pool.Txs()[0].Commits(); got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}

	sale, err := l.AppendTx(ctx, st, Entry{ProductID: "p1", Delta: -3, Reason: ReasonSale, OrderID: "o1"})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if sale.BalanceAfter != 7 {
		t.Errorf("balance after sale = %d, want 7", sale.BalanceAfter)
	}

	stock, err := l.CurrentStock(ctx, "p1")
	if err != nil {
		t.Fatalf("current stock: %v", err)
	}
	if stock != 7 {
		t.Errorf("stock = %d, want 7", stock)
	}
}

func TestAppend_rejectsOversell(t *testing.T) {
	st := newFakeStore("p1")
	st.onHand["p1"] = 2
	l, pool := newTestLedger(st)

	_, err := l.Append(context.Background(), "p1", -3, ReasonCorrection, "")
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindFailedPrecondition {
		t.Errorf("kind = %v, want FAILED_PRECONDITION", kind)
	}
	if len(st.entries) != 0 {
		t.Errorf("entries written on rejection: %d", len(st.entries))
	}
	if st.onHand["p1"] != 2 {
		t.Errorf("counter moved on rejection: %d", st.onHand["p1"])
	}
	if got := pool.Txs()[0].Commits(); got != 0 {
		t.Errorf("rejected append committed %d times", got)
	}
}

func TestAppend_validation(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"unknown reason", Entry{ProductID: "p1", Delta: 1, Reason: "gift"}, ErrInvalidReason},
		{"zero delta", Entry{ProductID: "p1", Delta: 0, Reason: ReasonCorrection}, ErrZeroDelta},
		{"positive sale", Entry{ProductID: "p1", Delta: 1, Reason: ReasonSale, OrderID: "o1"}, ErrSignMismatch},
		{"sale without order", Entry{ProductID: "p1", Delta: -1, Reason: ReasonSale}, ErrSaleWithoutOrder},
		{"negative refund", Entry{ProductID: "p1", Delta: -1, Reason: ReasonRefund}, ErrSignMismatch},
		{"negative opening", Entry{ProductID: "p1", Delta: -5, Reason: ReasonOpeningBalance}, ErrSignMismatch},
		{"adjust without note", Entry{ProductID: "p1", Delta: 2, Reason: ReasonManualAdjust}, ErrNoteRequired},
		{"unknown product", Entry{ProductID: "nope", Delta: 2, Reason: ReasonRefund}, ErrUnknownProduct},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore("p1")
			st.onHand["p1"] = 10
			l, _ := newTestLedger(st)
			_, err := l.AppendTx(context.Background(), st, tt.entry)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if !apperr.IsRejection(err) {
				t.Errorf("%v is not classified as a rejection", err)
			}
		})
	}
}

func TestAppend_manualAdjustWithNote(t *testing.T) {
	st := newFakeStore("p1")
	st.onHand["p1"] = 4
	l, _ := newTestLedger(st)

	e, err := l.Append(context.Background(), "p1", -1, ReasonManualAdjust, "dropped on floor")
	if err != nil {
		t.Fatalf("manual adjust: %v", err)
	}
	if e.Note != "dropped on floor" || e.BalanceAfter != 3 {
		t.Errorf("entry = %+v", e)
	}
}

func TestAppend_insertFailureIsNotCommitted(t *testing.T) {
	st := newFakeStore("p1")
	st.insertFn = func(Entry) error { return errors.New("disk full") }
	l, pool := newTestLedger(st)

	if _, err := l.Append(context.Background(), "p1", 5, ReasonOpeningBalance, ""); err == nil {
		t.Fatal("expected error")
	}
	tx := pool.Txs()[0]
	if tx.Commits() != 0 || tx.Rollbacks() != 1 {
		t.Errorf("commits=%d rollbacks=%d, want 0 and 1", tx.Commits(), tx.Rollbacks())
	}
}

func TestAppendTx_concurrentSalesNeverOversell(t *testing.T) {
	const stock = 10
	st := newFakeStore("p1")
	st.onHand["p1"] = stock
	l, _ := newTestLedger(st)

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold, rejected := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendTx(context.Background(), st, Entry{ProductID: "p1", Delta: -1, Reason: ReasonSale, OrderID: "o"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case errors.Is(err, ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if sold != stock || rejected != 15 {
		t.Errorf("sold=%d rejected=%d, want %d and 15", sold, rejected, stock)
	}
	if st.onHand["p1"] != 0 {
		t.Errorf("on hand = %d, want 0", st.onHand["p1"])
	}
}

func TestReconcile_reportsDrift(t *testing.T) {
	st := newFakeStore("p1")
	l, _ := newTestLedger(st)
	ctx := context.Background()
	if _, err := l.Append(ctx, "p1", 8, ReasonOpeningBalance, ""); err != nil {
		t.Fatal(err)
	}

	r, err := l.Reconcile(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Drift != 0 || r.OnHand != 8 || r.LedgerSum != 8 {
		t.Errorf("clean reconciliation = %+v", r)
	}

	st.onHand["p1"] = 6
	r, err = l.Reconcile(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Drift != -2 {
		t.Errorf("drift = %d, want -2", r.Drift)
	}
}

// saleAfterRead commits a sale right after every read returns, the way a
// checkout running alongside a reconciliation would.
type saleAfterRead struct {
	*fakeStore
}

func (s saleAfterRead) sell(ctx context.Context, productID string) {
	onHand, _, _ := s.fakeStore.ApplyDelta(ctx, productID, -1)
	s.fakeStore.InsertEntry(ctx, Entry{ProductID: productID, Delta: -1, Reason: ReasonSale, BalanceAfter: onHand})
}

func (s saleAfterRead) OnHand(ctx context.Context, productID string) (int, error) {
	n, err := s.fakeStore.OnHand(ctx, productID)
	s.sell(ctx, productID)
	return n, err
}

func (s saleAfterRead) Balances(ctx context.Context, productID string) (int, int, error) {
	onHand, sum, err := s.fakeStore.Balances(ctx, productID)
	s.sell(ctx, productID)
	return onHand, sum, err
}

func TestReconcile_concurrentSaleIsNotDrift(t *testing.T) {
	st := newFakeStore("p1")
	l, _ := newTestLedger(st)
	ctx := context.Background()
	if _, err := l.Append(ctx, "p1", 10, ReasonOpeningBalance, ""); err != nil {
		t.Fatal(err)
	}

	l.newStore = func(db postgres.DBTX) Store { return saleAfterRead{st} }
	for i := 0; i < 3; i++ {
		r, err := l.Reconcile(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if r.Drift != 0 {
			t.Fatalf("round %d: drift = %d (%+v), want 0", i, r.Drift, r)
		}
	}
	if st.onHand["p1"] != 7 {
		t.Errorf("on hand = %d, want 7 after three sales", st.onHand["p1"])
	}
}

func TestEntries_clampsLimit(t *testing.T) {
	st := newFakeStore("p1")
	l, _ := newTestLedger(st)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, "p1", 1, ReasonRefund, ""); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Entries(ctx, "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	if got[0].ID != 3 {
		t.Errorf("newest first: got id %d", got[0].ID)
	}
}
