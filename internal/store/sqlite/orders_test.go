package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(StoreConfig{DBPath: filepath.Join(t.TempDir(), "orders.db")})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func makeOrder(id, instrument string, side model.Side, trigger string, createdAt time.Time) *model.Order {
	return &model.Order{
		OrderID:      id,
		Username:     "alice",
		InstrumentID: instrument,
		Side:         side,
		Quantity:     dec("1.5"),
		TriggerPrice: dec(trigger),
		Status:       model.StatusPending,
		HeldAmount:   dec("1000"),
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(30 * 24 * time.Hour),
	}
}

func TestInsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := makeOrder("ord-1", "BTC", model.SideBuy, "64123.50", created)
	if err := s.Insert(ctx, o); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected order, got nil")
	}
	if got.Status != model.StatusPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
	if !got.TriggerPrice.Equal(dec("64123.50")) {
		t.Errorf("trigger price mismatch: %s", got.TriggerPrice)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at mismatch: %v", got.CreatedAt)
	}
	if got.ExecutionPrice != nil || got.TriggeredAt != nil {
		t.Error("expected nil execution_price and triggered_at on a fresh order")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := setupTestStore(t)
	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestPendingRangeQueries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// BUY orders at 95, 100, 105, 110; SELL orders at 90, 100
	for i, trig := range []string{"95", "100", "105", "110"} {
		o := makeOrder("buy-"+trig, "BTC", model.SideBuy, trig, base.Add(time.Duration(i)*time.Second))
		if err := s.Insert(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	for i, trig := range []string{"90", "100"} {
		o := makeOrder("sell-"+trig, "BTC", model.SideSell, trig, base.Add(time.Duration(i)*time.Second))
		if err := s.Insert(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	// Different instrument and non-pending status must never match
	other := makeOrder("eth-1", "ETH", model.SideBuy, "100", base)
	if err := s.Insert(ctx, other); err != nil {
		t.Fatal(err)
	}
	cancelled := makeOrder("buy-cancelled", "BTC", model.SideBuy, "100", base)
	cancelled.Status = model.StatusCancelled
	if err := s.Insert(ctx, cancelled); err != nil {
		t.Fatal(err)
	}

	buys, err := s.PendingBuysInRange(ctx, "BTC", dec("100"), dec("105"))
	if err != nil {
		t.Fatalf("PendingBuysInRange failed: %v", err)
	}
	if len(buys) != 2 {
		t.Fatalf("expected 2 buys in [100,105], got %d", len(buys))
	}
	// Boundary values included, ordered by trigger price ascending
	if buys[0].OrderID != "buy-100" || buys[1].OrderID != "buy-105" {
		t.Errorf("unexpected order: %s, %s", buys[0].OrderID, buys[1].OrderID)
	}

	sells, err := s.PendingSellsInRange(ctx, "BTC", dec("89"), dec("95"))
	if err != nil {
		t.Fatalf("PendingSellsInRange failed: %v", err)
	}
	if len(sells) != 1 || sells[0].OrderID != "sell-90" {
		t.Fatalf("expected [sell-90], got %d results", len(sells))
	}
}

func TestAllPending_OrderedByCreation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Insert newest first to prove ordering comes from the query
	if err := s.Insert(ctx, makeOrder("late", "BTC", model.SideBuy, "100", base.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, makeOrder("early", "ETH", model.SideSell, "50", base)); err != nil {
		t.Fatal(err)
	}
	executed := makeOrder("done", "BTC", model.SideBuy, "100", base)
	executed.Status = model.StatusExecuted
	if err := s.Insert(ctx, executed); err != nil {
		t.Fatal(err)
	}

	pending, err := s.AllPending(ctx)
	if err != nil {
		t.Fatalf("AllPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].OrderID != "early" || pending[1].OrderID != "late" {
		t.Errorf("expected [early, late], got [%s, %s]", pending[0].OrderID, pending[1].OrderID)
	}
}

func TestTransitionStatus_Conditional(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	o := makeOrder("ord-1", "BTC", model.SideBuy, "100", time.Now().UTC())
	if err := s.Insert(ctx, o); err != nil {
		t.Fatal(err)
	}

	ok, err := s.TransitionStatus(ctx, "ord-1", model.StatusPending, model.StatusExecuting)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to succeed")
	}

	// Second identical transition loses the race: status is no longer PENDING
	ok, err = s.TransitionStatus(ctx, "ord-1", model.StatusPending, model.StatusExecuting)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if ok {
		t.Fatal("expected conditional write to report no match")
	}

	got, _ := s.Get(ctx, "ord-1")
	if got.Status != model.StatusExecuting {
		t.Errorf("expected EXECUTING, got %s", got.Status)
	}
}

func TestMarkExecuted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	o := makeOrder("ord-1", "BTC", model.SideBuy, "105", time.Now().UTC())
	if err := s.Insert(ctx, o); err != nil {
		t.Fatal(err)
	}

	// Not EXECUTING yet — must refuse
	triggered := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	ok, err := s.MarkExecuted(ctx, "ord-1", dec("106"), triggered)
	if err != nil {
		t.Fatalf("MarkExecuted failed: %v", err)
	}
	if ok {
		t.Fatal("expected MarkExecuted to refuse a PENDING order")
	}

	if _, err := s.TransitionStatus(ctx, "ord-1", model.StatusPending, model.StatusExecuting); err != nil {
		t.Fatal(err)
	}
	ok, err = s.MarkExecuted(ctx, "ord-1", dec("106"), triggered)
	if err != nil {
		t.Fatalf("MarkExecuted failed: %v", err)
	}
	if !ok {
		t.Fatal("expected MarkExecuted to succeed")
	}

	got, _ := s.Get(ctx, "ord-1")
	if got.Status != model.StatusExecuted {
		t.Errorf("expected EXECUTED, got %s", got.Status)
	}
	if got.ExecutionPrice == nil || !got.ExecutionPrice.Equal(dec("106")) {
		t.Errorf("execution price mismatch: %v", got.ExecutionPrice)
	}
	if got.TriggeredAt == nil || !got.TriggeredAt.Equal(triggered) {
		t.Errorf("triggered_at mismatch: %v", got.TriggeredAt)
	}
}
