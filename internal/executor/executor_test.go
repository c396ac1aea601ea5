package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/hotwindow"
	"matching-enginev1/internal/ledger"
	"matching-enginev1/internal/matcher"
	"matching-enginev1/internal/model"
	"matching-enginev1/internal/notification"
)

// ── in-memory fakes ──

type memStore struct {
	mu     sync.Mutex
	orders map[string]*model.Order
}

func newMemStore(orders ...*model.Order) *memStore {
	m := &memStore{orders: make(map[string]*model.Order)}
	for _, o := range orders {
		m.orders[o.OrderID] = o
	}
	return m
}

func (m *memStore) Get(_ context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

// status returns the current order status, for assertions.
func (m *memStore) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *memStore) pendingInRange(instrumentID string, side model.Side, low, high decimal.Decimal) []*model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Order
	for _, o := range m.orders {
		if o.InstrumentID != instrumentID || o.Side != side || o.Status != model.StatusPending {
			continue
		}
		if o.TriggerPrice.GreaterThanOrEqual(low) && o.TriggerPrice.LessThanOrEqual(high) {
			out = append(out, o)
		}
	}
	return out
}

func (m *memStore) PendingBuysInRange(_ context.Context, instrumentID string, low, high decimal.Decimal) ([]*model.Order, error) {
	return m.pendingInRange(instrumentID, model.SideBuy, low, high), nil
}

func (m *memStore) PendingSellsInRange(_ context.Context, instrumentID string, low, high decimal.Decimal) ([]*model.Order, error) {
	return m.pendingInRange(instrumentID, model.SideSell, low, high), nil
}

func (m *memStore) AllPending(_ context.Context) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Order
	for _, o := range m.orders {
		if o.Status == model.StatusPending {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) TransitionStatus(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (m *memStore) MarkExecuted(_ context.Context, id string, price decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != model.StatusExecuting {
		return false, nil
	}
	o.Status = model.StatusExecuted
	o.ExecutionPrice = &price
	o.TriggeredAt = &at
	return true, nil
}

type stubPricer struct {
	price decimal.Decimal
	ok    bool
	err   error
}

func (s *stubPricer) LatestPrice(context.Context, string) (decimal.Decimal, bool, error) {
	return s.price, s.ok, s.err
}

type stubLocker struct {
	busy     bool
	acquires int
	releases int
}

func (s *stubLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	s.acquires++
	return !s.busy, nil
}

func (s *stubLocker) Release(context.Context, string) error {
	s.releases++
	return nil
}

type ledgerCall struct {
	kind     string
	username string
	held     decimal.Decimal
	amount   decimal.Decimal
	price    decimal.Decimal
}

type stubLedger struct {
	mu    sync.Mutex
	calls []ledgerCall
	err   error
}

func (s *stubLedger) record(c ledgerCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return s.err
}

func (s *stubLedger) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubLedger) SettleBuy(_ context.Context, username, _ string, heldUSD, quantity, price decimal.Decimal) error {
	return s.record(ledgerCall{"buy", username, heldUSD, quantity, price})
}

func (s *stubLedger) SettleSell(_ context.Context, username, _ string, heldQty, usd, price decimal.Decimal) error {
	return s.record(ledgerCall{"sell", username, heldQty, usd, price})
}

func (s *stubLedger) ReleaseHold(context.Context, string, string, model.Side, decimal.Decimal) error {
	return s.record(ledgerCall{kind: "release"})
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (c *captureNotifier) Send(_ context.Context, e notification.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

type captureJournal struct {
	mu    sync.Mutex
	fills []Fill
}

func (c *captureJournal) RecordFill(f Fill) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fills = append(c.fills, f)
	return nil
}

func (c *captureJournal) fillCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fills)
}

// setnxLocker mimics the Redis lock: one holder per key, acquire fails while
// held, release frees it.
type setnxLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newSetnxLocker() *setnxLocker {
	return &setnxLocker{held: make(map[string]bool)}
}

func (l *setnxLocker) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *setnxLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// ── test harness ──

type harness struct {
	exec     *Executor
	store    *memStore
	pricer   *stubPricer
	locker   *stubLocker
	ledger   *stubLedger
	notifier *captureNotifier
	journal  *captureJournal
	cache    *hotwindow.Cache
}

func newHarness(t *testing.T, cfg Config, orders ...*model.Order) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    newMemStore(orders...),
		pricer:   &stubPricer{ok: true},
		locker:   &stubLocker{},
		ledger:   &stubLedger{},
		notifier: &captureNotifier{},
		journal:  &captureJournal{},
	}
	h.cache = hotwindow.New(h.store, decimal.NewFromInt(5), 30*time.Minute, log)
	h.exec = New(cfg, h.store, h.pricer, h.locker, h.ledger, h.cache, h.notifier, h.journal, log)
	return h
}

func defaultCfg() Config {
	return Config{
		LockTTL:        30 * time.Second,
		SlippagePct:    decimal.NewFromInt(1),
		SlippagePolicy: SlippageRetry,
	}
}

func buyOrder(id string, trigger, heldUSD string) *model.Order {
	return &model.Order{
		OrderID:      id,
		Username:     "alice",
		InstrumentID: "BTC-USD",
		Side:         model.SideBuy,
		TriggerPrice: decimal.RequireFromString(trigger),
		HeldAmount:   decimal.RequireFromString(heldUSD),
		Status:       model.StatusPending,
		CreatedAt:    time.Now().Add(-time.Minute),
	}
}

func sellOrder(id string, trigger, heldQty string) *model.Order {
	o := buyOrder(id, trigger, heldQty)
	o.Side = model.SideSell
	return o
}

// ── tests ──

func TestExecuteBuySettlesAtMarketPrice(t *testing.T) {
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1060"))
	h.pricer.price = decimal.RequireFromString("106")

	out := h.exec.Execute(context.Background(), "o1")
	if out != OutcomeExecuted {
		t.Fatalf("outcome = %s, want %s", out, OutcomeExecuted)
	}

	o := h.store.orders["o1"]
	if o.Status != model.StatusExecuted {
		t.Fatalf("status = %s, want EXECUTED", o.Status)
	}
	if o.ExecutionPrice == nil || !o.ExecutionPrice.Equal(decimal.RequireFromString("106")) {
		t.Fatalf("execution price = %v, want 106", o.ExecutionPrice)
	}
	if o.TriggeredAt == nil {
		t.Fatal("triggered_at not set")
	}

	if len(h.ledger.calls) != 1 {
		t.Fatalf("ledger calls = %d, want 1", len(h.ledger.calls))
	}
	call := h.ledger.calls[0]
	wantQty := decimal.RequireFromString("1060").Div(decimal.RequireFromString("106"))
	if call.kind != "buy" || !call.held.Equal(decimal.RequireFromString("1060")) || !call.amount.Equal(wantQty) {
		t.Fatalf("settle call = %+v, want buy held=1060 qty=%s", call, wantQty)
	}

	if len(h.journal.fills) != 1 || !h.journal.fills[0].Quantity.Equal(wantQty) {
		t.Fatalf("journal fills = %+v", h.journal.fills)
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0].Type != notification.EventExecuted {
		t.Fatalf("events = %+v", h.notifier.events)
	}
	if h.locker.releases != 1 {
		t.Fatalf("lock releases = %d, want 1", h.locker.releases)
	}
}

func TestExecuteSellProceedsAtMarketPrice(t *testing.T) {
	h := newHarness(t, defaultCfg(), sellOrder("o1", "95", "2"))
	h.pricer.price = decimal.RequireFromString("94.5") // within 1% below trigger

	out := h.exec.Execute(context.Background(), "o1")
	if out != OutcomeExecuted {
		t.Fatalf("outcome = %s, want %s", out, OutcomeExecuted)
	}

	call := h.ledger.calls[0]
	wantProceeds := decimal.RequireFromString("189") // 2 * 94.5
	if call.kind != "sell" || !call.amount.Equal(wantProceeds) {
		t.Fatalf("settle call = %+v, want sell proceeds=189", call)
	}
}

func TestExecuteSlippageRevertsToPending(t *testing.T) {
	// Trigger 105, tolerance 1% → max acceptable BUY price 106.05.
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1000"))
	h.pricer.price = decimal.RequireFromString("110")

	out := h.exec.Execute(context.Background(), "o1")
	if out != OutcomeSlippageAbort {
		t.Fatalf("outcome = %s, want %s", out, OutcomeSlippageAbort)
	}
	if got := h.store.orders["o1"].Status; got != model.StatusPending {
		t.Fatalf("status = %s, want PENDING", got)
	}
	if len(h.ledger.calls) != 0 {
		t.Fatalf("funds moved on slippage abort: %+v", h.ledger.calls)
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0].Type != notification.EventSlippageAbort {
		t.Fatalf("events = %+v", h.notifier.events)
	}
}

func TestExecuteSlippageFailPolicy(t *testing.T) {
	cfg := defaultCfg()
	cfg.SlippagePolicy = SlippageFail
	h := newHarness(t, cfg, buyOrder("o1", "105", "1000"))
	h.pricer.price = decimal.RequireFromString("110")

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeSlippageAbort {
		t.Fatalf("outcome = %s, want %s", out, OutcomeSlippageAbort)
	}
	if got := h.store.orders["o1"].Status; got != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}

func TestExecuteFavorableMoveIsNotSlippage(t *testing.T) {
	// BUY at 105 with the market at 100: paying less than asked for.
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1000"))
	h.pricer.price = decimal.RequireFromString("100")

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeExecuted {
		t.Fatalf("outcome = %s, want %s", out, OutcomeExecuted)
	}
}

func TestExecuteLockBusy(t *testing.T) {
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1000"))
	h.locker.busy = true

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeLockBusy {
		t.Fatalf("outcome = %s, want %s", out, OutcomeLockBusy)
	}
	if got := h.store.orders["o1"].Status; got != model.StatusPending {
		t.Fatalf("status = %s, want PENDING untouched", got)
	}
	if h.locker.releases != 0 {
		t.Fatal("released a lock it never held")
	}
}

func TestExecuteCancelledOrderLeavesFundsAlone(t *testing.T) {
	o := buyOrder("o1", "105", "1000")
	o.Status = model.StatusCancelled
	h := newHarness(t, defaultCfg(), o)
	h.pricer.price = decimal.RequireFromString("106")

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeNotPending {
		t.Fatalf("outcome = %s, want %s", out, OutcomeNotPending)
	}
	if len(h.ledger.calls) != 0 {
		t.Fatalf("funds moved for cancelled order: %+v", h.ledger.calls)
	}
	if got := h.store.orders["o1"].Status; got != model.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got)
	}
}

func TestExecuteUnknownOrder(t *testing.T) {
	h := newHarness(t, defaultCfg())
	if out := h.exec.Execute(context.Background(), "nope"); out != OutcomeNotPending {
		t.Fatalf("outcome = %s, want %s", out, OutcomeNotPending)
	}
}

func TestExecuteLedgerRejectionFailsOrder(t *testing.T) {
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1000"))
	h.pricer.price = decimal.RequireFromString("105")
	h.ledger.err = ledger.ErrRejected

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeLedgerReject {
		t.Fatalf("outcome = %s, want %s", out, OutcomeLedgerReject)
	}
	if got := h.store.orders["o1"].Status; got != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0].Type != notification.EventFailed {
		t.Fatalf("events = %+v", h.notifier.events)
	}
}

func TestExecuteLedgerTransportErrorFailsOrder(t *testing.T) {
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1000"))
	h.pricer.price = decimal.RequireFromString("105")
	h.ledger.err = errors.New("connection refused")

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeError {
		t.Fatalf("outcome = %s, want %s", out, OutcomeError)
	}
	if got := h.store.orders["o1"].Status; got != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}

func TestExecutePriceUnavailableReverts(t *testing.T) {
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1000"))
	h.pricer.ok = false

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeError {
		t.Fatalf("outcome = %s, want %s", out, OutcomeError)
	}
	if got := h.store.orders["o1"].Status; got != model.StatusPending {
		t.Fatalf("status = %s, want PENDING for retry", got)
	}
	if len(h.ledger.calls) != 0 {
		t.Fatalf("funds moved without an execution price: %+v", h.ledger.calls)
	}
}

func TestExecuteBatchRunsInGivenOrder(t *testing.T) {
	h := newHarness(t, defaultCfg(),
		buyOrder("old", "105", "100"),
		buyOrder("new", "105", "100"),
	)
	h.pricer.price = decimal.RequireFromString("105")

	counts := h.exec.ExecuteBatch(context.Background(), []matcher.Candidate{
		{OrderID: "old"}, {OrderID: "new"},
	})
	if counts[OutcomeExecuted] != 2 {
		t.Fatalf("counts = %v, want 2 executed", counts)
	}
	if len(h.journal.fills) != 2 || h.journal.fills[0].OrderID != "old" || h.journal.fills[1].OrderID != "new" {
		t.Fatalf("fills out of order: %+v", h.journal.fills)
	}
}

func TestExecuteConcurrentDuplicateDeliveriesSettleOnce(t *testing.T) {
	// The hot path and the safety scanner can hand over the same order at
	// the same time. Whatever the interleaving, exactly one attempt settles.
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1060"))
	h.pricer.price = decimal.RequireFromString("106")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := New(defaultCfg(), h.store, h.pricer, newSetnxLocker(), h.ledger, h.cache,
		h.notifier, h.journal, log)

	const attempts = 16
	outcomes := make(chan Outcome, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- exec.Execute(context.Background(), "o1")
		}()
	}
	wg.Wait()
	close(outcomes)

	executed := 0
	for out := range outcomes {
		switch out {
		case OutcomeExecuted:
			executed++
		case OutcomeLockBusy, OutcomeRaceLost, OutcomeNotPending:
			// losers of the lock, the conditional write, or late arrivals
		default:
			t.Errorf("unexpected outcome %s", out)
		}
	}
	if executed != 1 {
		t.Fatalf("executed outcomes = %d, want exactly 1", executed)
	}
	if got := h.ledger.callCount(); got != 1 {
		t.Fatalf("ledger settles = %d, want exactly 1", got)
	}
	if got := h.journal.fillCount(); got != 1 {
		t.Fatalf("journal fills = %d, want exactly 1", got)
	}
	if got := h.store.status("o1"); got != model.StatusExecuted {
		t.Fatalf("final status = %s, want EXECUTED", got)
	}
}

func TestExecuteRedeliveryAfterExecutionDoesNotResettle(t *testing.T) {
	// Scanner re-delivery of an order the hot path already executed.
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1060"))
	h.pricer.price = decimal.RequireFromString("106")

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeExecuted {
		t.Fatalf("first delivery outcome = %s, want %s", out, OutcomeExecuted)
	}
	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeNotPending {
		t.Fatalf("redelivery outcome = %s, want %s", out, OutcomeNotPending)
	}

	if got := h.ledger.callCount(); got != 1 {
		t.Fatalf("ledger settles after redelivery = %d, want 1", got)
	}
	if got := h.journal.fillCount(); got != 1 {
		t.Fatalf("journal fills after redelivery = %d, want 1", got)
	}
	if got := h.store.status("o1"); got != model.StatusExecuted {
		t.Fatalf("status = %s, want EXECUTED", got)
	}
}

func TestExecuteRemovesFromHotWindow(t *testing.T) {
	h := newHarness(t, defaultCfg(), buyOrder("o1", "105", "1060"))
	h.pricer.price = decimal.RequireFromString("106")

	if err := h.cache.Refresh(context.Background(), "BTC-USD", decimal.RequireFromString("105")); err != nil {
		t.Fatal(err)
	}
	if buys, _ := h.cache.Size("BTC-USD"); buys != 1 {
		t.Fatalf("cache buys = %d, want 1 before execution", buys)
	}

	if out := h.exec.Execute(context.Background(), "o1"); out != OutcomeExecuted {
		t.Fatalf("outcome = %s", out)
	}
	if buys, _ := h.cache.Size("BTC-USD"); buys != 0 {
		t.Fatalf("cache buys = %d, want 0 after execution", buys)
	}
}
