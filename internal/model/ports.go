package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the matching engine from concrete infrastructure
// (Redis, SQLite, the ledger HTTP API). Each implementation satisfies one or
// more of these interfaces; tests substitute in-memory fakes.

// PriceSource reads the latest published market price per instrument.
type PriceSource interface {
	// LatestPrice returns the current price for an instrument.
	// ok=false means no price has been published yet (not an error).
	LatestPrice(ctx context.Context, instrumentID string) (price decimal.Decimal, ok bool, err error)
}

// OrderStore is the durable source of truth for orders.
type OrderStore interface {
	// Get reads a single order by ID. Returns nil, nil if not found.
	Get(ctx context.Context, orderID string) (*Order, error)

	// PendingBuysInRange returns PENDING BUY orders for the instrument with
	// trigger_price in [low, high], ordered by trigger_price ascending.
	PendingBuysInRange(ctx context.Context, instrumentID string, low, high decimal.Decimal) ([]*Order, error)

	// PendingSellsInRange returns PENDING SELL orders for the instrument with
	// trigger_price in [low, high], ordered by trigger_price ascending.
	PendingSellsInRange(ctx context.Context, instrumentID string, low, high decimal.Decimal) ([]*Order, error)

	// AllPending returns every PENDING order regardless of price,
	// ordered by created_at ascending. Safety-scanner query.
	AllPending(ctx context.Context) ([]*Order, error)

	// TransitionStatus conditionally moves an order from an expected status
	// to a new one. Returns false (no error) if the current status did not
	// match — the caller lost a race.
	TransitionStatus(ctx context.Context, orderID, from, to string) (bool, error)

	// MarkExecuted finalizes a successful execution: status EXECUTED,
	// execution_price and triggered_at set. Conditional on status EXECUTING.
	MarkExecuted(ctx context.Context, orderID string, execPrice decimal.Decimal, triggeredAt time.Time) (bool, error)
}

// Locker provides short-lived exclusive execution locks keyed by order ID.
type Locker interface {
	// Acquire attempts to take the lock. Returns false if another holder
	// owns it. The lock self-expires after ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the lock if this process still owns it.
	Release(ctx context.Context, key string) error
}

// Ledger moves user funds between held and settled states.
// Settlement rejections are reported as ledger.ErrRejected-wrapped errors;
// anything else is a transport failure.
type Ledger interface {
	// SettleBuy converts held USD into quantity of the instrument at price.
	SettleBuy(ctx context.Context, username, instrumentID string, heldUSD, quantity, price decimal.Decimal) error

	// SettleSell converts a held asset quantity into USD at price.
	SettleSell(ctx context.Context, username, instrumentID string, heldQuantity, usdAmount, price decimal.Decimal) error

	// ReleaseHold returns a held amount unchanged (cancellation/expiry path).
	ReleaseHold(ctx context.Context, username, instrumentID string, side Side, amount decimal.Decimal) error
}
