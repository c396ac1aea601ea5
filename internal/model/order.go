package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a limit order. Closed two-value enum; the trigger
// comparison for each side lives in Triggered.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order status lifecycle. Transitions are monotonic:
// PENDING → EXECUTING → {EXECUTED | FAILED} and PENDING → {CANCELLED | EXPIRED}.
const (
	StatusPending   = "PENDING"
	StatusExecuting = "EXECUTING"
	StatusExecuted  = "EXECUTED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

// Order represents a price-triggered limit order. Owned by the order store;
// mutated only by the executor after creation.
type Order struct {
	OrderID      string          `json:"order_id"`
	Username     string          `json:"username"`
	InstrumentID string          `json:"instrument_id"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Status       string          `json:"status"`

	// HeldAmount is reserved exactly once at creation: USD for BUY,
	// asset quantity for SELL. Released exactly once, by settlement
	// or by cancellation/expiry.
	HeldAmount decimal.Decimal `json:"held_amount"`

	ExecutionPrice *decimal.Decimal `json:"execution_price,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	TriggeredAt    *time.Time       `json:"triggered_at,omitempty"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// Triggered reports whether the order's condition is satisfied at price.
// A BUY triggers when the market rises to meet its trigger price; a SELL
// triggers when the market falls to meet it.
func (o *Order) Triggered(price decimal.Decimal) bool {
	switch o.Side {
	case SideBuy:
		return o.TriggerPrice.LessThanOrEqual(price)
	case SideSell:
		return o.TriggerPrice.GreaterThanOrEqual(price)
	default:
		return false
	}
}

// Expired reports whether the order's expiry has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}
