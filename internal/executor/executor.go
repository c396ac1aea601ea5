// Package executor settles triggered orders against the ledger with an
// at-most-once guarantee. The per-order Redis lock plus the status-guarded
// conditional write are the only serialization points: the hot path and the
// safety scanner may both hand over the same order and exactly one attempt
// can win.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/hotwindow"
	"matching-enginev1/internal/ledger"
	"matching-enginev1/internal/logger"
	"matching-enginev1/internal/matcher"
	"matching-enginev1/internal/model"
	"matching-enginev1/internal/notification"
)

var hundred = decimal.NewFromInt(100)

// Outcome classifies one execution attempt.
type Outcome string

const (
	OutcomeExecuted      Outcome = "executed"       // settled, order EXECUTED
	OutcomeLockBusy      Outcome = "lock_busy"      // another executor holds the lock
	OutcomeNotPending    Outcome = "not_pending"    // cancelled/expired/already handled
	OutcomeRaceLost      Outcome = "race_lost"      // conditional write lost
	OutcomeSlippageAbort Outcome = "slippage_abort" // market ran away, no funds moved
	OutcomeLedgerReject  Outcome = "ledger_reject"  // settlement refused, order FAILED
	OutcomeError         Outcome = "error"          // transient failure, retried later
)

// SlippagePolicy decides what happens to an order aborted by slippage.
type SlippagePolicy int

const (
	// SlippageRetry reverts the order to PENDING; a later tick retries.
	SlippageRetry SlippagePolicy = iota
	// SlippageFail marks the order FAILED for manual handling.
	SlippageFail
)

// Config tunes the executor.
type Config struct {
	LockTTL        time.Duration   // execution lock expiry
	SlippagePct    decimal.Decimal // max unfavorable move vs trigger, percent
	SlippagePolicy SlippagePolicy
}

// Executor runs the settlement protocol for triggered orders.
type Executor struct {
	cfg      Config
	store    model.OrderStore
	prices   model.PriceSource
	locks    model.Locker
	ledger   model.Ledger
	cache    *hotwindow.Cache
	notifier notification.Notifier
	journal  Recorder // audit trail; may be nil
	log      *slog.Logger

	now func() time.Time
}

// New creates an Executor. journal may be nil to disable the audit trail.
func New(cfg Config, store model.OrderStore, prices model.PriceSource, locks model.Locker,
	ldgr model.Ledger, cache *hotwindow.Cache, notifier notification.Notifier,
	journal Recorder, log *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		store:    store,
		prices:   prices,
		locks:    locks,
		ledger:   ldgr,
		cache:    cache,
		notifier: notifier,
		journal:  journal,
		log:      log,
		now:      time.Now,
	}
}

// ExecuteBatch runs candidates strictly in the given order (the matcher
// sorts them oldest-first). Returns the per-outcome counts.
func (e *Executor) ExecuteBatch(ctx context.Context, candidates []matcher.Candidate) map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		out := e.Execute(ctx, c.OrderID)
		counts[out]++
	}
	return counts
}

// Execute runs the full settlement protocol for one order ID. Safe to call
// concurrently for different orders, and idempotently for the same one.
func (e *Executor) Execute(ctx context.Context, orderID string) Outcome {
	ctx = logger.WithTraceID(ctx, logger.ExecTraceID(orderID, e.now()))

	// Step 1: exclusive execution lock with a short expiry. Losing here
	// means another executor is already on it — success elsewhere.
	acquired, err := e.locks.Acquire(ctx, orderID, e.cfg.LockTTL)
	if err != nil {
		e.log.Error("lock acquire failed", append(logger.LogWithTrace(ctx), "order", orderID, "err", err)...)
		return OutcomeError
	}
	if !acquired {
		e.log.Debug("lock busy", append(logger.LogWithTrace(ctx), "order", orderID)...)
		return OutcomeLockBusy
	}
	defer func() {
		if err := e.locks.Release(ctx, orderID); err != nil {
			e.log.Warn("lock release failed", append(logger.LogWithTrace(ctx), "order", orderID, "err", err)...)
		}
	}()

	// Step 2: re-read from the source of truth, never the cache. Catches
	// cancellation/expiry races and duplicate delivery from the scanner.
	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		e.log.Error("order re-read failed", append(logger.LogWithTrace(ctx), "order", orderID, "err", err)...)
		return OutcomeError
	}
	if o == nil {
		e.log.Warn("triggered order vanished from store", append(logger.LogWithTrace(ctx), "order", orderID)...)
		return OutcomeNotPending
	}
	if o.Status != model.StatusPending {
		// The cache entry is dead weight now, drop it.
		e.cache.Remove(o.InstrumentID, o.Side, o.OrderID)
		e.log.Debug("order no longer pending",
			append(logger.LogWithTrace(ctx), "order", orderID, "status", o.Status)...)
		return OutcomeNotPending
	}

	// Step 3: claim the order. Losing the conditional write means another
	// executor slipped between our lock expiring and this attempt.
	claimed, err := e.store.TransitionStatus(ctx, orderID, model.StatusPending, model.StatusExecuting)
	if err != nil {
		e.log.Error("claim failed", append(logger.LogWithTrace(ctx), "order", orderID, "err", err)...)
		return OutcomeError
	}
	if !claimed {
		return OutcomeRaceLost
	}

	// Step 4: execution happens at the *current* market price, not the
	// trigger price — re-fetch and bound the unfavorable deviation.
	price, found, err := e.prices.LatestPrice(ctx, o.InstrumentID)
	if err != nil || !found {
		e.revertToPending(ctx, o)
		e.log.Warn("price unavailable at execution, reverting",
			append(logger.LogWithTrace(ctx), "order", orderID, "err", err)...)
		return OutcomeError
	}
	if e.slippageExceeded(o, price) {
		return e.abortOnSlippage(ctx, o, price)
	}

	// Step 5: settle. Any ledger failure leaves the order FAILED with funds
	// still held — the ops reconciliation path takes over from there.
	quantity, proceeds := settlementAmounts(o, price)
	if err := e.settle(ctx, o, price, quantity, proceeds); err != nil {
		e.markFailed(ctx, o, fmt.Sprintf("settlement: %v", err))
		if ledger.IsRejection(err) {
			return OutcomeLedgerReject
		}
		return OutcomeError
	}

	// Step 6: finalize, drop from the hot window, notify.
	triggeredAt := e.now().UTC()
	finalized, err := e.store.MarkExecuted(ctx, orderID, price, triggeredAt)
	if err != nil || !finalized {
		// Funds already moved; the order record is behind. Surface loudly,
		// the scanner will not retry an EXECUTING order.
		e.log.Error("finalize after settlement failed",
			append(logger.LogWithTrace(ctx), "order", orderID, "err", err)...)
	}
	e.cache.Remove(o.InstrumentID, o.Side, o.OrderID)

	if e.journal != nil {
		if err := e.journal.RecordFill(Fill{
			OrderID:      o.OrderID,
			Username:     o.Username,
			InstrumentID: o.InstrumentID,
			Side:         o.Side,
			HeldAmount:   o.HeldAmount,
			Quantity:     quantity,
			Proceeds:     proceeds,
			Price:        price,
			FilledAt:     triggeredAt,
		}); err != nil {
			e.log.Warn("journal write failed", append(logger.LogWithTrace(ctx), "order", orderID, "err", err)...)
		}
	}

	e.notify(ctx, notification.EventExecuted, o, map[string]string{
		"execution_price": price.String(),
		"quantity":        quantity.String(),
		"proceeds":        proceeds.String(),
	})
	e.log.Info("order executed", append(logger.LogWithTrace(ctx),
		"order", orderID, "instrument", o.InstrumentID, "side", string(o.Side),
		"trigger", o.TriggerPrice.String(), "price", price.String())...)
	return OutcomeExecuted
}

// slippageExceeded reports whether price moved beyond the tolerance from the
// trigger in the unfavorable direction: above it for a BUY (paying more),
// below it for a SELL (receiving less). Favorable moves execute immediately.
func (e *Executor) slippageExceeded(o *model.Order, price decimal.Decimal) bool {
	tolerance := o.TriggerPrice.Mul(e.cfg.SlippagePct).Div(hundred)
	switch o.Side {
	case model.SideBuy:
		return price.GreaterThan(o.TriggerPrice.Add(tolerance))
	case model.SideSell:
		return price.LessThan(o.TriggerPrice.Sub(tolerance))
	default:
		return true
	}
}

func (e *Executor) abortOnSlippage(ctx context.Context, o *model.Order, price decimal.Decimal) Outcome {
	if e.cfg.SlippagePolicy == SlippageFail {
		e.markFailed(ctx, o, "slippage exceeded")
		e.log.Info("slippage abort, order failed per policy",
			append(logger.LogWithTrace(ctx), "order", o.OrderID,
				"trigger", o.TriggerPrice.String(), "price", price.String())...)
		return OutcomeSlippageAbort
	}

	e.revertToPending(ctx, o)
	e.notify(ctx, notification.EventSlippageAbort, o, map[string]string{
		"trigger_price": o.TriggerPrice.String(),
		"market_price":  price.String(),
	})
	e.log.Info("slippage abort, order reverted to pending",
		append(logger.LogWithTrace(ctx), "order", o.OrderID,
			"trigger", o.TriggerPrice.String(), "price", price.String())...)
	return OutcomeSlippageAbort
}

func (e *Executor) settle(ctx context.Context, o *model.Order, price, quantity, proceeds decimal.Decimal) error {
	switch o.Side {
	case model.SideBuy:
		return e.ledger.SettleBuy(ctx, o.Username, o.InstrumentID, o.HeldAmount, quantity, price)
	case model.SideSell:
		return e.ledger.SettleSell(ctx, o.Username, o.InstrumentID, o.HeldAmount, proceeds, price)
	default:
		return fmt.Errorf("unknown side %q", o.Side)
	}
}

// settlementAmounts derives what the user receives at the execution price:
// a BUY converts the held USD into quantity = held/price; a SELL converts
// the held quantity into proceeds = held*price.
func settlementAmounts(o *model.Order, price decimal.Decimal) (quantity, proceeds decimal.Decimal) {
	switch o.Side {
	case model.SideBuy:
		return o.HeldAmount.Div(price), o.HeldAmount
	case model.SideSell:
		return o.HeldAmount, o.HeldAmount.Mul(price)
	default:
		return decimal.Zero, decimal.Zero
	}
}

func (e *Executor) revertToPending(ctx context.Context, o *model.Order) {
	if _, err := e.store.TransitionStatus(ctx, o.OrderID, model.StatusExecuting, model.StatusPending); err != nil {
		e.log.Error("revert to pending failed",
			append(logger.LogWithTrace(ctx), "order", o.OrderID, "err", err)...)
	}
}

func (e *Executor) markFailed(ctx context.Context, o *model.Order, reason string) {
	if _, err := e.store.TransitionStatus(ctx, o.OrderID, model.StatusExecuting, model.StatusFailed); err != nil {
		e.log.Error("mark failed failed",
			append(logger.LogWithTrace(ctx), "order", o.OrderID, "err", err)...)
	}
	e.cache.Remove(o.InstrumentID, o.Side, o.OrderID)
	e.notify(ctx, notification.EventFailed, o, map[string]string{"reason": reason})
}

func (e *Executor) notify(ctx context.Context, typ notification.EventType, o *model.Order, payload map[string]string) {
	if e.notifier == nil {
		return
	}
	// Fire-and-forget by contract; the Multi notifier already swallows
	// backend failures.
	if err := e.notifier.Send(ctx, notification.Event{
		Type:     typ,
		OrderID:  o.OrderID,
		Username: o.Username,
		Payload:  payload,
	}); err != nil {
		e.log.Warn("notification failed", "order", o.OrderID, "err", err)
	}
}
