// Package scanner is the safety net under the hot path. On a slow period it
// walks every PENDING order straight from the order store, catches triggers
// the watcher missed (band gaps, crashes, stale windows) and sweeps expired
// orders back to their owners.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/executor"
	"matching-enginev1/internal/hotwindow"
	"matching-enginev1/internal/metrics"
	"matching-enginev1/internal/model"
	"matching-enginev1/internal/notification"
)

// Config tunes the scanner.
type Config struct {
	ScanInterval time.Duration
}

// Scanner periodically reconciles the full PENDING set against live prices.
type Scanner struct {
	cfg      Config
	store    model.OrderStore
	prices   model.PriceSource
	ledger   model.Ledger
	exec     *executor.Executor
	cache    *hotwindow.Cache
	notifier notification.Notifier
	metrics  *metrics.Metrics      // may be nil
	health   *metrics.HealthStatus // may be nil
	log      *slog.Logger

	now func() time.Time
}

func New(cfg Config, store model.OrderStore, prices model.PriceSource, ledger model.Ledger,
	exec *executor.Executor, cache *hotwindow.Cache, notifier notification.Notifier,
	mtr *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		store:    store,
		prices:   prices,
		ledger:   ledger,
		exec:     exec,
		cache:    cache,
		notifier: notifier,
		metrics:  mtr,
		health:   health,
		log:      log,
		now:      time.Now,
	}
}

// Run scans until ctx is cancelled. Blocking; run in its own goroutine.
func (s *Scanner) Run(ctx context.Context) {
	s.log.Info("safety scanner started", "interval", s.cfg.ScanInterval.String())

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("safety scanner stopped")
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan runs one full reconciliation pass. Exported so startup can force an
// immediate pass after a crash recovery.
func (s *Scanner) Scan(ctx context.Context) {
	start := s.now()
	pending, err := s.store.AllPending(ctx)
	if err != nil {
		s.log.Error("scanner: pending query failed", "err", err)
		return
	}

	// One price read per instrument, not per order.
	priceByInstrument := make(map[string]decimal.Decimal)
	var caught, expired int

	for _, o := range pending {
		if ctx.Err() != nil {
			return
		}

		if o.Expired(s.now()) {
			if s.expire(ctx, o) {
				expired++
			}
			continue
		}

		price, ok := priceByInstrument[o.InstrumentID]
		if !ok {
			p, found, err := s.prices.LatestPrice(ctx, o.InstrumentID)
			if err != nil || !found {
				if err != nil {
					s.log.Warn("scanner: price read failed", "instrument", o.InstrumentID, "err", err)
				}
				// Negative-cache the miss for the rest of this pass.
				priceByInstrument[o.InstrumentID] = decimal.Zero
				continue
			}
			priceByInstrument[o.InstrumentID] = p
			price = p
		}
		if price.IsZero() {
			continue
		}

		if !o.Triggered(price) {
			continue
		}
		s.log.Warn("scanner caught missed trigger",
			"order", o.OrderID, "instrument", o.InstrumentID,
			"trigger", o.TriggerPrice.String(), "price", price.String())
		if out := s.exec.Execute(ctx, o.OrderID); out == executor.OutcomeExecuted {
			caught++
		}
	}

	if s.metrics != nil {
		s.metrics.ScannerPassesTotal.Inc()
		s.metrics.ScannerCatchesTotal.Add(float64(caught))
		s.metrics.ScannerExpiredTotal.Add(float64(expired))
	}
	if s.health != nil {
		s.health.SetLastScanTime(s.now())
	}
	s.log.Info("scanner pass complete",
		"pending", len(pending), "caught", caught, "expired", expired,
		"elapsed", time.Since(start).String())
}

// expire moves a past-expiry order to EXPIRED and releases its hold. The
// conditional transition makes the sweep safe against a concurrent
// execution: whoever flips the status first owns the funds movement.
func (s *Scanner) expire(ctx context.Context, o *model.Order) bool {
	flipped, err := s.store.TransitionStatus(ctx, o.OrderID, model.StatusPending, model.StatusExpired)
	if err != nil {
		s.log.Error("scanner: expire transition failed", "order", o.OrderID, "err", err)
		return false
	}
	if !flipped {
		return false
	}

	s.cache.Remove(o.InstrumentID, o.Side, o.OrderID)
	if err := s.ledger.ReleaseHold(ctx, o.Username, o.InstrumentID, o.Side, o.HeldAmount); err != nil {
		// Status already EXPIRED; the hold release needs ops follow-up.
		s.log.Error("scanner: hold release failed after expiry",
			"order", o.OrderID, "user", o.Username, "err", err)
	}

	if s.notifier != nil {
		if err := s.notifier.Send(ctx, notification.Event{
			Type:     notification.EventExpired,
			OrderID:  o.OrderID,
			Username: o.Username,
			Payload: map[string]string{
				"instrument": o.InstrumentID,
				"expired_at": o.ExpiresAt.UTC().Format(time.RFC3339),
			},
		}); err != nil {
			s.log.Warn("scanner: expiry notification failed", "order", o.OrderID, "err", err)
		}
	}
	s.log.Info("order expired", "order", o.OrderID, "instrument", o.InstrumentID)
	return true
}
