// Package watcher drives the hot path: it polls the price store on a fixed
// interval, filters out sub-threshold noise, and on every real movement
// refreshes the hot window, matches triggers and hands the winners to the
// executor in creation order.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/executor"
	"matching-enginev1/internal/hotwindow"
	"matching-enginev1/internal/matcher"
	"matching-enginev1/internal/metrics"
	"matching-enginev1/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Config tunes the watcher loop.
type Config struct {
	Instruments      []string
	PollInterval     time.Duration
	MoveThresholdPct decimal.Decimal
}

// Watcher polls prices and dispatches trigger matching per instrument.
type Watcher struct {
	cfg     Config
	prices  model.PriceSource
	board   *Board
	cache   *hotwindow.Cache
	matcher *matcher.Matcher
	exec    *executor.Executor
	metrics *metrics.Metrics      // may be nil
	health  *metrics.HealthStatus // may be nil
	log     *slog.Logger
}

func New(cfg Config, prices model.PriceSource, board *Board, cache *hotwindow.Cache,
	m *matcher.Matcher, exec *executor.Executor,
	mtr *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) *Watcher {
	return &Watcher{
		cfg:     cfg,
		prices:  prices,
		board:   board,
		cache:   cache,
		matcher: m,
		exec:    exec,
		metrics: mtr,
		health:  health,
		log:     log,
	}
}

// Run polls until ctx is cancelled. Blocking; run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Info("price watcher started",
		"instruments", w.cfg.Instruments, "interval", w.cfg.PollInterval.String())

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// First pass immediately rather than waiting a full interval.
	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("price watcher stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one poll pass over every tracked instrument.
func (w *Watcher) Tick(ctx context.Context) {
	for _, instrumentID := range w.cfg.Instruments {
		if ctx.Err() != nil {
			return
		}
		w.pollInstrument(ctx, instrumentID)
	}
	if w.health != nil {
		w.health.SetLastTickTime(time.Now())
	}
}

func (w *Watcher) pollInstrument(ctx context.Context, instrumentID string) {
	price, ok, err := w.prices.LatestPrice(ctx, instrumentID)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PriceReadErrors.Inc()
		}
		w.log.Warn("price read failed", "instrument", instrumentID, "err", err)
		return
	}
	if !ok {
		// No price published yet for this instrument, nothing to do.
		return
	}
	if w.metrics != nil {
		w.metrics.PriceTicksTotal.Inc()
	}

	if !w.board.Observe(instrumentID, price, w.cfg.MoveThresholdPct) {
		return
	}
	if w.metrics != nil {
		w.metrics.PriceMovesTotal.Inc()
	}
	w.log.Debug("price moved", "instrument", instrumentID, "price", price.String())

	w.dispatch(ctx, instrumentID, price)
}

// dispatch refreshes the hot window if the price left the cached band and
// runs matching + execution at the new price.
func (w *Watcher) dispatch(ctx context.Context, instrumentID string, price decimal.Decimal) {
	refreshStart := time.Now()
	needed := w.cache.NeedsRefresh(instrumentID, price)
	if err := w.cache.EnsureFresh(ctx, instrumentID, price); err != nil {
		// Stale window stays live; matching continues on old entries.
		if w.metrics != nil {
			w.metrics.CacheRefreshErrors.Inc()
		}
		w.log.Error("hot window refresh failed, matching on stale window",
			"instrument", instrumentID, "err", err)
	} else if needed && w.metrics != nil {
		w.metrics.CacheRefreshesTotal.Inc()
		w.metrics.CacheRefreshDur.Observe(time.Since(refreshStart).Seconds())
	}
	w.observeCacheSize(instrumentID)

	candidates := w.matcher.Match(instrumentID, price)
	if len(candidates) == 0 {
		return
	}
	if w.metrics != nil {
		w.metrics.TriggersMatchedTotal.Add(float64(len(candidates)))
	}
	w.log.Info("triggers matched",
		"instrument", instrumentID, "price", price.String(), "count", len(candidates))

	execStart := time.Now()
	counts := w.exec.ExecuteBatch(ctx, candidates)
	w.recordOutcomes(counts)
	if w.metrics != nil {
		w.metrics.ExecutionDur.Observe(time.Since(execStart).Seconds())
	}
	w.observeCacheSize(instrumentID)
}

func (w *Watcher) recordOutcomes(counts map[executor.Outcome]int) {
	if w.metrics == nil {
		return
	}
	for outcome, n := range counts {
		w.metrics.ExecutionsTotal.WithLabelValues(string(outcome)).Add(float64(n))
		if outcome == executor.OutcomeLockBusy {
			w.metrics.LockContentionTotal.Add(float64(n))
		}
	}
}

func (w *Watcher) observeCacheSize(instrumentID string) {
	if w.metrics == nil {
		return
	}
	buys, sells := w.cache.Size(instrumentID)
	w.metrics.CachedOrders.WithLabelValues(instrumentID, string(model.SideBuy)).Set(float64(buys))
	w.metrics.CachedOrders.WithLabelValues(instrumentID, string(model.SideSell)).Set(float64(sells))
}
