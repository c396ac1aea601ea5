// Package hotwindow maintains, per instrument, a bounded price-band cache of
// PENDING orders close enough to the current price to plausibly trigger soon.
// The cache is always a subset of the order store's truth: the matcher may
// miss an order the safety scanner later catches, but it never sees an order
// the store doesn't hold as PENDING inside the band at refresh time.
package hotwindow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Entry is one cached order keyed by trigger price.
type Entry struct {
	OrderID      string
	TriggerPrice decimal.Decimal
	CreatedAt    time.Time
}

// window is the per-instrument cached band. Replaced wholesale on refresh so
// readers never observe a half-populated window.
type window struct {
	// Both slices sorted by trigger price ascending, then created_at.
	buys  []Entry
	sells []Entry

	bandCenter      decimal.Decimal
	bandMin         decimal.Decimal
	bandMax         decimal.Decimal
	lastRefreshedAt time.Time
}

// Band describes a window's metadata, for metrics and tests.
type Band struct {
	Center      decimal.Decimal
	Min         decimal.Decimal
	Max         decimal.Decimal
	RefreshedAt time.Time
}

// Cache is the hot-window cache manager.
type Cache struct {
	store        model.OrderStore
	bandWidthPct decimal.Decimal // half-width, in percent of band center
	ttl          time.Duration   // hard staleness backstop
	log          *slog.Logger

	mu      sync.RWMutex
	windows map[string]*window

	now func() time.Time // injectable clock for TTL tests
}

// New creates a cache manager. bandWidthPct is the half-width W in percent
// (5 means ±5%); ttl is the hard refresh backstop.
func New(store model.OrderStore, bandWidthPct decimal.Decimal, ttl time.Duration, log *slog.Logger) *Cache {
	return &Cache{
		store:        store,
		bandWidthPct: bandWidthPct,
		ttl:          ttl,
		log:          log,
		windows:      make(map[string]*window),
		now:          time.Now,
	}
}

// NeedsRefresh reports whether the instrument's window must be rebuilt:
// uninitialized, current price outside the band, or TTL elapsed.
func (c *Cache) NeedsRefresh(instrumentID string, price decimal.Decimal) bool {
	c.mu.RLock()
	w, ok := c.windows[instrumentID]
	c.mu.RUnlock()

	if !ok {
		return true
	}
	if price.LessThan(w.bandMin) || price.GreaterThan(w.bandMax) {
		return true
	}
	return c.now().Sub(w.lastRefreshedAt) >= c.ttl
}

// EnsureFresh refreshes the window if needed. On a failed refresh the stale
// window (if any) keeps serving — a stale-but-present cache beats an empty
// one, and the safety scanner bounds the damage.
func (c *Cache) EnsureFresh(ctx context.Context, instrumentID string, price decimal.Decimal) error {
	if !c.NeedsRefresh(instrumentID, price) {
		return nil
	}
	if err := c.Refresh(ctx, instrumentID, price); err != nil {
		c.log.Warn("hot-window refresh failed, serving stale cache",
			"instrument", instrumentID, "err", err)
		return err
	}
	return nil
}

// Refresh rebuilds the window around price: BUY orders in [price, bandMax]
// (they trigger when the price rises to meet them) and SELL orders in
// [bandMin, price] (they trigger when it falls). The new window is swapped
// in atomically.
func (c *Cache) Refresh(ctx context.Context, instrumentID string, price decimal.Decimal) error {
	halfWidth := price.Mul(c.bandWidthPct).Div(hundred)
	bandMin := price.Sub(halfWidth)
	bandMax := price.Add(halfWidth)

	buys, err := c.store.PendingBuysInRange(ctx, instrumentID, price, bandMax)
	if err != nil {
		return fmt.Errorf("refresh buys %s: %w", instrumentID, err)
	}
	sells, err := c.store.PendingSellsInRange(ctx, instrumentID, bandMin, price)
	if err != nil {
		return fmt.Errorf("refresh sells %s: %w", instrumentID, err)
	}

	w := &window{
		buys:            toEntries(buys),
		sells:           toEntries(sells),
		bandCenter:      price,
		bandMin:         bandMin,
		bandMax:         bandMax,
		lastRefreshedAt: c.now(),
	}

	c.mu.Lock()
	c.windows[instrumentID] = w
	c.mu.Unlock()

	c.log.Debug("hot-window refreshed", "instrument", instrumentID,
		"band_min", bandMin.String(), "band_max", bandMax.String(),
		"buys", len(w.buys), "sells", len(w.sells))
	return nil
}

// Insert adds a newly placed order to its instrument's window if the order
// is PENDING and its trigger price falls inside the current band. Orders
// outside the band are ignored; a later refresh will pick them up.
func (c *Cache) Insert(o *model.Order) {
	if o.Status != model.StatusPending {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[o.InstrumentID]
	if !ok {
		return
	}
	if o.TriggerPrice.LessThan(w.bandMin) || o.TriggerPrice.GreaterThan(w.bandMax) {
		return
	}

	e := Entry{OrderID: o.OrderID, TriggerPrice: o.TriggerPrice, CreatedAt: o.CreatedAt}
	switch o.Side {
	case model.SideBuy:
		w.buys = insertSorted(w.buys, e)
	case model.SideSell:
		w.sells = insertSorted(w.sells, e)
	}
}

// Remove drops an order from the window after it executed, cancelled or
// expired. Unknown IDs are a no-op.
func (c *Cache) Remove(instrumentID string, side model.Side, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[instrumentID]
	if !ok {
		return
	}
	switch side {
	case model.SideBuy:
		w.buys = removeByID(w.buys, orderID)
	case model.SideSell:
		w.sells = removeByID(w.sells, orderID)
	}
}

// BuysAtOrBelow returns cached BUY entries with trigger_price <= price —
// a bounded prefix scan of the sorted slice, not a walk of all orders.
func (c *Cache) BuysAtOrBelow(instrumentID string, price decimal.Decimal) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.windows[instrumentID]
	if !ok {
		return nil
	}
	// First entry with trigger > price; everything before it is triggered.
	i := sort.Search(len(w.buys), func(i int) bool {
		return w.buys[i].TriggerPrice.GreaterThan(price)
	})
	return append([]Entry(nil), w.buys[:i]...)
}

// SellsAtOrAbove returns cached SELL entries with trigger_price >= price —
// the suffix of the sorted slice.
func (c *Cache) SellsAtOrAbove(instrumentID string, price decimal.Decimal) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.windows[instrumentID]
	if !ok {
		return nil
	}
	i := sort.Search(len(w.sells), func(i int) bool {
		return w.sells[i].TriggerPrice.GreaterThanOrEqual(price)
	})
	return append([]Entry(nil), w.sells[i:]...)
}

// CurrentBand returns the window metadata. ok=false if uninitialized.
func (c *Cache) CurrentBand(instrumentID string) (Band, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.windows[instrumentID]
	if !ok {
		return Band{}, false
	}
	return Band{
		Center:      w.bandCenter,
		Min:         w.bandMin,
		Max:         w.bandMax,
		RefreshedAt: w.lastRefreshedAt,
	}, true
}

// Size returns the cached order counts per side.
func (c *Cache) Size(instrumentID string) (buys, sells int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.windows[instrumentID]
	if !ok {
		return 0, 0
	}
	return len(w.buys), len(w.sells)
}

func toEntries(orders []*model.Order) []Entry {
	entries := make([]Entry, 0, len(orders))
	for _, o := range orders {
		entries = append(entries, Entry{
			OrderID:      o.OrderID,
			TriggerPrice: o.TriggerPrice,
			CreatedAt:    o.CreatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })
	return entries
}

func entryLess(a, b Entry) bool {
	if cmp := a.TriggerPrice.Cmp(b.TriggerPrice); cmp != 0 {
		return cmp < 0
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func insertSorted(entries []Entry, e Entry) []Entry {
	i := sort.Search(len(entries), func(i int) bool { return entryLess(e, entries[i]) })
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func removeByID(entries []Entry, orderID string) []Entry {
	for i := range entries {
		if entries[i].OrderID == orderID {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
