// Package matcher computes the exact set of cached orders whose trigger
// condition is satisfied at the current price. It reads only the hot-window
// cache; correctness against the store is the executor's job.
package matcher

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"matching-enginev1/internal/hotwindow"
	"matching-enginev1/internal/model"
)

// Candidate is one triggered order, ready to hand to the executor.
type Candidate struct {
	OrderID      string
	InstrumentID string
	Side         model.Side
	TriggerPrice decimal.Decimal
	CreatedAt    time.Time
}

// Matcher evaluates the trigger predicate over the hot-window cache.
type Matcher struct {
	cache *hotwindow.Cache
}

// New creates a Matcher over the given cache.
func New(cache *hotwindow.Cache) *Matcher {
	return &Matcher{cache: cache}
}

// Match returns the triggered orders for an instrument at the given price:
// cached BUY entries with trigger_price <= price and SELL entries with
// trigger_price >= price. Results are sorted by creation time ascending so
// older orders are always executed first, including on trigger-price ties.
func (m *Matcher) Match(instrumentID string, price decimal.Decimal) []Candidate {
	buys := m.cache.BuysAtOrBelow(instrumentID, price)
	sells := m.cache.SellsAtOrAbove(instrumentID, price)

	out := make([]Candidate, 0, len(buys)+len(sells))
	for _, e := range buys {
		out = append(out, candidate(e, instrumentID, model.SideBuy))
	}
	for _, e := range sells {
		out = append(out, candidate(e, instrumentID, model.SideSell))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

func candidate(e hotwindow.Entry, instrumentID string, side model.Side) Candidate {
	return Candidate{
		OrderID:      e.OrderID,
		InstrumentID: instrumentID,
		Side:         side,
		TriggerPrice: e.TriggerPrice,
		CreatedAt:    e.CreatedAt,
	}
}
