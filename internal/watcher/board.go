package watcher

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Board tracks the last observed price per instrument. It exists so the
// watcher can tell real movement from a repeat of the same value, and it is
// shared read-only with the health endpoint.
type Board struct {
	mu    sync.RWMutex
	last  map[string]decimal.Decimal
	moved map[string]int64 // movement count per instrument, diagnostics only
}

func NewBoard() *Board {
	return &Board{
		last:  make(map[string]decimal.Decimal),
		moved: make(map[string]int64),
	}
}

// Last returns the last observed price. ok=false before the first tick.
func (b *Board) Last(instrumentID string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.last[instrumentID]
	return p, ok
}

// Observe records price and reports whether it moved beyond thresholdPct
// relative to the previous observation. The very first observation of an
// instrument always counts as movement.
func (b *Board) Observe(instrumentID string, price, thresholdPct decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, seen := b.last[instrumentID]
	b.last[instrumentID] = price
	if !seen {
		b.moved[instrumentID]++
		return true
	}
	if prev.IsZero() {
		moved := !price.IsZero()
		if moved {
			b.moved[instrumentID]++
		}
		return moved
	}

	changePct := price.Sub(prev).Abs().Div(prev).Mul(hundred)
	if changePct.GreaterThanOrEqual(thresholdPct) {
		b.moved[instrumentID]++
		return true
	}
	return false
}

// Snapshot returns a copy of all last observed prices.
func (b *Board) Snapshot() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.last))
	for k, v := range b.last {
		out[k] = v
	}
	return out
}

// SnapshotStrings is Snapshot rendered for the health endpoint.
func (b *Board) SnapshotStrings() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.last))
	for k, v := range b.last {
		out[k] = v.String()
	}
	return out
}
