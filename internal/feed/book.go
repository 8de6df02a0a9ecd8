// Package feed supplies market data to the feature adapter: a websocket
// client for live quotes and a random-walk simulator for paper mode and
// tests. Both write into the same in-memory QuoteBook.
package feed

import (
	"sync"

	"spreadbot/internal/feature"
)

// VolObserver receives index-vol marks, in vol points, for the spike guard.
type VolObserver interface {
	ObserveVol(level float64)
}

type sessionRange struct {
	high, low float64
	seen      bool
}

// QuoteBook is the engine's current view of the market. Writers are the
// feed goroutines; readers are controller ticks.
type QuoteBook struct {
	mu       sync.RWMutex
	spots    map[string]feature.Quote
	options  map[feature.OptionKey]feature.Quote
	ranges   map[string]sessionRange
	expiries map[string]string
}

func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		spots:    map[string]feature.Quote{},
		options:  map[feature.OptionKey]feature.Quote{},
		ranges:   map[string]sessionRange{},
		expiries: map[string]string{},
	}
}

func (b *QuoteBook) SetSpot(symbol string, q feature.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spots[symbol] = q

	mid := q.Mid()
	if mid <= 0 {
		return
	}
	r := b.ranges[symbol]
	if !r.seen {
		r = sessionRange{high: mid, low: mid, seen: true}
	} else {
		if mid > r.high {
			r.high = mid
		}
		if mid < r.low {
			r.low = mid
		}
	}
	b.ranges[symbol] = r
}

func (b *QuoteBook) SetOption(key feature.OptionKey, q feature.Quote) {
	b.mu.Lock()
	b.options[key] = q
	b.mu.Unlock()
}

func (b *QuoteBook) SetExpiry(symbol, expiry string) {
	b.mu.Lock()
	b.expiries[symbol] = expiry
	b.mu.Unlock()
}

func (b *QuoteBook) Spot(symbol string) (feature.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.spots[symbol]
	return q, ok
}

func (b *QuoteBook) Option(key feature.OptionKey) (feature.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.options[key]
	return q, ok
}

func (b *QuoteBook) SessionRange(symbol string) (high, low float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.ranges[symbol]
	return r.high, r.low, r.seen
}

func (b *QuoteBook) NearestExpiry(symbol string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.expiries[symbol]
	return e, ok
}
