package feed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"spreadbot/internal/feature"
	"spreadbot/internal/observ"
)

// SimFeed drives the book with a seeded random walk, standing in for the
// websocket stream in paper mode and tests. The walk is deterministic for a
// given seed so paper sessions replay identically.
type SimFeed struct {
	book    *QuoteBook
	adapter *feature.Adapter
	volObs  VolObserver
	rng     *rand.Rand

	symbol   string
	spot     float64
	iv       float64 // annualized ATM vol, e.g. 0.18
	expiry   string
	interval time.Duration
}

func NewSimFeed(book *QuoteBook, adapter *feature.Adapter, symbol string, basePrice float64, seed int64, interval time.Duration) *SimFeed {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimFeed{
		book:     book,
		adapter:  adapter,
		rng:      rand.New(rand.NewSource(seed)),
		symbol:   symbol,
		spot:     basePrice,
		iv:       0.18,
		expiry:   time.Now().Format("20060102"),
		interval: interval,
	}
}

// SetVolObserver routes the walk's vol marks to the spike guard.
func (s *SimFeed) SetVolObserver(o VolObserver) { s.volObs = o }

// Run publishes until ctx is cancelled. The first step happens immediately
// so controllers see quotes on their first tick.
func (s *SimFeed) Run(ctx context.Context) {
	observ.Log("sim_feed_start", map[string]any{"symbol": s.symbol, "spot": s.spot})
	s.Step(time.Now())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Step advances the walk one tick and publishes spot, a strike ladder around
// spot and the ATM vol mark.
func (s *SimFeed) Step(now time.Time) {
	// Per-tick drift scaled so a 5s cadence produces a plausible 0DTE range.
	s.spot *= 1 + s.rng.NormFloat64()*0.0004
	s.iv = clamp(s.iv*(1+s.rng.NormFloat64()*0.01), 0.08, 0.80)

	spread := s.spot * 0.0002
	s.book.SetSpot(s.symbol, feature.Quote{
		Bid: s.spot - spread/2, Ask: s.spot + spread/2, Last: s.spot, At: now,
	})
	s.book.SetExpiry(s.symbol, s.expiry)
	if s.adapter != nil {
		s.adapter.ObserveIV(s.symbol, s.iv)
	}
	if s.volObs != nil {
		s.volObs.ObserveVol(s.iv * 100)
	}

	atm := math.Round(s.spot)
	for k := atm - 15; k <= atm+15; k++ {
		s.publishOption(feature.RightPut, k, now)
		s.publishOption(feature.RightCall, k, now)
	}
}

// publishOption prices one strike with intrinsic value plus a time value
// that decays with distance from the money.
func (s *SimFeed) publishOption(right feature.Right, strike float64, now time.Time) {
	intrinsic := 0.0
	if right == feature.RightPut && strike > s.spot {
		intrinsic = strike - s.spot
	}
	if right == feature.RightCall && strike < s.spot {
		intrinsic = s.spot - strike
	}

	scale := s.iv * s.spot * 0.06
	if scale < 0.5 {
		scale = 0.5
	}
	timeValue := scale * math.Exp(-math.Abs(strike-s.spot)/scale)
	price := intrinsic + timeValue
	if price < 0.05 {
		price = 0.05
	}

	half := math.Max(0.01, price*0.02)
	s.book.SetOption(feature.OptionKey{
		Symbol: s.symbol, Right: right, Strike: strike, Expiry: s.expiry,
	}, feature.Quote{Bid: price - half, Ask: price + half, Last: price, At: now})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
