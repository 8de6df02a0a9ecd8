// Package feature normalizes raw market inputs into the per-tick snapshot
// the filter engine consumes. Snapshots are immutable and recomputed every
// tick; they are never persisted except through telemetry.
package feature

import (
	"math"
	"sort"
	"sync"
	"time"

	"spreadbot/internal/calendar"
)

// Right is an option right.
type Right string

const (
	RightPut  Right = "P"
	RightCall Right = "C"
)

// OptionKey identifies one option quote in a chain.
type OptionKey struct {
	Symbol string
	Right  Right
	Strike float64
	Expiry string // YYYYMMDD
}

// Quote is a normalized two-sided quote.
type Quote struct {
	Bid  float64
	Ask  float64
	Last float64
	At   time.Time
}

// Mid returns the midpoint, falling back to last when one side is missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// TwoSided reports whether both sides are quoted.
func (q Quote) TwoSided() bool { return q.Bid > 0 && q.Ask > 0 }

// QuoteSource is the read side of the market data feed.
type QuoteSource interface {
	Spot(symbol string) (Quote, bool)
	Option(key OptionKey) (Quote, bool)
	SessionRange(symbol string) (high, low float64, ok bool)
	NearestExpiry(symbol string) (string, bool)
}

// NoQuoteAge marks a snapshot whose underlying had no quote at all.
const NoQuoteAge = time.Duration(math.MaxInt64)

// Snapshot is the feature vector for one symbol at one tick.
type Snapshot struct {
	Timestamp      time.Time
	Symbol         string
	Spot           float64
	IVRank         float64 // [0,100]; negative when unknown
	RVvsEM         float64 // realized range vs expected move; negative when unknown
	BandPosition   float64 // distance from estimated VWAP in band-sigma units
	BlackoutActive bool
	BlackoutReason string
	QuoteAge       time.Duration
}

// Adapter computes snapshots from a quote source and the blackout calendar.
// IV observations accumulate over the session to support the rank
// percentile; everything else is derived fresh per tick.
type Adapter struct {
	src QuoteSource
	cal *calendar.Calendar

	mu     sync.Mutex
	ivHist map[string][]float64
}

func NewAdapter(src QuoteSource, cal *calendar.Calendar) *Adapter {
	return &Adapter{src: src, cal: cal, ivHist: map[string][]float64{}}
}

// NearestExpiry passes through the feed's front expiry for symbol, used by
// strategies to build tradeable legs.
func (a *Adapter) NearestExpiry(symbol string) (string, bool) {
	return a.src.NearestExpiry(symbol)
}

// ObserveIV records an implied-vol mark for the rank percentile. The feed
// calls this as ATM vol updates arrive.
func (a *Adapter) ObserveIV(symbol string, iv float64) {
	if iv <= 0 {
		return
	}
	a.mu.Lock()
	a.ivHist[symbol] = append(a.ivHist[symbol], iv)
	a.mu.Unlock()
}

// Snapshot builds the feature vector for symbol at now. It never fails:
// missing data is encoded in the snapshot (NoQuoteAge, negative ranks) and
// left to the filter engine to reject.
func (a *Adapter) Snapshot(symbol string, now time.Time) Snapshot {
	snap := Snapshot{
		Timestamp: now,
		Symbol:    symbol,
		IVRank:    -1,
		RVvsEM:    -1,
		QuoteAge:  NoQuoteAge,
	}
	if a.cal != nil {
		snap.BlackoutActive, snap.BlackoutReason = a.cal.Active(symbol, now)
	}

	spot, ok := a.src.Spot(symbol)
	if !ok || spot.Mid() <= 0 {
		return snap
	}
	snap.Spot = spot.Mid()
	snap.QuoteAge = now.Sub(spot.At)
	if snap.QuoteAge < 0 {
		snap.QuoteAge = 0
	}

	snap.IVRank = a.ivRank(symbol)

	if em := a.expectedMove(symbol, snap.Spot); em > 0 {
		if high, low, ok := a.src.SessionRange(symbol); ok && high > low {
			snap.RVvsEM = (high - low) / em
		}
	}

	snap.BandPosition = bandPosition(a.src, symbol, snap.Spot)
	return snap
}

// ivRank is the percentile of the latest IV mark against the session
// history. Needs a handful of observations before it reports anything.
func (a *Adapter) ivRank(symbol string) float64 {
	a.mu.Lock()
	hist := a.ivHist[symbol]
	a.mu.Unlock()

	if len(hist) < 5 {
		return -1
	}
	latest := hist[len(hist)-1]
	sorted := make([]float64, len(hist))
	copy(sorted, hist)
	sort.Float64s(sorted)
	below := sort.SearchFloat64s(sorted, latest)
	return 100 * float64(below) / float64(len(sorted)-1)
}

// expectedMove estimates the market-implied move from the ATM straddle mid,
// the standard chain-based estimate.
func (a *Adapter) expectedMove(symbol string, spot float64) float64 {
	expiry, ok := a.src.NearestExpiry(symbol)
	if !ok {
		return 0
	}
	strike := math.Round(spot)
	put, okP := a.src.Option(OptionKey{Symbol: symbol, Right: RightPut, Strike: strike, Expiry: expiry})
	call, okC := a.src.Option(OptionKey{Symbol: symbol, Right: RightCall, Strike: strike, Expiry: expiry})
	if !okP || !okC {
		return 0
	}
	em := put.Mid() + call.Mid()
	if em <= 0 {
		return 0
	}
	return em
}

// bandPosition places spot inside estimated intraday VWAP bands, in sigma
// units. VWAP is approximated as (high+low+spot)/3 and sigma as a quarter of
// the session range, the same coarse proxies the upstream dashboards use.
func bandPosition(src QuoteSource, symbol string, spot float64) float64 {
	high, low, ok := src.SessionRange(symbol)
	if !ok || high <= low {
		return 0
	}
	vwap := (high + low + spot) / 3
	sigma := (high - low) / 4
	if sigma <= 0 {
		return 0
	}
	return (spot - vwap) / sigma
}
