// Package regime is the entry filter engine: a pure function from a feature
// snapshot and a strategy's filter thresholds to a pass/reject verdict.
// Nothing here touches the clock, the network, or any shared state, which is
// what makes the entry decision replayable in tests.
package regime

import (
	"time"

	"spreadbot/internal/config"
	"spreadbot/internal/feature"
)

// Reject reasons, stable strings carried into telemetry.
const (
	ReasonBlackout    = "blackout"
	ReasonStaleData   = "stale-data"
	ReasonIVRankLow   = "iv_rank_below_min"
	ReasonRVEMLow     = "rv_em_below_min"
	ReasonBandExtreme = "band_position_extreme"
)

// Verdict is the filter outcome. Reason is empty on a pass.
type Verdict struct {
	Pass   bool
	Reason string
}

func pass() Verdict           { return Verdict{Pass: true} }
func reject(r string) Verdict { return Verdict{Reason: r} }

// Evaluate applies the entry gates in a fixed order. Blackout wins over
// everything else; missing or stale market data is an ordinary rejection,
// never an error that could abort a tick.
func Evaluate(snap feature.Snapshot, f config.Filters) Verdict {
	if snap.BlackoutActive {
		return reject(ReasonBlackout)
	}

	freshness := time.Duration(f.FreshnessMs) * time.Millisecond
	if snap.Spot <= 0 || snap.QuoteAge == feature.NoQuoteAge || snap.QuoteAge > freshness {
		return reject(ReasonStaleData)
	}
	// IV rank and the RV/EM ratio are inputs, not opinions: if the feed has
	// not produced them yet, the data is not good enough to trade on.
	if snap.IVRank < 0 || snap.RVvsEM < 0 {
		return reject(ReasonStaleData)
	}

	if snap.IVRank < f.IVRankMin {
		return reject(ReasonIVRankLow)
	}
	if snap.RVvsEM < f.RVEMMin {
		return reject(ReasonRVEMLow)
	}
	if f.BandLimit > 0 && abs(snap.BandPosition) > f.BandLimit {
		return reject(ReasonBandExtreme)
	}
	return pass()
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
