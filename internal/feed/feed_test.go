package feed

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadbot/internal/feature"
)

func TestQuoteBookTracksSessionRange(t *testing.T) {
	b := NewQuoteBook()

	_, _, ok := b.SessionRange("SPY")
	require.False(t, ok)

	now := time.Now()
	for _, mid := range []float64{100, 101.5, 99.2, 100.4} {
		b.SetSpot("SPY", feature.Quote{Bid: mid - 0.05, Ask: mid + 0.05, At: now})
	}

	high, low, ok := b.SessionRange("SPY")
	require.True(t, ok)
	assert.InDelta(t, 101.5, high, 1e-9)
	assert.InDelta(t, 99.2, low, 1e-9)

	q, ok := b.Spot("SPY")
	require.True(t, ok)
	assert.InDelta(t, 100.4, q.Mid(), 1e-9)
}

func TestQuoteBookOptionsAndExpiry(t *testing.T) {
	b := NewQuoteBook()
	key := feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 99, Expiry: "20260825"}

	_, ok := b.Option(key)
	require.False(t, ok)
	_, ok = b.NearestExpiry("SPY")
	require.False(t, ok)

	b.SetOption(key, feature.Quote{Bid: 0.45, Ask: 0.55})
	b.SetExpiry("SPY", "20260825")

	q, ok := b.Option(key)
	require.True(t, ok)
	assert.InDelta(t, 0.5, q.Mid(), 1e-9)

	exp, ok := b.NearestExpiry("SPY")
	require.True(t, ok)
	assert.Equal(t, "20260825", exp)
}

type volRecorder struct{ marks []float64 }

func (v *volRecorder) ObserveVol(level float64) { v.marks = append(v.marks, level) }

func TestSimFeedPublishesTradableChain(t *testing.T) {
	b := NewQuoteBook()
	a := feature.NewAdapter(b, nil)
	vols := &volRecorder{}

	sim := NewSimFeed(b, a, "SPY", 500, 7, time.Second)
	sim.SetVolObserver(vols)
	now := time.Now()
	for i := 0; i < 6; i++ {
		sim.Step(now.Add(time.Duration(i) * time.Second))
	}

	spot, ok := b.Spot("SPY")
	require.True(t, ok)
	require.True(t, spot.TwoSided())
	assert.InDelta(t, 500, spot.Mid(), 25)

	expiry, ok := b.NearestExpiry("SPY")
	require.True(t, ok)

	// The ladder must cover the ATM strike for the straddle estimate and
	// strikes below for put spreads.
	atm := math.Round(spot.Mid())
	for _, strike := range []float64{atm, atm - 5, atm - 10} {
		q, ok := b.Option(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: strike, Expiry: expiry})
		require.True(t, ok, "missing put at %v", strike)
		assert.True(t, q.TwoSided())
		assert.Positive(t, q.Bid)
	}
	q, ok := b.Option(feature.OptionKey{Symbol: "SPY", Right: feature.RightCall, Strike: atm, Expiry: expiry})
	require.True(t, ok)
	assert.True(t, q.TwoSided())

	assert.Len(t, vols.marks, 6)

	// Six steps also means the adapter has enough IV history for a rank.
	snap := a.Snapshot("SPY", now.Add(6*time.Second))
	assert.GreaterOrEqual(t, snap.IVRank, 0.0)
}

func TestSimFeedIsDeterministicPerSeed(t *testing.T) {
	run := func(seed int64) float64 {
		b := NewQuoteBook()
		sim := NewSimFeed(b, nil, "SPY", 500, seed, time.Second)
		now := time.Now()
		for i := 0; i < 20; i++ {
			sim.Step(now)
		}
		q, _ := b.Spot("SPY")
		return q.Mid()
	}

	assert.Equal(t, run(42), run(42))
	assert.NotEqual(t, run(42), run(43))
}
