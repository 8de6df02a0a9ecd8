package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"spreadbot/internal/config"
	"spreadbot/internal/feature"
)

func baseFilters() config.Filters {
	return config.Filters{
		IVRankMin:   30,
		RVEMMin:     0.4,
		BandLimit:   1.0,
		FreshnessMs: 5000,
	}
}

func baseSnapshot() feature.Snapshot {
	return feature.Snapshot{
		Timestamp:    time.Now(),
		Symbol:       "SPY",
		Spot:         500,
		IVRank:       55,
		RVvsEM:       0.8,
		BandPosition: 0.2,
		QuoteAge:     100 * time.Millisecond,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*feature.Snapshot, *config.Filters)
		wantOK  bool
		wantWhy string
	}{
		{
			name:   "all gates pass",
			mutate: func(s *feature.Snapshot, f *config.Filters) {},
			wantOK: true,
		},
		{
			name: "blackout rejects",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.BlackoutActive = true
				s.BlackoutReason = "fomc_blackout"
			},
			wantWhy: ReasonBlackout,
		},
		{
			name: "blackout wins over stale data",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.BlackoutActive = true
				s.Spot = 0
				s.QuoteAge = feature.NoQuoteAge
			},
			wantWhy: ReasonBlackout,
		},
		{
			name: "no spot at all",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.Spot = 0
				s.QuoteAge = feature.NoQuoteAge
			},
			wantWhy: ReasonStaleData,
		},
		{
			name: "quote older than freshness budget",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.QuoteAge = 6 * time.Second
			},
			wantWhy: ReasonStaleData,
		},
		{
			name: "quote exactly at freshness budget passes",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.QuoteAge = 5 * time.Second
			},
			wantOK: true,
		},
		{
			name: "iv rank not yet computed",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.IVRank = -1
			},
			wantWhy: ReasonStaleData,
		},
		{
			name: "rv/em not yet computed",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.RVvsEM = -1
			},
			wantWhy: ReasonStaleData,
		},
		{
			name: "iv rank below minimum",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.IVRank = 29.9
			},
			wantWhy: ReasonIVRankLow,
		},
		{
			name: "rv/em below minimum",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.RVvsEM = 0.39
			},
			wantWhy: ReasonRVEMLow,
		},
		{
			name: "band extreme on the downside",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.BandPosition = -1.2
			},
			wantWhy: ReasonBandExtreme,
		},
		{
			name: "band extreme on the upside",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.BandPosition = 1.2
			},
			wantWhy: ReasonBandExtreme,
		},
		{
			name: "band gate disabled by zero limit",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				f.BandLimit = 0
				s.BandPosition = 3
			},
			wantOK: true,
		},
		{
			name: "iv gate checked before rv gate",
			mutate: func(s *feature.Snapshot, f *config.Filters) {
				s.IVRank = 10
				s.RVvsEM = 0.1
			},
			wantWhy: ReasonIVRankLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, filters := baseSnapshot(), baseFilters()
			tt.mutate(&snap, &filters)
			v := Evaluate(snap, filters)
			assert.Equal(t, tt.wantOK, v.Pass)
			assert.Equal(t, tt.wantWhy, v.Reason)
		})
	}
}

// The same snapshot must always produce the same verdict: the filter engine
// holds no state between calls.
func TestEvaluateIsDeterministic(t *testing.T) {
	snap, filters := baseSnapshot(), baseFilters()
	first := Evaluate(snap, filters)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Evaluate(snap, filters))
	}
}
