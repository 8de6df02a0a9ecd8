package calendar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestActiveWindows(t *testing.T) {
	fomc := Window{
		Kind:  KindFOMC,
		Start: mustTime(t, "2026-09-16T13:30:00-04:00"),
		End:   mustTime(t, "2026-09-16T15:30:00-04:00"),
	}
	earnings := Window{
		Kind:   KindEarnings,
		Symbol: "NVDA",
		Start:  mustTime(t, "2026-08-26T09:30:00-04:00"),
		End:    mustTime(t, "2026-08-27T16:00:00-04:00"),
	}
	cal := New(fomc, earnings)

	tests := []struct {
		name   string
		symbol string
		at     time.Time
		active bool
		reason string
	}{
		{"before fomc", "SPY", fomc.Start.Add(-time.Minute), false, ""},
		{"inside fomc, market wide", "SPY", fomc.Start.Add(time.Hour), true, "fomc_blackout"},
		{"window start is inclusive", "SPY", fomc.Start, true, "fomc_blackout"},
		{"window end is exclusive", "SPY", fomc.End, false, ""},
		{"earnings hits the named symbol", "NVDA", earnings.Start.Add(time.Hour), true, "earnings_blackout"},
		{"earnings symbol match is case insensitive", "nvda", earnings.Start.Add(time.Hour), true, "earnings_blackout"},
		{"earnings spares other symbols", "SPY", earnings.Start.Add(time.Hour), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, reason := cal.Active(tt.symbol, tt.at)
			assert.Equal(t, tt.active, active)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestManualBlackoutOverridesEverything(t *testing.T) {
	cal := New()
	active, _ := cal.Active("SPY", time.Now())
	require.False(t, active)

	cal.SetManualBlackout(true)
	active, reason := cal.Active("SPY", time.Now())
	assert.True(t, active)
	assert.Equal(t, "manual_blackout", reason)

	cal.SetManualBlackout(false)
	active, _ = cal.Active("SPY", time.Now())
	assert.False(t, active)
}

func TestLoadFiltersKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
windows:
  - kind: FOMC
    start: 2026-09-16T13:30:00-04:00
    end: 2026-09-16T15:30:00-04:00
  - kind: CPI
    start: 2026-09-11T08:00:00-04:00
    end: 2026-09-11T10:00:00-04:00
`), 0o644))

	// Only FOMC enabled: the CPI window must not fire.
	cal, err := Load(path, []string{"fomc"})
	require.NoError(t, err)

	active, reason := cal.Active("SPY", mustTime(t, "2026-09-16T14:00:00-04:00"))
	assert.True(t, active)
	assert.Equal(t, "fomc_blackout", reason)

	active, _ = cal.Active("SPY", mustTime(t, "2026-09-11T09:00:00-04:00"))
	assert.False(t, active)

	// Empty kinds list enables everything.
	cal, err = Load(path, nil)
	require.NoError(t, err)
	active, _ = cal.Active("SPY", mustTime(t, "2026-09-11T09:00:00-04:00"))
	assert.True(t, active)
}

func TestLoadRejectsInvalidWindows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
windows:
  - kind: FOMC
    start: 2026-09-16T15:30:00-04:00
    end: 2026-09-16T13:30:00-04:00
`), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
}
