package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy is the immutable per-bot parameter set. A change requires a new
// file version; nothing mutates a Strategy while its controller is running.
type Strategy struct {
	ID     string `yaml:"id"`
	Kind   string `yaml:"kind"` // putlite is the only implemented kind
	Symbol string `yaml:"symbol"`
	Mode   string `yaml:"mode"` // paper | live

	Filters Filters `yaml:"filters"`

	// Spread construction.
	Quantity          int     `yaml:"quantity"`
	ShortStrikeOffPct float64 `yaml:"short_strike_off_pct"` // short strike this far below spot
	WidthPoints       float64 `yaml:"width_points"`

	// Risk and exits.
	PerTradeCap     float64 `yaml:"per_trade_cap"`
	ProfitTargetPct float64 `yaml:"profit_target_pct"` // fraction of credit to capture
	TimeStopMins    int     `yaml:"time_stop_mins"`
	BreachStopRatio float64 `yaml:"breach_stop_ratio"` // spot giving back this share of the strike buffer exits

	// Optional per-bot window override inside the session window.
	WindowStart string `yaml:"window_start,omitempty"`
	WindowEnd   string `yaml:"window_end,omitempty"`
}

// Filters are the entry gates evaluated every scanning tick.
type Filters struct {
	IVRankMin    float64 `yaml:"iv_rank_min"`
	RVEMMin      float64 `yaml:"rv_em_min"`
	BandLimit    float64 `yaml:"band_limit"`    // |band position| above this is an extreme, skip
	FreshnessMs  int     `yaml:"freshness_ms"`  // quote older than this is stale
}

// StrategyFile is the versioned declarative strategy set.
type StrategyFile struct {
	Version    int        `yaml:"version"`
	Strategies []Strategy `yaml:"strategies"`
}

// LoadStrategies reads and validates the strategy file. Any invalid entry
// fails the whole load; a controller never starts with a bad config.
func LoadStrategies(path string) (StrategyFile, error) {
	var f StrategyFile
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read strategies: %w", err)
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse strategies: %w", err)
	}
	if f.Version <= 0 {
		return f, fmt.Errorf("strategies: version must be positive")
	}
	if len(f.Strategies) == 0 {
		return f, fmt.Errorf("strategies: empty strategy list")
	}
	seen := map[string]bool{}
	for i := range f.Strategies {
		s := &f.Strategies[i]
		applyStrategyDefaults(s)
		if err := s.Validate(); err != nil {
			return f, fmt.Errorf("strategies[%d] %q: %w", i, s.ID, err)
		}
		if seen[s.ID] {
			return f, fmt.Errorf("strategies: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return f, nil
}

func applyStrategyDefaults(s *Strategy) {
	if s.Kind == "" {
		s.Kind = "putlite"
	}
	if s.Mode == "" {
		s.Mode = "paper"
	}
	if s.Quantity == 0 {
		s.Quantity = 1
	}
	if s.ProfitTargetPct == 0 {
		s.ProfitTargetPct = 0.55
	}
	if s.TimeStopMins == 0 {
		s.TimeStopMins = 120
	}
	if s.BreachStopRatio == 0 {
		s.BreachStopRatio = 0.5
	}
	if s.Filters.FreshnessMs == 0 {
		s.Filters.FreshnessMs = 5000
	}
	if s.Filters.BandLimit == 0 {
		s.Filters.BandLimit = 1.0
	}
}

func (s Strategy) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("missing id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if s.Kind != "putlite" {
		return fmt.Errorf("unsupported kind %q: only putlite is implemented", s.Kind)
	}
	if s.Mode != "paper" && s.Mode != "live" {
		return fmt.Errorf("mode must be paper or live, got %q", s.Mode)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if s.ShortStrikeOffPct <= 0 || s.ShortStrikeOffPct >= 0.5 {
		return fmt.Errorf("short_strike_off_pct must be in (0, 0.5)")
	}
	if s.WidthPoints <= 0 {
		return fmt.Errorf("width_points must be positive")
	}
	if s.PerTradeCap <= 0 {
		return fmt.Errorf("per_trade_cap must be positive")
	}
	if s.ProfitTargetPct <= 0 || s.ProfitTargetPct >= 1 {
		return fmt.Errorf("profit_target_pct must be in (0, 1)")
	}
	if s.TimeStopMins <= 0 {
		return fmt.Errorf("time_stop_mins must be positive")
	}
	if s.BreachStopRatio <= 0 || s.BreachStopRatio > 1 {
		return fmt.Errorf("breach_stop_ratio must be in (0, 1]")
	}
	if s.Filters.IVRankMin < 0 || s.Filters.IVRankMin > 100 {
		return fmt.Errorf("iv_rank_min must be in [0, 100]")
	}
	if s.Filters.RVEMMin < 0 {
		return fmt.Errorf("rv_em_min must be >= 0")
	}
	if s.Filters.FreshnessMs <= 0 {
		return fmt.Errorf("freshness_ms must be positive")
	}
	if (s.WindowStart == "") != (s.WindowEnd == "") {
		return fmt.Errorf("window_start and window_end must be set together")
	}
	if s.WindowStart != "" {
		ws, err := parseClock(s.WindowStart)
		if err != nil {
			return fmt.Errorf("window_start: %w", err)
		}
		we, err := parseClock(s.WindowEnd)
		if err != nil {
			return fmt.Errorf("window_end: %w", err)
		}
		if !ws.Before(we) {
			return fmt.Errorf("window_start must be before window_end")
		}
	}
	return nil
}
