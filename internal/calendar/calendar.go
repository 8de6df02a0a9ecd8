// Package calendar gates entries around scheduled macro releases and
// earnings. The engine treats it as read-only collaborator data: windows are
// loaded once at session start from a yaml file maintained outside the
// engine.
package calendar

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindFOMC     Kind = "FOMC"
	KindCPI      Kind = "CPI"
	KindNFP      Kind = "NFP"
	KindEarnings Kind = "EARNINGS"
)

// Window is one blackout interval. Symbol is empty for market-wide events
// (FOMC/CPI/NFP) and set for earnings.
type Window struct {
	Kind   Kind      `yaml:"kind"`
	Symbol string    `yaml:"symbol,omitempty"`
	Start  time.Time `yaml:"start"`
	End    time.Time `yaml:"end"`
	Note   string    `yaml:"note,omitempty"`
}

type file struct {
	Windows []Window `yaml:"windows"`
}

// Calendar answers "is entry forbidden right now". Concurrent reads are safe;
// the only mutation after load is the manual override toggle.
type Calendar struct {
	mu      sync.RWMutex
	windows []Window
	enabled map[Kind]bool
	manual  bool
}

// Load reads the blackout file and enables the given kinds. An empty kinds
// list enables everything in the file.
func Load(path string, kinds []string) (*Calendar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	for i, w := range f.Windows {
		if w.Kind == "" || !w.End.After(w.Start) {
			return nil, fmt.Errorf("calendar: window %d invalid", i)
		}
	}
	enabled := map[Kind]bool{}
	for _, k := range kinds {
		enabled[Kind(strings.ToUpper(k))] = true
	}
	return &Calendar{windows: f.Windows, enabled: enabled}, nil
}

// New builds an in-memory calendar, used by tests and the sim feed.
func New(windows ...Window) *Calendar {
	return &Calendar{windows: windows, enabled: map[Kind]bool{}}
}

// SetManualBlackout flips the operator override that blocks all entries.
func (c *Calendar) SetManualBlackout(on bool) {
	c.mu.Lock()
	c.manual = on
	c.mu.Unlock()
}

func (c *Calendar) kindEnabled(k Kind) bool {
	if len(c.enabled) == 0 {
		return true
	}
	return c.enabled[k]
}

// Active reports whether a blackout applies to symbol at the given instant,
// and the reason string telemetry should carry.
func (c *Calendar) Active(symbol string, at time.Time) (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.manual {
		return true, "manual_blackout"
	}
	for _, w := range c.windows {
		if !c.kindEnabled(w.Kind) {
			continue
		}
		if w.Symbol != "" && !strings.EqualFold(w.Symbol, symbol) {
			continue
		}
		if !at.Before(w.Start) && at.Before(w.End) {
			return true, strings.ToLower(string(w.Kind)) + "_blackout"
		}
	}
	return false, ""
}
