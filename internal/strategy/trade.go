package strategy

import (
	"math"
	"time"

	"github.com/google/uuid"

	"spreadbot/internal/broker"
	"spreadbot/internal/config"
)

// TradeStatus tracks a trade from entry submission to close.
type TradeStatus string

const (
	TradeEntering TradeStatus = "entering"
	TradeOpen     TradeStatus = "open"
	TradeExiting  TradeStatus = "exiting"
	TradeClosed   TradeStatus = "closed"
	TradeFailed   TradeStatus = "failed"
)

// Trade is one credit-spread round trip. A trade references at most one
// active order at a time; the controller enforces that by construction.
type Trade struct {
	ID           string
	StrategyID   string
	Legs         []broker.Leg
	Quantity     int
	EntryOrderID string
	ExitOrderID  string
	EntryCredit  float64 // per combo, positive
	ExitNet      float64 // per combo, signed (negative debit)
	ShortStrike  float64
	LongStrike   float64
	EntrySpot    float64
	OpenedAt     time.Time
	Status       TradeStatus
}

// RealizedPnL is the dollar P&L after the exit fill.
func (t *Trade) RealizedPnL() float64 {
	return (t.EntryCredit + t.ExitNet) * 100 * float64(t.Quantity)
}

// buildSpread constructs the bull put spread legs for the strategy at the
// given spot: short strike a configured percentage below spot, long strike
// one width further down. Strikes round to whole points, the convention for
// the index products these bots trade.
func buildSpread(cfg config.Strategy, spot float64, expiry string) (short, long broker.Leg) {
	shortStrike := math.Floor(spot * (1 - cfg.ShortStrikeOffPct))
	longStrike := shortStrike - cfg.WidthPoints
	short = broker.Leg{
		Symbol: cfg.Symbol, Right: "P", Strike: shortStrike, Expiry: expiry,
		Action: broker.Sell, Ratio: 1,
	}
	long = broker.Leg{
		Symbol: cfg.Symbol, Right: "P", Strike: longStrike, Expiry: expiry,
		Action: broker.Buy, Ratio: 1,
	}
	return short, long
}

// closingLegs reverses every leg action to flatten the structure.
func closingLegs(legs []broker.Leg) []broker.Leg {
	out := make([]broker.Leg, len(legs))
	for i, leg := range legs {
		leg.Action = leg.Action.Opposite()
		out[i] = leg
	}
	return out
}

func newTrade(cfg config.Strategy, short, long broker.Leg, spot float64) *Trade {
	return &Trade{
		ID:          uuid.NewString(),
		StrategyID:  cfg.ID,
		Legs:        []broker.Leg{short, long},
		Quantity:    cfg.Quantity,
		ShortStrike: short.Strike,
		LongStrike:  long.Strike,
		EntrySpot:   spot,
		Status:      TradeEntering,
	}
}
