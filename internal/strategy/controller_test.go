package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadbot/internal/broker"
	"spreadbot/internal/config"
	"spreadbot/internal/exec"
	"spreadbot/internal/feature"
	"spreadbot/internal/feed"
	"spreadbot/internal/risk"
)

const testExpiry = "20260825"

type harness struct {
	book     *feed.QuoteBook
	paper    *broker.Paper
	ledger   *risk.Ledger
	features *feature.Adapter
	ctrl     *Controller
}

func testStrategy() config.Strategy {
	return config.Strategy{
		ID:                "bot-a",
		Kind:              "putlite",
		Symbol:            "SPY",
		Mode:              "paper",
		Quantity:          1,
		ShortStrikeOffPct: 0.01,
		WidthPoints:       5,
		PerTradeCap:       500,
		ProfitTargetPct:   0.55,
		TimeStopMins:      120,
		BreachStopRatio:   0.5,
		Filters:           config.Filters{FreshnessMs: 5000},
	}
}

func fastExecConfig() config.ExecConfig {
	return config.ExecConfig{
		RequoteInterval: 5 * time.Millisecond,
		RequoteStep:     0.01,
		MaxAttempts:     2,
		OrderTimeout:    20 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		ReconnectMin:    time.Millisecond,
		ReconnectMax:    2 * time.Millisecond,
		MaxReconnects:   2,
	}
}

// newHarness wires a controller against the paper broker over a book quoted
// so that every entry gate passes: spot 100, a 99/94 put spread with a
// zero-spread 0.50 credit market, and enough IV history for a rank.
func newHarness(t *testing.T, cfg config.Strategy) *harness {
	t.Helper()

	book := feed.NewQuoteBook()
	now := time.Now()
	for _, mid := range []float64{99.5, 100.5, 100} {
		book.SetSpot("SPY", feature.Quote{Bid: mid, Ask: mid, At: now})
	}
	book.SetExpiry("SPY", testExpiry)
	// ATM straddle for the expected-move estimate.
	for _, right := range []feature.Right{feature.RightPut, feature.RightCall} {
		book.SetOption(feature.OptionKey{Symbol: "SPY", Right: right, Strike: 100, Expiry: testExpiry},
			feature.Quote{Bid: 0.45, Ask: 0.55, At: now})
	}
	setSpreadQuotes(book, 1.00, 0.50)

	features := feature.NewAdapter(book, nil)
	for _, iv := range []float64{0.14, 0.15, 0.16, 0.17, 0.18} {
		features.ObserveIV("SPY", iv)
	}

	paper := broker.NewPaper(book, time.Millisecond)
	require.NoError(t, paper.Connect(context.Background()))

	ledger := risk.NewLedger(config.RiskConfig{DailyLossCap: 2000, PerTradeCap: 500}, "2026-08-25", nil)
	mgr := exec.NewManager(paper, fastExecConfig(), "2026-08-25", nil)

	ctrl := NewController(cfg, Deps{
		Ledger:    ledger,
		Exec:      mgr,
		Features:  features,
		Sink:      nil,
		SessionID: "2026-08-25",
		Location:  time.UTC,
	})
	return &harness{book: book, paper: paper, ledger: ledger, features: features, ctrl: ctrl}
}

// setSpreadQuotes quotes both spread strikes with zero spread so a
// midpoint-anchored order fills on the first attempt.
func setSpreadQuotes(book *feed.QuoteBook, shortMid, longMid float64) {
	now := time.Now()
	book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 99, Expiry: testExpiry},
		feature.Quote{Bid: shortMid, Ask: shortMid, At: now})
	book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 94, Expiry: testExpiry},
		feature.Quote{Bid: longMid, Ask: longMid, At: now})
}

func tickUntil(t *testing.T, c *Controller, want State, now func() time.Time) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		c.Tick(context.Background(), now())
		return c.State() == want
	}, 3*time.Second, 2*time.Millisecond, "controller never reached %s (stuck at %s)", want, c.State())
}

func openTrade(t *testing.T, h *harness) {
	t.Helper()
	tickUntil(t, h.ctrl, StateScanning, time.Now)
	tickUntil(t, h.ctrl, StateEntering, time.Now)
	tickUntil(t, h.ctrl, StateMonitoring, time.Now)
}

func TestControllerRoundTripOnProfitTarget(t *testing.T) {
	h := newHarness(t, testStrategy())
	openTrade(t, h)

	st := h.ledger.Snapshot()
	// Width 5 less the 0.50 credit, one contract.
	assert.InDelta(t, 450.0, st.Reserved, 1e-9)
	assert.True(t, h.ctrl.HasOpenTrade())

	// Spread decays to 0.20, past the 55% capture target on a 0.50 credit.
	setSpreadQuotes(h.book, 0.40, 0.20)
	tickUntil(t, h.ctrl, StateExiting, time.Now)
	tickUntil(t, h.ctrl, StateIdle, time.Now)

	st = h.ledger.Snapshot()
	assert.Zero(t, st.Reserved)
	// Sold at 0.50, bought back at 0.20.
	assert.InDelta(t, 30.0, st.Realized, 1e-9)
	assert.False(t, h.ctrl.HasOpenTrade())

	halted, _ := h.ledger.Halted()
	assert.False(t, halted)
}

func TestControllerStaysScanningOnFilterReject(t *testing.T) {
	h := newHarness(t, testStrategy())
	// Stale spot: older than the freshness budget.
	h.book.SetSpot("SPY", feature.Quote{Bid: 100, Ask: 100, At: time.Now().Add(-time.Minute)})

	h.ctrl.Tick(context.Background(), time.Now())
	require.Equal(t, StateScanning, h.ctrl.State())
	for i := 0; i < 10; i++ {
		h.ctrl.Tick(context.Background(), time.Now())
	}
	assert.Equal(t, StateScanning, h.ctrl.State())
	assert.Zero(t, h.ledger.Snapshot().Reserved)
}

func TestControllerRespectsHaltedLedger(t *testing.T) {
	h := newHarness(t, testStrategy())
	h.ledger.Kill("operator")

	for i := 0; i < 10; i++ {
		h.ctrl.Tick(context.Background(), time.Now())
	}
	assert.Equal(t, StateScanning, h.ctrl.State())
	assert.False(t, h.ctrl.HasOpenTrade())
	assert.Zero(t, h.ledger.Snapshot().Reserved)
}

func TestControllerRejectsTradeOverPerTradeCap(t *testing.T) {
	cfg := testStrategy()
	cfg.PerTradeCap = 100 // max loss on the 5-wide spread is 450
	h := newHarness(t, cfg)

	for i := 0; i < 10; i++ {
		h.ctrl.Tick(context.Background(), time.Now())
	}
	assert.Equal(t, StateScanning, h.ctrl.State())
	assert.Zero(t, h.ledger.Snapshot().Reserved)
}

func TestControllerReleasesBudgetWhenEntryDies(t *testing.T) {
	h := newHarness(t, testStrategy())
	// Wide market: the entry steps twice and gives up.
	now := time.Now()
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 99, Expiry: testExpiry},
		feature.Quote{Bid: 1.00, Ask: 1.10, At: now})
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 94, Expiry: testExpiry},
		feature.Quote{Bid: 0.50, Ask: 0.60, At: now})

	tickUntil(t, h.ctrl, StateScanning, time.Now)
	tickUntil(t, h.ctrl, StateEntering, time.Now)
	assert.Positive(t, h.ledger.Snapshot().Reserved)

	tickUntil(t, h.ctrl, StateScanning, time.Now)
	assert.Zero(t, h.ledger.Snapshot().Reserved)
	assert.False(t, h.ctrl.HasOpenTrade())
}

func TestControllerTimeStop(t *testing.T) {
	cfg := testStrategy()
	cfg.TimeStopMins = 1
	h := newHarness(t, cfg)
	openTrade(t, h)

	// The spread has not decayed, but the clock has moved past the stop.
	late := time.Now().Add(2 * time.Minute)
	tickUntil(t, h.ctrl, StateExiting, func() time.Time { return late })
	tickUntil(t, h.ctrl, StateIdle, func() time.Time { return late })
	assert.Zero(t, h.ledger.Snapshot().Reserved)
}

func TestControllerBreachStop(t *testing.T) {
	h := newHarness(t, testStrategy())
	openTrade(t, h)

	// Entry spot 100, short strike 99: half the buffer is gone at 99.5.
	h.book.SetSpot("SPY", feature.Quote{Bid: 99.4, Ask: 99.4, At: time.Now()})
	tickUntil(t, h.ctrl, StateExiting, time.Now)
	tickUntil(t, h.ctrl, StateIdle, time.Now)

	st := h.ledger.Snapshot()
	assert.Zero(t, st.Reserved)
	// Flat round trip: sold 0.50, bought back 0.50.
	assert.InDelta(t, 0.0, st.Realized, 1e-9)
}

func TestControllerForcedExitFlattens(t *testing.T) {
	h := newHarness(t, testStrategy())
	openTrade(t, h)

	h.ctrl.ForceExit("session_flatten")
	tickUntil(t, h.ctrl, StateExiting, time.Now)
	tickUntil(t, h.ctrl, StateIdle, time.Now)

	assert.False(t, h.ctrl.HasOpenTrade())
	assert.Zero(t, h.ledger.Snapshot().Reserved)
}

func TestControllerForcedExitCancelsInFlightEntry(t *testing.T) {
	h := newHarness(t, testStrategy())
	// Unmarketable entry that would otherwise rest through both attempts.
	now := time.Now()
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 99, Expiry: testExpiry},
		feature.Quote{Bid: 1.00, Ask: 1.10, At: now})
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 94, Expiry: testExpiry},
		feature.Quote{Bid: 0.50, Ask: 0.60, At: now})

	tickUntil(t, h.ctrl, StateScanning, time.Now)
	tickUntil(t, h.ctrl, StateEntering, time.Now)

	h.ctrl.ForceExit("session_flatten")
	tickUntil(t, h.ctrl, StateIdle, time.Now)
	assert.Zero(t, h.ledger.Snapshot().Reserved)
}

func TestControllerHaltsAfterRepeatedCloseFailures(t *testing.T) {
	h := newHarness(t, testStrategy())
	openTrade(t, h)
	reserved := h.ledger.Snapshot().Reserved
	require.Positive(t, reserved)

	// Kill the combo market so every close attempt dies, then force the exit.
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 99, Expiry: testExpiry}, feature.Quote{})
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 94, Expiry: testExpiry}, feature.Quote{})
	h.ctrl.ForceExit("session_flatten")

	tickUntil(t, h.ctrl, StateHalted, time.Now)

	// The budget stays claimed: the position may still exist broker-side.
	assert.InDelta(t, reserved, h.ledger.Snapshot().Reserved, 1e-9)
	assert.False(t, h.ctrl.HasOpenTrade())
}

func TestControllerHaltsOnUnresolvedPartialEntry(t *testing.T) {
	h := newHarness(t, testStrategy())
	// The entry fills its short leg only, then the broker rejects both the
	// completion and the unwind: a naked short may exist broker-side.
	h.paper.PartialNext()
	h.paper.RejectSubmitsAfter(1)

	tickUntil(t, h.ctrl, StateScanning, time.Now)
	tickUntil(t, h.ctrl, StateEntering, time.Now)
	tickUntil(t, h.ctrl, StateHalted, time.Now)

	// The budget stays claimed until an operator resolves the leg.
	assert.InDelta(t, 450.0, h.ledger.Snapshot().Reserved, 1e-9)
	assert.False(t, h.ctrl.HasOpenTrade())

	positions, err := h.paper.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -1, positions[0].Quantity)
}

// A trade never has two live orders at once: the controller polls its one
// pending order to a terminal state before anything else may submit, and a
// forced exit during entry cancels rather than stacking a close on top.
func TestControllerSingleInFlightOrderPerTrade(t *testing.T) {
	h := newHarness(t, testStrategy())

	countOpen := func() int {
		open, err := h.paper.OpenOrders(context.Background())
		require.NoError(t, err)
		return len(open)
	}

	// Unmarketable entry: the order rests while the controller keeps ticking.
	now := time.Now()
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 99, Expiry: testExpiry},
		feature.Quote{Bid: 1.00, Ask: 1.10, At: now})
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 94, Expiry: testExpiry},
		feature.Quote{Bid: 0.50, Ask: 0.60, At: now})

	tickUntil(t, h.ctrl, StateScanning, time.Now)
	tickUntil(t, h.ctrl, StateEntering, time.Now)

	maxOpen := 0
	for i := 0; i < 10; i++ {
		h.ctrl.Tick(context.Background(), time.Now())
		if n := countOpen(); n > maxOpen {
			maxOpen = n
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, maxOpen)

	// Same invariant on the way out: restore the market, open a trade, then
	// widen it so the close order rests through its attempts.
	setSpreadQuotes(h.book, 1.00, 0.50)
	tickUntil(t, h.ctrl, StateMonitoring, time.Now)

	now = time.Now()
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 99, Expiry: testExpiry},
		feature.Quote{Bid: 0.40, Ask: 0.60, At: now})
	h.book.SetOption(feature.OptionKey{Symbol: "SPY", Right: feature.RightPut, Strike: 94, Expiry: testExpiry},
		feature.Quote{Bid: 0.10, Ask: 0.30, At: now})
	h.ctrl.ForceExit("session_flatten")
	tickUntil(t, h.ctrl, StateExiting, time.Now)

	maxOpen = 0
	for i := 0; i < 10; i++ {
		h.ctrl.Tick(context.Background(), time.Now())
		if n := countOpen(); n > maxOpen {
			maxOpen = n
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, maxOpen)
}

func TestControllerDisableEntriesLatch(t *testing.T) {
	h := newHarness(t, testStrategy())
	tickUntil(t, h.ctrl, StateScanning, time.Now)

	h.ctrl.DisableEntries("flatten_deadline")
	for i := 0; i < 10; i++ {
		h.ctrl.Tick(context.Background(), time.Now())
	}
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Zero(t, h.ledger.Snapshot().Reserved)
}

func TestControllerIdleOutsideStrategyWindow(t *testing.T) {
	cfg := testStrategy()
	cfg.WindowStart = "10:00"
	cfg.WindowEnd = "11:00"
	h := newHarness(t, cfg)

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.ctrl.Tick(context.Background(), at)
	}
	assert.Equal(t, StateIdle, h.ctrl.State())

	inside := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	h.ctrl.Tick(context.Background(), inside)
	assert.Equal(t, StateScanning, h.ctrl.State())
}

func TestBuildSpreadStrikes(t *testing.T) {
	cfg := testStrategy()
	short, long := buildSpread(cfg, 512.7, testExpiry)

	assert.Equal(t, 507.0, short.Strike) // floor(512.7 * 0.99)
	assert.Equal(t, 502.0, long.Strike)
	assert.Equal(t, broker.Sell, short.Action)
	assert.Equal(t, broker.Buy, long.Action)

	closed := closingLegs([]broker.Leg{short, long})
	assert.Equal(t, broker.Buy, closed[0].Action)
	assert.Equal(t, broker.Sell, closed[1].Action)
	// The originals are untouched.
	assert.Equal(t, broker.Sell, short.Action)
}

func TestTradeRealizedPnL(t *testing.T) {
	tr := &Trade{EntryCredit: 0.50, ExitNet: -0.20, Quantity: 2}
	assert.InDelta(t, 60.0, tr.RealizedPnL(), 1e-9)

	loser := &Trade{EntryCredit: 0.50, ExitNet: -0.90, Quantity: 1}
	assert.InDelta(t, -40.0, loser.RealizedPnL(), 1e-9)
}
