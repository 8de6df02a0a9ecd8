// Package strategy runs one controller per configured bot: a tick-driven
// state machine that ties the filter engine, the risk ledger and the order
// lifecycle manager together. Controllers never reference each other; the
// only cross-strategy coordination is the shared ledger.
package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"spreadbot/internal/config"
	"spreadbot/internal/exec"
	"spreadbot/internal/feature"
	"spreadbot/internal/observ"
	"spreadbot/internal/regime"
	"spreadbot/internal/risk"
	"spreadbot/internal/telemetry"
)

// State is the controller state.
type State string

const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateEntering   State = "entering"
	StateMonitoring State = "monitoring"
	StateExiting    State = "exiting"
	StateHalted     State = "halted"
	StateFailed     State = "failed"
)

// A controller that cannot close its position retries this many times
// before escalating to Halted. An unclosed position is the primary tail
// risk, so it gets an operator, not an infinite retry loop.
const maxCloseFailures = 2

// Deps are the collaborators every controller shares.
type Deps struct {
	Ledger    *risk.Ledger
	Exec      *exec.Manager
	Features  *feature.Adapter
	Sink      *telemetry.Sink
	SessionID string
	Location  *time.Location
}

// Controller is the per-bot state machine. All methods are called from the
// scheduler's per-controller goroutine except ForceExit and MarkFailed,
// which may arrive from the scheduler loop; the mutex covers that overlap.
type Controller struct {
	cfg  config.Strategy
	deps Deps
	log  *logrus.Entry

	mu            sync.Mutex
	state         State
	entriesOff    bool
	trade         *Trade
	reservationID string
	pending       <-chan exec.Result
	cancelOrder   context.CancelFunc
	exitReason    string
	forced        bool
	forcedReason  string
	closeFailures int
	lastReject    string

	windowStart, windowEnd *config.Clock
}

func NewController(cfg config.Strategy, deps Deps) *Controller {
	c := &Controller{
		cfg:   cfg,
		deps:  deps,
		state: StateIdle,
		log:   observ.WithStrategy(cfg.ID, ""),
	}
	if cfg.WindowStart != "" {
		ws := config.MustClock(cfg.WindowStart)
		we := config.MustClock(cfg.WindowEnd)
		c.windowStart, c.windowEnd = &ws, &we
	}
	return c
}

func (c *Controller) ID() string { return c.cfg.ID }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasOpenTrade reports whether the controller still holds exposure the
// scheduler needs flattened.
func (c *Controller) HasOpenTrade() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trade == nil {
		return false
	}
	return c.trade.Status == TradeEntering || c.trade.Status == TradeOpen || c.trade.Status == TradeExiting
}

// ForceExit commands the controller to flatten regardless of its own exit
// logic. Delivery is cooperative: the command takes effect on the next tick.
// An in-flight entry order is cancelled immediately so the controller is not
// stuck acquiring a position it must dump.
func (c *Controller) ForceExit(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced = true
	c.forcedReason = reason
	if c.state == StateEntering && c.cancelOrder != nil {
		c.cancelOrder()
	}
}

// DisableEntries latches the controller out of new risk for the rest of the
// session. Open trades still manage their exits.
func (c *Controller) DisableEntries(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entriesOff {
		return
	}
	c.entriesOff = true
	if c.state == StateScanning {
		c.setStateLocked(StateIdle, reason)
	}
}

// MarkFailed is the scheduler's escalation for a controller that did not
// acknowledge a forced exit within the grace period.
func (c *Controller) MarkFailed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trade != nil {
		c.trade.Status = TradeFailed
	}
	c.setStateLocked(StateFailed, reason)
}

// Tick advances the state machine once. now is injected so tests can drive
// the clock.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		if c.forced {
			// Nothing open; the command is a no-op.
			c.forced = false
			return
		}
		if !c.entriesOff && c.inWindowLocked(now) {
			c.setStateLocked(StateScanning, "session_tick")
		}
	case StateScanning:
		c.tickScanningLocked(ctx, now)
	case StateEntering:
		c.tickEnteringLocked(ctx, now)
	case StateMonitoring:
		c.tickMonitoringLocked(ctx, now)
	case StateExiting:
		c.tickExitingLocked(ctx, now)
	case StateHalted, StateFailed:
		// Terminal; a human puts this controller back.
	}
}

func (c *Controller) tickScanningLocked(ctx context.Context, now time.Time) {
	if c.forced {
		c.forced = false
		c.setStateLocked(StateIdle, c.forcedReason)
		return
	}
	if c.entriesOff {
		c.setStateLocked(StateIdle, "entries_disabled")
		return
	}
	if !c.inWindowLocked(now) {
		c.setStateLocked(StateIdle, "outside_window")
		return
	}
	if halted, _ := c.deps.Ledger.Halted(); halted {
		return
	}

	snap := c.deps.Features.Snapshot(c.cfg.Symbol, now)
	verdict := regime.Evaluate(snap, c.cfg.Filters)
	if !verdict.Pass {
		if verdict.Reason != c.lastReject {
			c.lastReject = verdict.Reason
			c.emit(telemetry.Event{
				Kind: telemetry.KindFilterReject, Reason: verdict.Reason,
				Fields: map[string]any{
					"iv_rank": snap.IVRank, "rv_em": snap.RVvsEM, "band": snap.BandPosition,
				},
			})
		}
		return
	}
	c.lastReject = ""

	expiry, ok := c.deps.Features.NearestExpiry(c.cfg.Symbol)
	if !ok {
		return
	}
	short, long := buildSpread(c.cfg, snap.Spot, expiry)
	trade := newTrade(c.cfg, short, long, snap.Spot)
	q, err := c.deps.Exec.Quote(ctx, trade.Legs)
	if err != nil || q.Mid() <= 0 {
		return
	}
	// Worst case on a credit spread is the width less the credit received.
	maxLoss := (trade.ShortStrike - trade.LongStrike - q.Mid()) * 100 * float64(trade.Quantity)
	if maxLoss <= 0 {
		return
	}
	if maxLoss > c.cfg.PerTradeCap {
		c.emit(telemetry.Event{
			Kind: telemetry.KindFilterReject, Reason: "max_loss_exceeds_per_trade_cap",
			Fields: map[string]any{"max_loss": maxLoss},
		})
		return
	}

	resID, granted, denyReason := c.deps.Ledger.Reserve(c.cfg.ID, maxLoss)
	if !granted {
		c.log.WithField("reason", denyReason).Debug("risk reservation denied")
		return
	}
	c.reservationID = resID

	ord := exec.NewOrder(trade.ID, trade.Legs, trade.Quantity)
	trade.EntryOrderID = ord.ID
	c.trade = trade

	orderCtx, cancel := context.WithCancel(ctx)
	c.cancelOrder = cancel
	c.pending = c.deps.Exec.Execute(orderCtx, ord)
	c.setStateLocked(StateEntering, "entry_submitted")
}

func (c *Controller) tickEnteringLocked(ctx context.Context, now time.Time) {
	res, done := c.pollLocked()
	if !done {
		return
	}

	if res.Order.Status == exec.StatusFilled {
		c.trade.EntryCredit = res.Order.FillPrice
		c.trade.OpenedAt = now
		c.trade.Status = TradeOpen
		c.closeFailures = 0
		c.emit(telemetry.Event{
			Kind: telemetry.KindTradeOpened, TradeID: c.trade.ID,
			Fields: map[string]any{
				"credit": c.trade.EntryCredit, "short_strike": c.trade.ShortStrike,
				"long_strike": c.trade.LongStrike, "quantity": c.trade.Quantity,
			},
		})
		c.setStateLocked(StateMonitoring, "entry_filled")
		return
	}

	// An unresolved partial is the one entry failure that may have left a
	// naked leg broker-side. The budget stays claimed and the controller
	// stops for an operator, same as a position that will not close.
	if errors.Is(res.Err, exec.ErrPartialUnresolved) {
		c.trade.Status = TradeFailed
		c.emit(telemetry.Event{
			Kind: telemetry.KindRiskHalt, TradeID: c.trade.ID, Reason: "partial_unresolved",
		})
		c.setStateLocked(StateHalted, "partial_unresolved")
		return
	}

	// Entry failed (cancelled, rejected, partial unwound, forced cancel):
	// give the budget back and resume scanning. A forced cancel goes Idle.
	if err := c.deps.Ledger.Release(c.reservationID, 0); err != nil {
		c.log.WithError(err).Warn("release after failed entry")
	}
	c.reservationID = ""
	c.trade.Status = TradeFailed
	c.trade = nil
	if c.forced {
		c.forced = false
		c.setStateLocked(StateIdle, c.forcedReason)
		return
	}
	c.setStateLocked(StateScanning, "entry_"+string(res.Order.Status))
}

func (c *Controller) tickMonitoringLocked(ctx context.Context, now time.Time) {
	if c.forced {
		c.beginExitLocked(ctx, "forced_flatten")
		return
	}

	q, err := c.deps.Exec.Quote(ctx, c.trade.Legs)
	if err != nil {
		// No mark this tick; exits re-evaluate on the next one.
		return
	}
	current := q.Mid()
	unrealized := (c.trade.EntryCredit - current) * 100 * float64(c.trade.Quantity)
	if err := c.deps.Ledger.RecordUnrealized(c.reservationID, unrealized); err != nil {
		c.log.WithError(err).Warn("record unrealized")
	}

	if current <= c.trade.EntryCredit*(1-c.cfg.ProfitTargetPct) {
		c.beginExitLocked(ctx, "profit_target")
		return
	}
	if now.Sub(c.trade.OpenedAt) >= time.Duration(c.cfg.TimeStopMins)*time.Minute {
		c.beginExitLocked(ctx, "time_stop")
		return
	}
	snap := c.deps.Features.Snapshot(c.cfg.Symbol, now)
	if snap.Spot > 0 {
		buffer := c.trade.EntrySpot - c.trade.ShortStrike
		if buffer > 0 && snap.Spot <= c.trade.EntrySpot-c.cfg.BreachStopRatio*buffer {
			c.beginExitLocked(ctx, "breach_stop")
			return
		}
	}
}

func (c *Controller) beginExitLocked(ctx context.Context, reason string) {
	ord := exec.NewOrder(c.trade.ID, closingLegs(c.trade.Legs), c.trade.Quantity)
	c.trade.ExitOrderID = ord.ID
	c.trade.Status = TradeExiting
	c.exitReason = reason

	orderCtx, cancel := context.WithCancel(ctx)
	c.cancelOrder = cancel
	c.pending = c.deps.Exec.Execute(orderCtx, ord)
	c.setStateLocked(StateExiting, reason)
}

func (c *Controller) tickExitingLocked(ctx context.Context, now time.Time) {
	res, done := c.pollLocked()
	if !done {
		return
	}

	if res.Order.Status == exec.StatusFilled {
		c.trade.ExitNet = res.Order.FillPrice
		c.trade.Status = TradeClosed
		realized := c.trade.RealizedPnL()
		if err := c.deps.Ledger.Release(c.reservationID, realized); err != nil {
			c.log.WithError(err).Warn("release after close")
		}
		c.reservationID = ""
		c.emit(telemetry.Event{
			Kind: telemetry.KindTradeClosed, TradeID: c.trade.ID, Reason: c.exitReason,
			Fields: map[string]any{
				"realized_pnl": realized, "entry_credit": c.trade.EntryCredit,
				"exit_net": c.trade.ExitNet,
			},
		})
		c.trade = nil
		c.forced = false
		c.setStateLocked(StateIdle, "exit_filled")
		return
	}

	c.closeFailures++
	if c.closeFailures > maxCloseFailures {
		// The reservation is deliberately NOT released: the position may
		// still exist broker-side, so its budget stays claimed until an
		// operator resolves it.
		c.trade.Status = TradeFailed
		c.emit(telemetry.Event{
			Kind: telemetry.KindRiskHalt, TradeID: c.trade.ID, Reason: "close_failed",
			Fields: map[string]any{"close_failures": c.closeFailures},
		})
		c.setStateLocked(StateHalted, "close_failed")
		return
	}
	c.log.WithField("failures", c.closeFailures).Warn("close order failed, retrying")
	c.beginExitLocked(ctx, c.exitReason)
}

// pollLocked drains the pending order result without blocking the tick.
func (c *Controller) pollLocked() (exec.Result, bool) {
	select {
	case res := <-c.pending:
		c.pending = nil
		if c.cancelOrder != nil {
			c.cancelOrder()
			c.cancelOrder = nil
		}
		return res, true
	default:
		return exec.Result{}, false
	}
}

func (c *Controller) inWindowLocked(now time.Time) bool {
	if c.windowStart == nil {
		return true
	}
	local := now.In(c.deps.Location)
	cur := config.Clock{Hour: local.Hour(), Minute: local.Minute()}
	return !cur.Before(*c.windowStart) && cur.Before(*c.windowEnd)
}

func (c *Controller) setStateLocked(s State, reason string) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	tradeID := ""
	if c.trade != nil {
		tradeID = c.trade.ID
	}
	c.emit(telemetry.Event{
		Kind: telemetry.KindStateTransition, TradeID: tradeID, Reason: reason,
		Fields: map[string]any{"from": string(from), "to": string(s)},
	})
	c.log.WithFields(logrus.Fields{"from": from, "to": s, "reason": reason}).Info("state transition")
}

func (c *Controller) emit(e telemetry.Event) {
	if c.deps.Sink == nil {
		return
	}
	e.SessionID = c.deps.SessionID
	e.StrategyID = c.cfg.ID
	c.deps.Sink.Emit(e)
}
