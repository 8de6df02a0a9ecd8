// Package risk owns the shared loss budget. The Ledger is the only mutable
// state strategies share, so every mutating operation is serialized behind
// one mutex: concurrent controllers cannot race a budget check.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadbot/internal/config"
	"spreadbot/internal/telemetry"
)

var (
	ErrUnknownReservation = errors.New("risk: unknown reservation")
	ErrAlreadyReleased    = errors.New("risk: reservation already released")
)

// Denial reasons returned by Reserve.
const (
	DenyHalted       = "halted"
	DenyPerTradeCap  = "per_trade_cap_exceeded"
	DenyDailyCap     = "daily_cap_exhausted"
	DenyMaxPositions = "max_positions_reached"
)

// Halt reasons set by the ledger itself.
const (
	HaltDailyCapBreached  = "daily_loss_cap_breached"
	HaltDailyCapExhausted = "daily_cap_exhausted"
	HaltVolSpike          = "volatility_spike"
)

type reservation struct {
	id         string
	strategyID string
	amount     float64
	grantedAt  time.Time
	unrealized float64 // running P&L of the open trade, negative = loss
}

// StrategyState is the per-strategy sub-ledger.
type StrategyState struct {
	Realized   float64
	Reserved   float64
	Unrealized float64
	Trades     int
}

// State is a point-in-time copy of the ledger for telemetry and tests.
type State struct {
	Realized       float64
	UnrealizedLoss float64
	Reserved       float64
	Halted         bool
	HaltReason     string
	HaltedAt       time.Time
	PerStrategy    map[string]StrategyState
}

// Ledger enforces the daily and per-trade loss caps and owns the
// kill-switch. The halt flag is sticky for the whole session; there is no
// auto-resume.
type Ledger struct {
	mu sync.Mutex

	cfg       config.RiskConfig
	sessionID string
	sink      *telemetry.Sink

	reservations map[string]*reservation
	released     map[string]bool
	realized     map[string]float64 // per strategy, net P&L
	tradeCount   map[string]int

	haltedAt   time.Time
	haltReason string

	lastVol float64
	volSeen bool

	now func() time.Time
}

func NewLedger(cfg config.RiskConfig, sessionID string, sink *telemetry.Sink) *Ledger {
	return &Ledger{
		cfg:          cfg,
		sessionID:    sessionID,
		sink:         sink,
		reservations: map[string]*reservation{},
		released:     map[string]bool{},
		realized:     map[string]float64{},
		tradeCount:   map[string]int{},
		now:          time.Now,
	}
}

// Reserve asks for budget to risk `amount` on a new trade. It returns the
// reservation ID on grant, or ok=false with a denial reason.
//
// A reservation is granted only while the full amount still fits strictly
// inside the remaining daily budget. Asking for budget the day no longer has
// trips the kill-switch: if the ledger cannot afford the next trade, the
// session is over for new risk.
func (l *Ledger) Reserve(strategyID string, amount float64) (id string, ok bool, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deny := func(reason string) (string, bool, string) {
		l.emit(telemetry.Event{
			Kind:       telemetry.KindRiskReserve,
			StrategyID: strategyID,
			Reason:     reason,
			Fields:     map[string]any{"amount": amount, "granted": false},
		})
		return "", false, reason
	}

	if !l.haltedAt.IsZero() {
		return deny(DenyHalted)
	}
	if exposure := l.lossExposureLocked(); exposure+amount >= l.cfg.DailyLossCap {
		l.killLocked(HaltDailyCapExhausted)
		return deny(DenyDailyCap)
	}
	if amount > l.cfg.PerTradeCap {
		return deny(DenyPerTradeCap)
	}
	// A position-count denial is transient, not a halt: a slot frees up as
	// soon as any open trade closes.
	if l.cfg.MaxPositions > 0 && len(l.reservations) >= l.cfg.MaxPositions {
		return deny(DenyMaxPositions)
	}

	r := &reservation{
		id:         uuid.NewString(),
		strategyID: strategyID,
		amount:     amount,
		grantedAt:  l.now(),
	}
	l.reservations[r.id] = r
	l.tradeCount[strategyID]++

	l.emit(telemetry.Event{
		Kind:       telemetry.KindRiskReserve,
		StrategyID: strategyID,
		Fields:     map[string]any{"amount": amount, "granted": true, "reservation_id": r.id},
	})
	return r.id, true, ""
}

// Release frees a reservation and books the realized P&L. Exactly-once:
// releasing twice, or releasing an ID the ledger never granted, is an error.
func (l *Ledger) Release(reservationID string, realizedPnL float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		if l.released[reservationID] {
			return fmt.Errorf("%w: %s", ErrAlreadyReleased, reservationID)
		}
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	delete(l.reservations, reservationID)
	l.released[reservationID] = true
	l.realized[r.strategyID] += realizedPnL

	l.emit(telemetry.Event{
		Kind:       telemetry.KindRiskRelease,
		StrategyID: r.strategyID,
		Fields: map[string]any{
			"reservation_id": reservationID,
			"realized_pnl":   realizedPnL,
			"session_pnl":    l.totalRealizedLocked(),
		},
	})

	if l.haltedAt.IsZero() && l.realizedLossLocked()+l.unrealizedLossLocked() >= l.cfg.DailyLossCap {
		l.killLocked(HaltDailyCapBreached)
	}
	return nil
}

// RecordUnrealized updates the running P&L of the open trade behind a
// reservation. Crossing the daily cap on paper is a breach like any other
// and trips the kill-switch; the open trade is still allowed to close.
func (l *Ledger) RecordUnrealized(reservationID string, pnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	r.unrealized = pnl

	if l.haltedAt.IsZero() && l.realizedLossLocked()+l.unrealizedLossLocked() >= l.cfg.DailyLossCap {
		l.killLocked(HaltDailyCapBreached)
	}
	return nil
}

// Kill sets the sticky halt. Every subsequent Reserve is denied until the
// session ends; open trades may still close through Release.
func (l *Ledger) Kill(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killLocked(reason)
}

// ObserveVol feeds the volatility-spike guard. A jump larger than the
// configured threshold between consecutive observations halts the session,
// independent of any trade P&L.
func (l *Ledger) ObserveVol(level float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.VolSpikeThreshold > 0 && l.volSeen && level-l.lastVol > l.cfg.VolSpikeThreshold {
		l.killLocked(HaltVolSpike)
	}
	l.lastVol = level
	l.volSeen = true
}

// Halted reports the sticky halt flag.
func (l *Ledger) Halted() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.haltedAt.IsZero(), l.haltReason
}

// Snapshot copies the ledger state for read-only consumers.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{
		Realized:       l.totalRealizedLocked(),
		UnrealizedLoss: l.unrealizedLossLocked(),
		Halted:         !l.haltedAt.IsZero(),
		HaltReason:     l.haltReason,
		HaltedAt:       l.haltedAt,
		PerStrategy:    map[string]StrategyState{},
	}
	for id, pnl := range l.realized {
		s := st.PerStrategy[id]
		s.Realized = pnl
		s.Trades = l.tradeCount[id]
		st.PerStrategy[id] = s
	}
	for _, r := range l.reservations {
		st.Reserved += r.amount
		s := st.PerStrategy[r.strategyID]
		s.Reserved += r.amount
		s.Unrealized += r.unrealized
		s.Trades = l.tradeCount[r.strategyID]
		st.PerStrategy[r.strategyID] = s
	}
	return st
}

// lossExposureLocked is the quantity bounded by the daily cap: outstanding
// reservations plus losses already taken, realized and on paper.
func (l *Ledger) lossExposureLocked() float64 {
	reserved := 0.0
	for _, r := range l.reservations {
		reserved += r.amount
	}
	return reserved + l.realizedLossLocked() + l.unrealizedLossLocked()
}

func (l *Ledger) totalRealizedLocked() float64 {
	total := 0.0
	for _, pnl := range l.realized {
		total += pnl
	}
	return total
}

// realizedLossLocked counts only net losses; a profitable session does not
// grow the budget beyond the configured cap.
func (l *Ledger) realizedLossLocked() float64 {
	if t := l.totalRealizedLocked(); t < 0 {
		return -t
	}
	return 0
}

func (l *Ledger) unrealizedLossLocked() float64 {
	loss := 0.0
	for _, r := range l.reservations {
		if r.unrealized < 0 {
			loss += -r.unrealized
		}
	}
	return loss
}

func (l *Ledger) killLocked(reason string) {
	if !l.haltedAt.IsZero() {
		return
	}
	l.haltedAt = l.now()
	l.haltReason = reason
	l.emit(telemetry.Event{
		Kind:   telemetry.KindRiskHalt,
		Reason: reason,
		Fields: map[string]any{
			"realized":        l.totalRealizedLocked(),
			"unrealized_loss": l.unrealizedLossLocked(),
		},
	})
}

func (l *Ledger) emit(e telemetry.Event) {
	if l.sink == nil {
		return
	}
	e.SessionID = l.sessionID
	l.sink.Emit(e)
}
