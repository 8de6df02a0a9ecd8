package exec

import (
	"context"
	"fmt"
	"time"

	"spreadbot/internal/broker"
	"spreadbot/internal/config"
	"spreadbot/internal/feature"
	"spreadbot/internal/observ"
	"spreadbot/internal/telemetry"
)

// Manager owns the single brokerage connection. All order flow from every
// controller funnels through here; the broker is never touched directly by
// strategy code.
type Manager struct {
	br        broker.Broker
	cfg       config.ExecConfig
	sessionID string
	sink      *telemetry.Sink
}

func NewManager(br broker.Broker, cfg config.ExecConfig, sessionID string, sink *telemetry.Sink) *Manager {
	return &Manager{br: br, cfg: cfg, sessionID: sessionID, sink: sink}
}

// Execute runs the order to a terminal state in its own goroutine and
// delivers exactly one Result on the returned channel. Callers poll the
// channel on their tick; they are never called back.
func (m *Manager) Execute(ctx context.Context, ord *Order) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		err := m.run(ctx, ord)
		ch <- Result{Order: ord, Err: err}
	}()
	return ch
}

// Quote exposes the combo market to controllers for marking open positions.
func (m *Manager) Quote(ctx context.Context, legs []broker.Leg) (feature.Quote, error) {
	q, err := m.br.ComboQuote(ctx, legs)
	if err == broker.ErrDisconnected {
		if rerr := m.reconnect(ctx); rerr != nil {
			return feature.Quote{}, rerr
		}
		return m.br.ComboQuote(ctx, legs)
	}
	return q, err
}

func (m *Manager) run(ctx context.Context, ord *Order) error {
	if err := m.qualify(ctx, ord); err != nil {
		ord.Status = StatusRejected
		ord.Reason = "qualify_failed"
		m.emitOrder(ord)
		return err
	}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		ord.Attempts = attempt

		q, err := m.Quote(ctx, ord.Legs)
		if err != nil {
			ord.Status = StatusCancelled
			ord.Reason = "no_market"
			m.emitOrder(ord)
			return fmt.Errorf("%w: %v", ErrNoMarket, err)
		}

		// Anchor at the midpoint and concede one step toward the crossable
		// side per attempt. Never demand more than mid, never less than bid.
		limit := q.Mid() - float64(attempt-1)*m.cfg.RequoteStep
		if limit < q.Bid {
			limit = q.Bid
		}
		ord.LimitPrice = limit

		done, err := m.attempt(ctx, ord)
		if done || err != nil {
			return err
		}
		// Not filled, not fatal: re-quote.
		select {
		case <-ctx.Done():
			ord.Status = StatusCancelled
			ord.Reason = "context_cancelled"
			m.emitOrder(ord)
			return ctx.Err()
		case <-time.After(m.cfg.RequoteInterval):
		}
	}

	ord.Status = StatusCancelled
	ord.Reason = "max_attempts_exhausted"
	m.emitOrder(ord)
	return ErrAttemptsExhausted
}

// attempt submits once and polls to an outcome. done=true means the order
// reached a state the caller should stop at (filled, or a terminal failure
// carried in err); done=false asks for a re-quote.
func (m *Manager) attempt(ctx context.Context, ord *Order) (done bool, err error) {
	brokerID, err := m.submit(ctx, ord)
	if err != nil {
		ord.Status = StatusCancelled
		ord.Reason = "submit_failed"
		m.emitOrder(ord)
		return true, err
	}
	ord.Status = StatusSubmitted
	m.emitOrder(ord)
	ord.Status = StatusWorking
	m.emitOrder(ord)

	deadline := time.Now().Add(m.cfg.OrderTimeout)
	for {
		select {
		case <-ctx.Done():
			_ = m.br.Cancel(context.Background(), brokerID)
			ord.Status = StatusCancelled
			ord.Reason = "context_cancelled"
			m.emitOrder(ord)
			return true, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}

		st, serr := m.status(ctx, ord, brokerID)
		if serr != nil {
			ord.Status = StatusCancelled
			ord.Reason = "status_unavailable"
			m.emitOrder(ord)
			return true, serr
		}

		switch st.Status {
		case broker.StatusFilled:
			ord.Status = StatusFilled
			ord.FillPrice = st.AvgFillPrice
			m.emitOrder(ord)
			return true, nil

		case broker.StatusPartial:
			ord.Status = StatusPartiallyFilled
			m.emitOrder(ord)
			return true, m.resolvePartial(ctx, ord, brokerID, st)

		case broker.StatusRejected:
			// Rejects are not re-quoted: the same order will be rejected
			// again, and each repeat burns broker goodwill.
			ord.Status = StatusRejected
			ord.Reason = "broker_rejected"
			m.emitOrder(ord)
			return true, fmt.Errorf("exec: order %s rejected by broker", ord.ID)

		case broker.StatusCancelled:
			return false, nil
		}

		if time.Now().After(deadline) {
			if cerr := m.cancel(ctx, brokerID); cerr != nil {
				ord.Status = StatusCancelled
				ord.Reason = "cancel_failed"
				m.emitOrder(ord)
				return true, cerr
			}
			// The cancel can race a fill; believe the broker, not the clock.
			if st, serr := m.status(ctx, ord, brokerID); serr == nil {
				switch st.Status {
				case broker.StatusFilled:
					ord.Status = StatusFilled
					ord.FillPrice = st.AvgFillPrice
					m.emitOrder(ord)
					return true, nil
				case broker.StatusPartial:
					ord.Status = StatusPartiallyFilled
					m.emitOrder(ord)
					return true, m.resolvePartial(ctx, ord, brokerID, st)
				}
			}
			return false, nil
		}
	}
}

// resolvePartial handles the execution risk of a broken combo. Policy:
// one tightened attempt to complete the remaining legs, then unwind the
// filled legs at a marketable price. A naked partial position is never left
// unresolved.
func (m *Manager) resolvePartial(ctx context.Context, ord *Order, brokerID string, st broker.OrderState) error {
	_ = m.cancel(ctx, brokerID)

	filled := map[int]broker.LegFill{}
	for _, lf := range st.LegFills {
		filled[lf.LegIndex] = lf
	}
	var remaining []broker.Leg
	filledNet := 0.0
	for i, leg := range ord.Legs {
		if lf, ok := filled[i]; ok {
			filledNet += legNet(leg.Action, lf.Price)
		} else {
			remaining = append(remaining, leg)
		}
	}
	if len(remaining) == 0 {
		ord.Status = StatusFilled
		ord.FillPrice = filledNet
		m.emitOrder(ord)
		return nil
	}

	// One completion attempt, priced to cross.
	if q, err := m.Quote(ctx, remaining); err == nil {
		limit := q.Bid - m.cfg.RequoteStep
		if cid, err := m.br.Submit(ctx, broker.Order{
			Legs: remaining, Quantity: ord.Quantity, LimitPrice: limit, TIF: "IOC",
		}); err == nil {
			if fill, ok := m.awaitFill(ctx, cid); ok {
				ord.Status = StatusFilled
				ord.FillPrice = filledNet + fill
				ord.Reason = "completed_after_partial"
				m.emitOrder(ord)
				return nil
			}
			_ = m.cancel(ctx, cid)
		}
	}

	// Completion failed: unwind what filled, marketable, one reversing
	// order per filled leg.
	unwound := true
	for i, leg := range ord.Legs {
		if _, ok := filled[i]; !ok {
			continue
		}
		rev := leg
		rev.Action = leg.Action.Opposite()
		q, err := m.Quote(ctx, []broker.Leg{rev})
		if err != nil {
			unwound = false
			continue
		}
		uid, err := m.br.Submit(ctx, broker.Order{
			Legs: []broker.Leg{rev}, Quantity: ord.Quantity,
			LimitPrice: q.Bid - m.cfg.RequoteStep, TIF: "IOC",
		})
		if err != nil {
			unwound = false
			continue
		}
		if _, ok := m.awaitFill(ctx, uid); !ok {
			_ = m.cancel(ctx, uid)
			unwound = false
		}
	}

	ord.Status = StatusCancelled
	if !unwound {
		ord.Reason = "partial_unwind_failed"
		m.emitOrder(ord)
		return ErrPartialUnresolved
	}
	ord.Reason = "partial_unwound"
	m.emitOrder(ord)
	return ErrPartialUnwound
}

// awaitFill polls one order to fill or timeout, returning the fill credit.
func (m *Manager) awaitFill(ctx context.Context, brokerID string) (float64, bool) {
	deadline := time.Now().Add(m.cfg.OrderTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(m.cfg.PollInterval):
		}
		st, err := m.br.Status(ctx, brokerID)
		if err != nil {
			continue
		}
		if st.Status == broker.StatusFilled {
			return st.AvgFillPrice, true
		}
		if broker.Terminal(st.Status) {
			return 0, false
		}
	}
	return 0, false
}

// Broker-call wrappers that absorb a disconnect with reconnect-and-retry.

func (m *Manager) qualify(ctx context.Context, ord *Order) error {
	err := m.br.QualifyCombo(ctx, ord.Legs)
	if err == broker.ErrDisconnected {
		if rerr := m.reconnect(ctx); rerr != nil {
			return rerr
		}
		err = m.br.QualifyCombo(ctx, ord.Legs)
	}
	return err
}

func (m *Manager) submit(ctx context.Context, ord *Order) (string, error) {
	id, err := m.br.Submit(ctx, broker.Order{
		ClientID: ord.ID, Legs: ord.Legs, Quantity: ord.Quantity,
		LimitPrice: ord.LimitPrice, TIF: "DAY",
	})
	if err == broker.ErrDisconnected {
		if rerr := m.reconnect(ctx); rerr != nil {
			return "", rerr
		}
		// The submit may or may not have reached the broker before the
		// drop. Reconcile against broker-side state instead of assuming
		// the order died.
		if found, fid := m.findOpenOrder(ctx, ord); found {
			return fid, nil
		}
		return m.br.Submit(ctx, broker.Order{
			ClientID: ord.ID, Legs: ord.Legs, Quantity: ord.Quantity,
			LimitPrice: ord.LimitPrice, TIF: "DAY",
		})
	}
	return id, err
}

func (m *Manager) status(ctx context.Context, ord *Order, brokerID string) (broker.OrderState, error) {
	st, err := m.br.Status(ctx, brokerID)
	if err == broker.ErrDisconnected {
		if rerr := m.reconnect(ctx); rerr != nil {
			return broker.OrderState{}, rerr
		}
		st, err = m.br.Status(ctx, brokerID)
	}
	return st, err
}

func (m *Manager) cancel(ctx context.Context, brokerID string) error {
	err := m.br.Cancel(ctx, brokerID)
	if err == broker.ErrDisconnected {
		if rerr := m.reconnect(ctx); rerr != nil {
			return rerr
		}
		err = m.br.Cancel(ctx, brokerID)
	}
	return err
}

// findOpenOrder scans broker-side open orders for the one carrying our
// client order ID, used when a submit was interrupted by a disconnect.
// An order without our ID is some other controller's and is never adopted;
// no match means resubmit, which the broker's client-ID idempotency makes
// safe even if the first submit did land.
func (m *Manager) findOpenOrder(ctx context.Context, ord *Order) (bool, string) {
	open, err := m.br.OpenOrders(ctx)
	if err != nil {
		return false, ""
	}
	for _, st := range open {
		if st.ClientID != ord.ID {
			continue
		}
		if st.Status == broker.StatusWorking || st.Status == broker.StatusPartial {
			return true, st.OrderID
		}
	}
	return false, ""
}

// reconnect runs the bounded backoff loop. New entries and re-quoting stay
// paused while this spins; the caller resumes only after the broker is back.
func (m *Manager) reconnect(ctx context.Context) error {
	delay := m.cfg.ReconnectMin
	if delay <= 0 {
		delay = time.Second
	}
	max := m.cfg.ReconnectMax
	if max <= 0 {
		max = 30 * time.Second
	}
	attempts := m.cfg.MaxReconnects
	if attempts <= 0 {
		attempts = 10
	}

	for i := 1; i <= attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if err := m.br.Connect(ctx); err == nil {
			observ.Log("broker_reconnected", map[string]any{"attempt": i})
			return nil
		}
		observ.Warn("broker_reconnect_failed", map[string]any{"attempt": i})
		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return ErrReconnectExhausted
}

func (m *Manager) emitOrder(ord *Order) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindOrderUpdate,
		SessionID: m.sessionID,
		TradeID:   ord.TradeID,
		Reason:    ord.Reason,
		Fields: map[string]any{
			"order_id":   ord.ID,
			"status":     string(ord.Status),
			"attempts":   ord.Attempts,
			"limit":      ord.LimitPrice,
			"fill_price": ord.FillPrice,
		},
	})
}
