package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"spreadbot/internal/feature"
	"spreadbot/internal/observ"
)

// Paper simulates the brokerage against a live quote source. Orders rest
// until their limit becomes marketable against the simulated combo market,
// after a configurable acknowledgement latency. Test hooks can inject
// rejects, partial fills and disconnects; none of them are used outside
// paper mode and tests.
type Paper struct {
	src     feature.QuoteSource
	latency time.Duration

	mu           sync.Mutex
	connected    bool
	orders       map[string]*paperOrder
	positions    map[Leg]int
	rejectNext   bool
	rejectAll    bool
	passSubmits  int
	partialNext  bool
	disconnected bool
}

type paperOrder struct {
	order       Order
	state       OrderState
	submittedAt time.Time
}

func NewPaper(src feature.QuoteSource, latency time.Duration) *Paper {
	if latency <= 0 {
		latency = 100 * time.Millisecond
	}
	return &Paper{
		src:       src,
		latency:   latency,
		orders:    map[string]*paperOrder{},
		positions: map[Leg]int{},
	}
}

// Test and sim hooks.

func (p *Paper) SetDisconnected(down bool) {
	p.mu.Lock()
	p.disconnected = down
	p.mu.Unlock()
}

// RejectNext makes the next Submit come back rejected.
func (p *Paper) RejectNext() {
	p.mu.Lock()
	p.rejectNext = true
	p.mu.Unlock()
}

// RejectSubmitsAfter lets n more submits through and rejects every one
// after that, until the hook is re-armed.
func (p *Paper) RejectSubmitsAfter(n int) {
	p.mu.Lock()
	p.rejectAll = true
	p.passSubmits = n
	p.mu.Unlock()
}

// PartialNext makes the next fill stop after the first leg.
func (p *Paper) PartialNext() {
	p.mu.Lock()
	p.partialNext = true
	p.mu.Unlock()
}

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return ErrDisconnected
	}
	p.connected = true
	observ.Log("paper_broker_connected", nil)
	return nil
}

func (p *Paper) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *Paper) QualifyCombo(ctx context.Context, legs []Leg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return ErrDisconnected
	}
	for _, leg := range legs {
		if _, ok := p.src.Option(feature.OptionKey{
			Symbol: leg.Symbol, Right: leg.Right, Strike: leg.Strike, Expiry: leg.Expiry,
		}); !ok {
			return ErrUnknownOrder // no quoted contract at that strike
		}
	}
	return nil
}

func (p *Paper) ComboQuote(ctx context.Context, legs []Leg) (feature.Quote, error) {
	p.mu.Lock()
	down := p.disconnected
	p.mu.Unlock()
	if down {
		return feature.Quote{}, ErrDisconnected
	}
	return comboQuote(p.src, legs)
}

// comboQuote nets the per-leg markets: sell legs contribute what they
// collect, buy legs subtract what they cost. Bid is the crossable side.
func comboQuote(src feature.QuoteSource, legs []Leg) (feature.Quote, error) {
	var q feature.Quote
	for _, leg := range legs {
		lq, ok := src.Option(feature.OptionKey{
			Symbol: leg.Symbol, Right: leg.Right, Strike: leg.Strike, Expiry: leg.Expiry,
		})
		if !ok || !lq.TwoSided() {
			return feature.Quote{}, ErrUnknownOrder
		}
		ratio := float64(leg.Ratio)
		if ratio == 0 {
			ratio = 1
		}
		if leg.Action == Sell {
			q.Bid += lq.Bid * ratio
			q.Ask += lq.Ask * ratio
		} else {
			q.Bid -= lq.Ask * ratio
			q.Ask -= lq.Bid * ratio
		}
		if lq.At.After(q.At) {
			q.At = lq.At
		}
	}
	q.Last = (q.Bid + q.Ask) / 2
	return q, nil
}

func (p *Paper) Submit(ctx context.Context, o Order) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return "", ErrDisconnected
	}

	// Client order IDs are idempotent: a resubmit for a still-live order
	// returns the existing one instead of creating a duplicate.
	if o.ClientID != "" {
		for id, po := range p.orders {
			if po.order.ClientID == o.ClientID && !Terminal(po.state.Status) {
				return id, nil
			}
		}
	}

	id := uuid.NewString()
	st := OrderState{OrderID: id, ClientID: o.ClientID, Status: StatusWorking}
	if p.rejectAll {
		if p.passSubmits > 0 {
			p.passSubmits--
		} else {
			st.Status = StatusRejected
		}
	}
	if p.rejectNext {
		p.rejectNext = false
		st.Status = StatusRejected
	}
	p.orders[id] = &paperOrder{order: o, state: st, submittedAt: time.Now()}
	return id, nil
}

func (p *Paper) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return ErrDisconnected
	}
	po, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if !Terminal(po.state.Status) {
		// A partial keeps its leg fills; only the remainder dies.
		po.state.Status = StatusCancelled
	}
	return nil
}

func (p *Paper) Status(ctx context.Context, orderID string) (OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return OrderState{}, ErrDisconnected
	}
	po, ok := p.orders[orderID]
	if !ok {
		return OrderState{}, ErrUnknownOrder
	}
	p.tryFillLocked(po)
	return po.state, nil
}

// tryFillLocked fills a working order whose limit is marketable: the combo
// bid must meet the signed credit the order demands.
func (p *Paper) tryFillLocked(po *paperOrder) {
	if po.state.Status != StatusWorking {
		return
	}
	if time.Since(po.submittedAt) < p.latency {
		return
	}
	q, err := comboQuote(p.src, po.order.Legs)
	if err != nil {
		return
	}
	if q.Bid < po.order.LimitPrice {
		if po.order.TIF == "IOC" {
			po.state.Status = StatusCancelled
		}
		return
	}

	if p.partialNext && len(po.order.Legs) > 1 {
		p.partialNext = false
		po.state.Status = StatusPartial
		leg := po.order.Legs[0]
		lq, _ := p.src.Option(feature.OptionKey{
			Symbol: leg.Symbol, Right: leg.Right, Strike: leg.Strike, Expiry: leg.Expiry,
		})
		po.state.LegFills = []LegFill{{LegIndex: 0, Quantity: po.order.Quantity, Price: lq.Mid()}}
		p.applyLegLocked(leg, po.order.Quantity)
		return
	}

	po.state.Status = StatusFilled
	po.state.FilledQty = po.order.Quantity
	po.state.AvgFillPrice = q.Bid
	for _, leg := range po.order.Legs {
		p.applyLegLocked(leg, po.order.Quantity)
	}
}

func (p *Paper) applyLegLocked(leg Leg, qty int) {
	key := leg
	key.Action = ""
	if leg.Action == Sell {
		p.positions[key] -= qty
	} else {
		p.positions[key] += qty
	}
	if p.positions[key] == 0 {
		delete(p.positions, key)
	}
}

func (p *Paper) OpenOrders(ctx context.Context) ([]OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return nil, ErrDisconnected
	}
	var out []OrderState
	for _, po := range p.orders {
		p.tryFillLocked(po)
		if !Terminal(po.state.Status) {
			out = append(out, po.state)
		}
	}
	return out, nil
}

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return nil, ErrDisconnected
	}
	var out []Position
	for leg, qty := range p.positions {
		out = append(out, Position{Leg: leg, Quantity: qty})
	}
	return out, nil
}
