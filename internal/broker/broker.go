// Package broker defines the brokerage API boundary. The engine treats the
// broker as an unreliable network service: every call takes a context, may
// time out, and a disconnect mid-order means the true order state is
// unknown until reconciled.
package broker

import (
	"context"
	"errors"

	"spreadbot/internal/feature"
)

var (
	ErrDisconnected = errors.New("broker: disconnected")
	ErrUnknownOrder = errors.New("broker: unknown order")
)

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Opposite returns the reversing action, used when unwinding filled legs.
func (a Action) Opposite() Action {
	if a == Buy {
		return Sell
	}
	return Buy
}

// Leg is one option leg of a combo.
type Leg struct {
	Symbol string
	Right  feature.Right
	Strike float64
	Expiry string
	Action Action
	Ratio  int
}

// Order is a multi-leg combo limit order. LimitPrice is the signed net
// credit per combo: positive means the account must receive at least that
// much, negative means it will pay at most the absolute value. One
// convention for entries, closes and unwinds alike.
//
// ClientID is the engine's own order identifier. The broker echoes it on
// OrderState and treats it as idempotent: submitting the same ClientID while
// an order for it is still live returns the existing order instead of
// creating a second one. That is what makes a resubmit after an interrupted
// Submit safe.
type Order struct {
	ClientID   string
	Legs       []Leg
	Quantity   int
	LimitPrice float64
	TIF        string // DAY | IOC
}

// Order status values reported by the broker.
const (
	StatusWorking   = "working"
	StatusFilled    = "filled"
	StatusPartial   = "partially_filled"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

// LegFill reports a per-leg execution, needed to unwind a broken combo.
type LegFill struct {
	LegIndex int
	Quantity int
	Price    float64
}

// OrderState is the broker-side view of an order. ClientID echoes the
// engine identifier the order was submitted with; reconciliation matches on
// it and nothing else.
type OrderState struct {
	OrderID      string
	ClientID     string
	Status       string
	FilledQty    int // whole combos filled
	AvgFillPrice float64
	LegFills     []LegFill // populated on partial fills
}

// Position is one broker-side option position, used for reconciliation.
type Position struct {
	Leg      Leg
	Quantity int
	AvgPrice float64
}

// Broker is the single brokerage connection shared by all strategies.
// Implementations must be safe for concurrent use; serialization of order
// flow is the execution manager's job, not the broker's.
type Broker interface {
	Connect(ctx context.Context) error
	Close() error

	// QualifyCombo verifies every leg resolves to a tradable contract.
	QualifyCombo(ctx context.Context, legs []Leg) error

	// ComboQuote returns the signed net combo market for the given legs:
	// Bid is the credit received crossing the market right now, Ask the
	// best-case credit. Both are negative for net-debit structures.
	ComboQuote(ctx context.Context, legs []Leg) (feature.Quote, error)

	Submit(ctx context.Context, o Order) (orderID string, err error)
	Cancel(ctx context.Context, orderID string) error
	Status(ctx context.Context, orderID string) (OrderState, error)

	// OpenOrders and Positions exist for post-reconnect reconciliation.
	OpenOrders(ctx context.Context) ([]OrderState, error)
	Positions(ctx context.Context) ([]Position, error)
}

// Terminal reports whether a broker status can no longer change.
func Terminal(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}
