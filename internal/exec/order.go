// Package exec drives a combo order through its full lifecycle: submit at a
// midpoint-anchored limit, step the price toward the market on a re-quote
// schedule, and resolve fills, rejects, partials and disconnects into one
// terminal outcome per order. Controllers consume outcomes from a result
// channel; there are no broker callbacks anywhere in the engine.
package exec

import (
	"errors"

	"github.com/google/uuid"

	"spreadbot/internal/broker"
)

// Status is the engine-side order state.
type Status string

const (
	StatusConstructed     Status = "constructed"
	StatusSubmitted       Status = "submitted"
	StatusWorking         Status = "working"
	StatusFilled          Status = "filled"
	StatusPartiallyFilled Status = "partially_filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// Terminal reports whether the order can no longer change state.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

var (
	ErrAttemptsExhausted  = errors.New("exec: re-quote attempts exhausted")
	ErrNoMarket           = errors.New("exec: no combo market")
	ErrPartialUnwound     = errors.New("exec: partial fill unwound")
	ErrPartialUnresolved  = errors.New("exec: partial fill could not be unwound")
	ErrReconnectExhausted = errors.New("exec: reconnect attempts exhausted")
)

// Order is the engine-side order record. LimitPrice and FillPrice follow the
// broker convention: signed net credit per combo.
type Order struct {
	ID         string
	TradeID    string
	Legs       []broker.Leg
	Quantity   int
	LimitPrice float64
	Attempts   int
	Status     Status
	FillPrice  float64
	Reason     string
}

// NewOrder constructs an order in the Constructed state.
func NewOrder(tradeID string, legs []broker.Leg, quantity int) *Order {
	return &Order{
		ID:       uuid.NewString(),
		TradeID:  tradeID,
		Legs:     legs,
		Quantity: quantity,
		Status:   StatusConstructed,
	}
}

// Result is the single terminal outcome delivered per order.
type Result struct {
	Order *Order
	Err   error
}

// legNet is a leg's signed contribution to the combo price.
func legNet(action broker.Action, price float64) float64 {
	if action == broker.Sell {
		return price
	}
	return -price
}
