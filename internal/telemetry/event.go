package telemetry

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind classifies telemetry events consumed by external dashboards and
// alerting. The engine only ever appends; nothing in the engine reads back.
type Kind string

const (
	KindSessionStart    Kind = "session_start"
	KindSessionEnd      Kind = "session_end"
	KindStateTransition Kind = "state_transition"
	KindFilterReject    Kind = "filter_reject"
	KindTradeOpened     Kind = "trade_opened"
	KindTradeClosed     Kind = "trade_closed"
	KindOrderUpdate     Kind = "order_update"
	KindRiskReserve     Kind = "risk_reserve"
	KindRiskRelease     Kind = "risk_release"
	KindRiskHalt        Kind = "risk_halt"
	KindForcedFlatten   Kind = "forced_flatten"
	KindLogLine         Kind = "log_line"
)

// Event is a single append-only record. Every event carries the session,
// strategy and trade identifiers needed to reconstruct a decision chain.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	SessionID  string         `json:"session_id"`
	StrategyID string         `json:"strategy_id,omitempty"`
	TradeID    string         `json:"trade_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

// NewEvent stamps an event with a sortable ULID and the current time when
// the caller left them unset.
func NewEvent(kind Kind, sessionID string) Event {
	return Event{
		ID:        ulid.Make().String(),
		Kind:      kind,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
}
