package telemetry

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	strategy_id TEXT,
	trade_id    TEXT,
	reason      TEXT,
	fields      TEXT,
	at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, kind);
CREATE INDEX IF NOT EXISTS idx_events_trade ON events(trade_id);
`

// Journal stores events in sqlite for the dashboard's historical queries.
// The engine only inserts; queries exist for external consumers and tests.
type Journal struct {
	db *sql.DB
}

func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Write(e Event) error {
	var fields []byte
	if e.Fields != nil {
		fields, _ = json.Marshal(e.Fields)
	}
	_, err := j.db.Exec(`
		INSERT INTO events (id, kind, session_id, strategy_id, trade_id, reason, fields, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.SessionID, e.StrategyID, e.TradeID, e.Reason, string(fields), e.At,
	)
	return err
}

// EventsBySession returns all events for a session in ULID (insertion) order.
func (j *Journal) EventsBySession(sessionID string) ([]Event, error) {
	rows, err := j.db.Query(`
		SELECT id, kind, session_id, strategy_id, trade_id, reason, fields, at
		FROM events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsByTrade returns the full decision chain for one trade.
func (j *Journal) EventsByTrade(tradeID string) ([]Event, error) {
	rows, err := j.db.Query(`
		SELECT id, kind, session_id, strategy_id, trade_id, reason, fields, at
		FROM events WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		var strategyID, tradeID, reason, fields sql.NullString
		var at time.Time
		if err := rows.Scan(&e.ID, &kind, &e.SessionID, &strategyID, &tradeID, &reason, &fields, &at); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.StrategyID = strategyID.String
		e.TradeID = tradeID.String
		e.Reason = reason.String
		e.At = at
		if fields.Valid && fields.String != "" {
			_ = json.Unmarshal([]byte(fields.String), &e.Fields)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error { return j.db.Close() }
