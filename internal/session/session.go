// Package session owns the trading day: the active window, the forced
// flatten deadline ahead of the close, and the fixed-interval tick that
// drives every strategy controller.
package session

import (
	"fmt"
	"time"

	"spreadbot/internal/config"
)

// Session is one trading day. It is created when the scheduler starts and
// becomes terminal at the window end; nothing re-arms until the next day.
type Session struct {
	ID              string
	Date            time.Time
	WindowStart     time.Time
	WindowEnd       time.Time
	FlattenDeadline time.Time
	Terminal        bool
}

// NewSession derives the day's window from config in the session timezone.
func NewSession(date time.Time, cfg config.SessionConfig) (*Session, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	start := config.MustClock(cfg.WindowStart).At(date, loc)
	end := config.MustClock(cfg.WindowEnd).At(date, loc)
	flatten := end.Add(-time.Duration(cfg.FlattenBeforeMins) * time.Minute)
	if !flatten.After(start) {
		return nil, fmt.Errorf("session: flatten deadline %v not inside window", flatten)
	}
	return &Session{
		ID:              date.In(loc).Format("2006-01-02"),
		Date:            date,
		WindowStart:     start,
		WindowEnd:       end,
		FlattenDeadline: flatten,
	}, nil
}

// NewSessionAt builds a session from explicit instants; tests and replays
// use this to compress a day into milliseconds.
func NewSessionAt(id string, start, flatten, end time.Time) *Session {
	return &Session{
		ID:              id,
		Date:            start,
		WindowStart:     start,
		WindowEnd:       end,
		FlattenDeadline: flatten,
	}
}
