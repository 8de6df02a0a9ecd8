package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"spreadbot/internal/observ"
)

// Writer persists events. Writers are driven from the sink's single drain
// goroutine, so implementations do not need their own locking.
type Writer interface {
	Write(Event) error
	Close() error
}

// Sink fans events out to its writers without ever blocking the caller.
// When the buffer is full the oldest queued event is dropped and counted;
// trading must never stall on telemetry delivery.
type Sink struct {
	ch      chan Event
	writers []Writer
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSink starts the drain goroutine. bufferSize <= 0 gets a sane default.
func NewSink(bufferSize int, writers ...Writer) *Sink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s := &Sink{
		ch:      make(chan Event, bufferSize),
		writers: writers,
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Emit enqueues an event. Never blocks; fills in ID/At if the caller
// constructed the event by hand.
func (s *Sink) Emit(e Event) {
	if e.ID == "" {
		stamped := NewEvent(e.Kind, e.SessionID)
		stamped.StrategyID = e.StrategyID
		stamped.TradeID = e.TradeID
		stamped.Reason = e.Reason
		stamped.Fields = e.Fields
		e = stamped
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	// The mutex orders Emit against Close: nothing sends on a closed channel.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}
	// Full buffer: evict the oldest queued event so recent history survives.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close drains outstanding events and closes the writers.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.ch)
	s.wg.Wait()

	var firstErr error
	for _, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for e := range s.ch {
		for _, w := range s.writers {
			if err := w.Write(e); err != nil {
				// A failing writer must not take the engine down.
				observ.Error("telemetry_write_failed", err, map[string]any{
					"kind": string(e.Kind), "event_id": e.ID,
				})
			}
		}
	}
}
