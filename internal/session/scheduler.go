package session

import (
	"context"
	"sync"
	"time"

	"spreadbot/internal/config"
	"spreadbot/internal/observ"
	"spreadbot/internal/strategy"
	"spreadbot/internal/telemetry"
)

// Scheduler ticks every controller at a fixed interval during the session
// window and enforces the flatten deadline. Controllers that ignore a
// forced exit past the grace period are marked Failed and left for an
// operator; the scheduler never retries them indefinitely.
type Scheduler struct {
	sess        *Session
	cfg         config.SessionConfig
	controllers []*strategy.Controller
	sink        *telemetry.Sink
}

func NewScheduler(sess *Session, cfg config.SessionConfig, controllers []*strategy.Controller, sink *telemetry.Sink) *Scheduler {
	return &Scheduler{sess: sess, cfg: cfg, controllers: controllers, sink: sink}
}

// Run drives the session to completion and returns when the window closes
// or ctx is cancelled. On cancellation open trades are flattened first.
func (s *Scheduler) Run(ctx context.Context) error {
	s.emit(telemetry.Event{Kind: telemetry.KindSessionStart, Fields: map[string]any{
		"window_start": s.sess.WindowStart, "window_end": s.sess.WindowEnd,
		"flatten_deadline": s.sess.FlattenDeadline, "controllers": len(s.controllers),
	}})

	if wait := time.Until(s.sess.WindowStart); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	var wg sync.WaitGroup
	for _, c := range s.controllers {
		wg.Add(1)
		go s.tickLoop(tickCtx, &wg, c)
	}

	cancelled := false
	select {
	case <-ctx.Done():
		cancelled = true
	case <-time.After(time.Until(s.sess.FlattenDeadline)):
	}
	s.flatten()

	if !cancelled {
		select {
		case <-ctx.Done():
			cancelled = true
		case <-time.After(time.Until(s.sess.WindowEnd)):
		}
	}

	stopTicks()
	wg.Wait()
	s.sess.Terminal = true
	s.emit(telemetry.Event{Kind: telemetry.KindSessionEnd})
	if cancelled {
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, wg *sync.WaitGroup, c *strategy.Controller) {
	defer wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	c.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Tick(ctx, now)
		}
	}
}

// flatten latches every controller out of new entries, issues the
// forced-exit command to those holding exposure and polices the grace
// period. It runs on its own bounded clock and drives the forced
// controllers' ticks itself: when the session was cancelled the tick loops
// are already gone, and open positions must still be unwound before the
// engine exits.
func (s *Scheduler) flatten() {
	var forced []*strategy.Controller
	for _, c := range s.controllers {
		c.DisableEntries("flatten_deadline")
		if c.HasOpenTrade() {
			forced = append(forced, c)
			c.ForceExit("session_flatten")
			s.emit(telemetry.Event{
				Kind: telemetry.KindForcedFlatten, StrategyID: c.ID(), Reason: "session_flatten",
			})
		}
	}
	if len(forced) == 0 {
		return
	}
	observ.Log("session_flatten", map[string]any{"controllers": len(forced)})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ForceExitGrace)
	defer cancel()
	for {
		if !anyOpen(forced) {
			return
		}
		select {
		case <-ctx.Done():
			for _, c := range forced {
				if c.HasOpenTrade() {
					c.MarkFailed("force_exit_grace_exceeded")
					s.emit(telemetry.Event{
						Kind: telemetry.KindForcedFlatten, StrategyID: c.ID(),
						Reason: "force_exit_grace_exceeded",
					})
					observ.Error("controller_failed_to_flatten", nil, map[string]any{"strategy": c.ID()})
				}
			}
			return
		case <-time.After(s.cfg.TickInterval / 2):
		}
		for _, c := range forced {
			c.Tick(ctx, time.Now())
		}
	}
}

func anyOpen(cs []*strategy.Controller) bool {
	for _, c := range cs {
		if c.HasOpenTrade() {
			return true
		}
	}
	return false
}

func (s *Scheduler) emit(e telemetry.Event) {
	if s.sink == nil {
		return
	}
	e.SessionID = s.sess.ID
	s.sink.Emit(e)
}
