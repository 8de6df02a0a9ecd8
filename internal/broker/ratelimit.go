package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"spreadbot/internal/config"
	"spreadbot/internal/feature"
)

// RateLimited wraps a Broker with a token-bucket limiter and a per-call
// timeout, so a burst of controllers cannot flood the brokerage API and a
// hung call surfaces as a deadline error instead of a stuck controller.
type RateLimited struct {
	inner   Broker
	limiter *rate.Limiter
	timeout time.Duration
}

func NewRateLimited(inner Broker, cfg config.BrokerConfig) *RateLimited {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		timeout: timeout,
	}
}

func (b *RateLimited) call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return fn(ctx)
}

func (b *RateLimited) Connect(ctx context.Context) error {
	return b.call(ctx, b.inner.Connect)
}

func (b *RateLimited) Close() error { return b.inner.Close() }

func (b *RateLimited) QualifyCombo(ctx context.Context, legs []Leg) error {
	return b.call(ctx, func(ctx context.Context) error {
		return b.inner.QualifyCombo(ctx, legs)
	})
}

func (b *RateLimited) ComboQuote(ctx context.Context, legs []Leg) (feature.Quote, error) {
	var q feature.Quote
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		q, err = b.inner.ComboQuote(ctx, legs)
		return err
	})
	return q, err
}

func (b *RateLimited) Submit(ctx context.Context, o Order) (string, error) {
	var id string
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = b.inner.Submit(ctx, o)
		return err
	})
	return id, err
}

func (b *RateLimited) Cancel(ctx context.Context, orderID string) error {
	return b.call(ctx, func(ctx context.Context) error {
		return b.inner.Cancel(ctx, orderID)
	})
}

func (b *RateLimited) Status(ctx context.Context, orderID string) (OrderState, error) {
	var st OrderState
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		st, err = b.inner.Status(ctx, orderID)
		return err
	})
	return st, err
}

func (b *RateLimited) OpenOrders(ctx context.Context) ([]OrderState, error) {
	var out []OrderState
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.inner.OpenOrders(ctx)
		return err
	})
	return out, err
}

func (b *RateLimited) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := b.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Positions(ctx)
		return err
	})
	return out, err
}
