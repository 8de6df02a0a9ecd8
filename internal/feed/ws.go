package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"spreadbot/internal/feature"
	"spreadbot/internal/observ"
)

const (
	wsReconnectMin = time.Second
	wsReconnectMax = 30 * time.Second
	wsReadTimeout  = 30 * time.Second
)

// wsTick is one message off the quote stream.
type wsTick struct {
	Type   string  `json:"type"` // spot | option | vol | expiry
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Right  string  `json:"right,omitempty"`
	Strike float64 `json:"strike,omitempty"`
	Expiry string  `json:"expiry,omitempty"`
	IV     float64 `json:"iv,omitempty"`
	Ts     int64   `json:"ts"` // unix millis; 0 means receive time
}

// WSClient streams quotes from a websocket endpoint into the book. It owns
// its reconnect loop; a dropped connection is retried with exponential
// backoff until the context is cancelled.
type WSClient struct {
	url     string
	book    *QuoteBook
	adapter *feature.Adapter
	volObs  VolObserver
}

func NewWSClient(url string, book *QuoteBook, adapter *feature.Adapter) *WSClient {
	return &WSClient{url: url, book: book, adapter: adapter}
}

// SetVolObserver routes vol marks to the spike guard.
func (c *WSClient) SetVolObserver(o VolObserver) { c.volObs = o }

// Run blocks until ctx is cancelled, maintaining the connection and applying
// every tick to the book.
func (c *WSClient) Run(ctx context.Context) {
	backoff := wsReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			observ.Warn("feed_dial_failed", map[string]any{"url": c.url, "error": err.Error(), "retry_in": backoff.String()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			continue
		}
		observ.Log("feed_connected", map[string]any{"url": c.url})
		backoff = wsReconnectMin
		c.readLoop(ctx, conn)
		conn.Close()
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				observ.Warn("feed_read_failed", map[string]any{"error": err.Error()})
			}
			return
		}
		var t wsTick
		if err := json.Unmarshal(raw, &t); err != nil {
			observ.Warn("feed_bad_message", map[string]any{"error": err.Error()})
			continue
		}
		c.apply(t)
	}
}

func (c *WSClient) apply(t wsTick) {
	at := time.Now()
	if t.Ts > 0 {
		at = time.UnixMilli(t.Ts)
	}
	q := feature.Quote{Bid: t.Bid, Ask: t.Ask, Last: t.Last, At: at}

	switch t.Type {
	case "spot":
		c.book.SetSpot(t.Symbol, q)
	case "option":
		c.book.SetOption(feature.OptionKey{
			Symbol: t.Symbol,
			Right:  feature.Right(t.Right),
			Strike: t.Strike,
			Expiry: t.Expiry,
		}, q)
	case "vol":
		if c.adapter != nil {
			c.adapter.ObserveIV(t.Symbol, t.IV)
		}
		if c.volObs != nil {
			c.volObs.ObserveVol(t.IV * 100)
		}
	case "expiry":
		c.book.SetExpiry(t.Symbol, t.Expiry)
	default:
		observ.Warn("feed_unknown_type", map[string]any{"type": t.Type})
	}
}
