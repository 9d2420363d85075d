// Package schema defines the canonical events produced by exchange codecs.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a decoded frame.
type EventKind uint8

const (
	// KindUnknown marks frames the codec did not recognise. Logged, never fatal.
	KindUnknown EventKind = iota
	// KindTicker carries a *Ticker payload.
	KindTicker
	// KindOrderBook carries a *OrderBook payload.
	KindOrderBook
	// KindTrade carries a *Trade payload.
	KindTrade
	// KindOrder carries a *OrderEvent payload.
	KindOrder
	// KindPosition carries a *Position payload.
	KindPosition
	// KindControl carries a *Control payload.
	KindControl
)

func (k EventKind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindOrderBook:
		return "orderbook"
	case KindTrade:
		return "trade"
	case KindOrder:
		return "order"
	case KindPosition:
		return "position"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Event is a canonical event decoded from one exchange frame.
type Event struct {
	Kind   EventKind
	Stream StreamKind
	Symbol string
	// Payload is *Ticker, *OrderBook, *Trade, *OrderEvent, *Position, *Control,
	// or the raw frame for KindUnknown.
	Payload any
}

// Key returns the registry key whose handler receives this event.
func (e Event) Key() StreamKey {
	if e.Stream.Private() {
		return StreamKey{Kind: e.Stream}
	}
	return StreamKey{Kind: e.Stream, Symbol: e.Symbol}
}

// TickerEvent wraps a ticker payload.
func TickerEvent(t *Ticker) Event {
	return Event{Kind: KindTicker, Stream: StreamTicker, Symbol: t.Symbol, Payload: t}
}

// OrderBookEvent wraps an order book payload.
func OrderBookEvent(b *OrderBook) Event {
	return Event{Kind: KindOrderBook, Stream: StreamOrderBook, Symbol: b.Symbol, Payload: b}
}

// TradeEvent wraps a public trade payload.
func TradeEvent(t *Trade) Event {
	return Event{Kind: KindTrade, Stream: StreamTrades, Symbol: t.Symbol, Payload: t}
}

// OrderUpdateEvent wraps a private order update.
func OrderUpdateEvent(o *OrderEvent) Event {
	return Event{Kind: KindOrder, Stream: StreamOrders, Symbol: o.Symbol, Payload: o}
}

// PositionEvent wraps a private position update.
func PositionEvent(p *Position) Event {
	return Event{Kind: KindPosition, Stream: StreamPositions, Symbol: p.Symbol, Payload: p}
}

// ControlEvent wraps a control frame.
func ControlEvent(c *Control) Event {
	return Event{Kind: KindControl, Payload: c}
}

// UnknownEvent marks an unrecognised frame. The raw bytes are kept for diagnostics.
func UnknownEvent(raw []byte) Event {
	return Event{Kind: KindUnknown, Payload: raw}
}

// PriceLevel is one price/size pair of an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a depth update. Bids are sorted descending, asks ascending.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdateID  int64
	Timestamp time.Time
}

// Ticker conveys summary statistics. Bid/Ask are zero when the venue omits them.
type Ticker struct {
	Symbol      string
	Last        decimal.Decimal
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	BidSize     decimal.Decimal
	AskSize     decimal.Decimal
	Mark        decimal.Decimal
	Index       decimal.Decimal
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	Timestamp   time.Time
}

// HasBidAsk reports whether both sides of the quote are populated.
func (t *Ticker) HasBidAsk() bool {
	return t != nil && t.Bid.IsPositive() && t.Ask.IsPositive()
}

// Trade is a public trade print.
type Trade struct {
	ID        string
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// ControlType enumerates protocol-level frames.
type ControlType string

const (
	ControlAck       ControlType = "ack"
	ControlError     ControlType = "error"
	ControlPing      ControlType = "ping"
	ControlPong      ControlType = "pong"
	ControlConnected ControlType = "connected"
	ControlMetadata  ControlType = "metadata"
)

// Control is a subscription ack, venue error, or heartbeat frame.
type Control struct {
	Type    ControlType
	Channel string
	ID      int64
	Code    string
	Message string
	// Token echoes any value the venue expects back in a pong (e.g. a timestamp).
	Token string
}
