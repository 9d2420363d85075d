package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide maps venue spellings (Bid/Ask, BUY/SELL, long/short) onto Side.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "bid", "long", "b":
		return SideBuy, true
	case "sell", "ask", "short", "s":
		return SideSell, true
	default:
		return "", false
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the canonical order lifecycle state.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further fills can follow.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// OrderEvent is a canonical private order update.
//
// Venues that report each execution set FillQuantity/FillPrice and TradeID.
// Venues that only report running totals set Cumulative with CumulativeQuantity
// and CumulativeNotional; consumers derive the increment themselves.
type OrderEvent struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Side         Side
	Status       OrderStatus
	FillQuantity decimal.Decimal
	FillPrice    decimal.Decimal
	TradeID      string

	Cumulative         bool
	CumulativeQuantity decimal.Decimal
	CumulativeNotional decimal.Decimal

	Timestamp time.Time
}

// Position is a canonical position snapshot. Size is signed: long positive, short negative.
type Position struct {
	Symbol        string
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Timestamp     time.Time
}
