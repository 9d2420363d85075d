// Package execution places orders and correlates them with fills reported over the link.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/link"
)

// ErrUnconfirmed reports an order that neither filled over the stream nor left the book.
var ErrUnconfirmed = errors.New("order unconfirmed: still open after fill timeout")

// OrderRequest is one order to place. Price is the limit price for limit orders and the
// reference price for market orders; Slippage is the tolerance as a fraction of Price.
type OrderRequest struct {
	Symbol   string
	Side     schema.Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Market   bool
	Slippage decimal.Decimal
	// RetryOnSlippage widens Slippage and resubmits when a market order rests.
	RetryOnSlippage bool
	ReduceOnly      bool
	// ClientID is generated when empty.
	ClientID string
	// Timeout bounds the fill wait; zero uses the link default.
	Timeout time.Duration
}

// OrderHandle is what the venue returned on submission.
type OrderHandle struct {
	OrderID  string
	ClientID string
}

// OrderSnapshot is one resting order as reported by a REST query.
type OrderSnapshot struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     schema.Side
	Status   schema.OrderStatus
	Quantity decimal.Decimal
	Filled   decimal.Decimal
}

// OrderPlacer submits orders over the venue's REST API.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
}

// OrderQuerier lists resting orders for a symbol.
type OrderQuerier interface {
	OpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error)
}

// FillRecorder persists execution outcomes.
type FillRecorder interface {
	RecordFill(ctx context.Context, outcome Outcome) error
}

// FillWaiter registers fill expectations. *link.Link satisfies it.
type FillWaiter interface {
	Exchange() string
	BeginFill(exp link.FillExpectation, timeout time.Duration) *link.FillWait
}

// Outcome describes how one placement attempt resolved.
type Outcome struct {
	Exchange string
	Symbol   string
	ClientID string
	OrderID  string
	Side     schema.Side
	State    link.FillState
	Expected decimal.Decimal
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
	Slippage decimal.Decimal
	Attempt  int
	// Assumed marks an outcome inferred from the order book after a stream timeout.
	Assumed bool
	Reason  string
	Elapsed time.Duration
	At      time.Time
}
