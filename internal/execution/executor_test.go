package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/link"
)

type trackerWaiter struct {
	*link.FillTracker
}

func (trackerWaiter) Exchange() string { return "test" }

func (w trackerWaiter) BeginFill(exp link.FillExpectation, timeout time.Duration) *link.FillWait {
	if timeout <= 0 {
		timeout = time.Second
	}
	return w.BeginWait(exp, timeout)
}

// placerFunc runs respond after recording the request, standing in for the stream
// delivering order events while the REST call is in flight.
type placerFunc struct {
	mu       sync.Mutex
	requests []OrderRequest
	respond  func(n int, req OrderRequest) (OrderHandle, error)
}

func (p *placerFunc) PlaceOrder(_ context.Context, req OrderRequest) (OrderHandle, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	p.mu.Unlock()
	return p.respond(n, req)
}

type memoryRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *memoryRecorder) RecordFill(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

type staticQuerier struct {
	orders []OrderSnapshot
	err    error
}

func (q staticQuerier) OpenOrders(context.Context, string) ([]OrderSnapshot, error) {
	return q.orders, q.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(tracker *link.FillTracker, req OrderRequest, tradeID, qty, price string) {
	tracker.OnOrderEvent(&schema.OrderEvent{
		OrderID:      "o-" + req.ClientID,
		ClientID:     req.ClientID,
		Side:         req.Side,
		Status:       schema.OrderPartiallyFilled,
		TradeID:      tradeID,
		FillQuantity: dec(qty),
		FillPrice:    dec(price),
	})
}

func rest(tracker *link.FillTracker, req OrderRequest) {
	tracker.OnOrderEvent(&schema.OrderEvent{
		OrderID:  "o-" + req.ClientID,
		ClientID: req.ClientID,
		Side:     req.Side,
		Status:   schema.OrderOpen,
	})
}

func newExecutor(t *testing.T, tracker *link.FillTracker, opts Options) *Executor {
	t.Helper()
	opts.RetryDelay = -1
	e, err := New(trackerWaiter{tracker}, opts)
	require.NoError(t, err)
	return e
}

func TestExecuteReportsVWAP(t *testing.T) {
	tracker := link.NewFillTracker("test", false, 0, nil)
	placer := &placerFunc{}
	placer.respond = func(_ int, req OrderRequest) (OrderHandle, error) {
		fill(tracker, req, "t1", "0.6", "100")
		fill(tracker, req, "t1", "0.6", "100")
		fill(tracker, req, "t2", "0.4", "102")
		return OrderHandle{OrderID: "o-" + req.ClientID}, nil
	}
	recorder := &memoryRecorder{}
	e := newExecutor(t, tracker, Options{Placer: placer, Recorder: recorder, NewClientID: func() string { return "c1" }})

	out, err := e.Execute(context.Background(), OrderRequest{Symbol: "BTC", Side: schema.SideBuy, Quantity: dec("1")})
	require.NoError(t, err)
	require.Equal(t, link.FillFilled, out.State)
	require.True(t, out.AvgPrice.Equal(dec("100.8")), out.AvgPrice.String())
	require.Equal(t, "c1", out.ClientID)
	require.Equal(t, "o-c1", out.OrderID)
	require.False(t, out.Assumed)
	require.Len(t, recorder.outcomes, 1)
	require.Zero(t, tracker.Pending())
}

func TestExecuteWidensSlippageAfterRest(t *testing.T) {
	tracker := link.NewFillTracker("test", true, 0, nil)
	placer := &placerFunc{}
	placer.respond = func(n int, req OrderRequest) (OrderHandle, error) {
		if n < 3 {
			rest(tracker, req)
		} else {
			fill(tracker, req, "t9", "2", "50")
		}
		return OrderHandle{}, nil
	}
	recorder := &memoryRecorder{}
	ids := []string{"a", "b", "c"}
	e := newExecutor(t, tracker, Options{Placer: placer, Recorder: recorder, NewClientID: func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}})

	out, err := e.Execute(context.Background(), OrderRequest{
		Symbol: "ETH", Side: schema.SideSell, Quantity: dec("2"), Price: dec("50"),
		Market: true, Slippage: dec("0.0001"), RetryOnSlippage: true,
	})
	require.NoError(t, err)
	require.Equal(t, link.FillFilled, out.State)
	require.Equal(t, 3, out.Attempt)

	require.Len(t, placer.requests, 3)
	require.True(t, placer.requests[0].Slippage.Equal(dec("0.0001")))
	require.True(t, placer.requests[1].Slippage.Equal(dec("0.001")))
	require.True(t, placer.requests[2].Slippage.Equal(dec("0.01")))
	require.Equal(t, []string{"a", "b", "c"}, []string{placer.requests[0].ClientID, placer.requests[1].ClientID, placer.requests[2].ClientID})

	require.Len(t, recorder.outcomes, 3)
	require.Equal(t, link.FillSlippageRejected, recorder.outcomes[0].State)
	require.Equal(t, link.FillSlippageRejected, recorder.outcomes[1].State)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	tracker := link.NewFillTracker("test", true, 0, nil)
	placer := &placerFunc{}
	placer.respond = func(_ int, req OrderRequest) (OrderHandle, error) {
		rest(tracker, req)
		return OrderHandle{}, nil
	}
	e := newExecutor(t, tracker, Options{Placer: placer})

	out, err := e.Execute(context.Background(), OrderRequest{
		Symbol: "ETH", Side: schema.SideBuy, Quantity: dec("1"), Market: true, Slippage: dec("0.001"), RetryOnSlippage: true,
	})
	require.ErrorIs(t, err, link.ErrSlippageRejected)
	require.Equal(t, link.FillSlippageRejected, out.State)
	require.Len(t, placer.requests, 3)

	placer.requests = nil
	_, err = e.Execute(context.Background(), OrderRequest{
		Symbol: "ETH", Side: schema.SideBuy, Quantity: dec("1"), Market: true, Slippage: dec("0.001"),
	})
	require.ErrorIs(t, err, link.ErrSlippageRejected)
	require.Len(t, placer.requests, 1, "no retry unless requested")
}

func TestExecuteTimeoutReconcilesWithOpenOrders(t *testing.T) {
	tracker := link.NewFillTracker("test", false, 0, nil)
	placer := &placerFunc{respond: func(_ int, req OrderRequest) (OrderHandle, error) {
		return OrderHandle{OrderID: "o-" + req.ClientID}, nil
	}}
	req := OrderRequest{Symbol: "SOL", Side: schema.SideBuy, Quantity: dec("3"), Price: dec("21.5"), Timeout: 20 * time.Millisecond}

	still := newExecutor(t, tracker, Options{
		Placer:      placer,
		Querier:     staticQuerier{orders: []OrderSnapshot{{OrderID: "x"}, {ClientID: "resting"}}},
		NewClientID: func() string { return "resting" },
	})
	out, err := still.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrUnconfirmed)
	require.Equal(t, link.FillTimedOut, out.State)
	require.Equal(t, "o-resting", out.OrderID)

	gone := newExecutor(t, tracker, Options{
		Placer:      placer,
		Querier:     staticQuerier{orders: []OrderSnapshot{{OrderID: "x"}}},
		NewClientID: func() string { return "done" },
	})
	out, err = gone.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, link.FillFilled, out.State)
	require.True(t, out.Assumed)
	require.True(t, out.Filled.Equal(dec("3")))
	require.True(t, out.AvgPrice.Equal(dec("21.5")))

	boom := errors.New("rest down")
	broken := newExecutor(t, tracker, Options{Placer: placer, Querier: staticQuerier{err: boom}})
	_, err = broken.Execute(context.Background(), req)
	require.ErrorIs(t, err, link.ErrFillTimeout)
	require.ErrorIs(t, err, boom)

	bare := newExecutor(t, tracker, Options{Placer: placer})
	_, err = bare.Execute(context.Background(), req)
	require.ErrorIs(t, err, link.ErrFillTimeout)
}

func TestExecutePlaceFailureCancelsWait(t *testing.T) {
	tracker := link.NewFillTracker("test", false, 0, nil)
	boom := errors.New("insufficient margin")
	recorder := &memoryRecorder{}
	e := newExecutor(t, tracker, Options{
		Placer:   &placerFunc{respond: func(int, OrderRequest) (OrderHandle, error) { return OrderHandle{}, boom }},
		Recorder: recorder,
	})

	out, err := e.Execute(context.Background(), OrderRequest{Symbol: "BTC", Side: schema.SideSell, Quantity: dec("1")})
	require.ErrorIs(t, err, boom)
	require.Equal(t, link.FillTimedOut, out.State)
	require.NotEmpty(t, out.ClientID, "uuid generated by default")
	require.Zero(t, tracker.Pending())
	require.Len(t, recorder.outcomes, 1)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	_, err = New(trackerWaiter{link.NewFillTracker("test", false, 0, nil)}, Options{})
	require.Error(t, err)

	e := newExecutor(t, link.NewFillTracker("test", false, 0, nil), Options{Placer: &placerFunc{}})
	_, err = e.Execute(context.Background(), OrderRequest{Symbol: "BTC", Side: schema.SideBuy})
	require.Error(t, err)
}
