package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/link"
	"github.com/coachpo/exchangelink/internal/observability"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 300 * time.Millisecond
)

var defaultSlippageFactor = decimal.NewFromInt(10)

// Options configure an Executor.
type Options struct {
	Placer   OrderPlacer
	Querier  OrderQuerier
	Recorder FillRecorder
	// NewClientID defaults to uuid.NewString.
	NewClientID func() string
	Logger      observability.Logger

	MaxAttempts    int
	SlippageFactor decimal.Decimal
	RetryDelay     time.Duration
	Now            func() time.Time
}

// Executor runs fill-correlated orders against one link.
type Executor struct {
	waiter   FillWaiter
	placer   OrderPlacer
	querier  OrderQuerier
	recorder FillRecorder
	clientID func() string
	logger   observability.Logger

	maxAttempts int
	factor      decimal.Decimal
	retryDelay  time.Duration
	now         func() time.Time
}

// New builds an executor. A placer is required.
func New(waiter FillWaiter, opts Options) (*Executor, error) {
	if waiter == nil {
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("fill waiter required"))
	}
	if opts.Placer == nil {
		return nil, errs.New(waiter.Exchange(), errs.CodeInvalid, errs.WithMessage("order placer required"))
	}
	e := &Executor{
		waiter:      waiter,
		placer:      opts.Placer,
		querier:     opts.Querier,
		recorder:    opts.Recorder,
		clientID:    opts.NewClientID,
		logger:      observability.OrDefault(opts.Logger),
		maxAttempts: opts.MaxAttempts,
		factor:      opts.SlippageFactor,
		retryDelay:  opts.RetryDelay,
		now:         opts.Now,
	}
	if e.clientID == nil {
		e.clientID = uuid.NewString
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}
	if !e.factor.GreaterThan(decimal.NewFromInt(1)) {
		e.factor = defaultSlippageFactor
	}
	if e.retryDelay < 0 {
		e.retryDelay = 0
	} else if e.retryDelay == 0 {
		e.retryDelay = defaultRetryDelay
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Execute places req and waits for its fill. A market order that rests because of
// slippage protection is resubmitted with a wider tolerance when req allows it.
// The returned outcome describes the last attempt.
func (e *Executor) Execute(ctx context.Context, req OrderRequest) (Outcome, error) {
	if !req.Quantity.IsPositive() {
		return Outcome{}, errs.New(e.waiter.Exchange(), errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}

	attempts := 1
	if req.Market && req.RetryOnSlippage {
		attempts = e.maxAttempts
	}

	var (
		outcome Outcome
		err     error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			req.Slippage = req.Slippage.Mul(e.factor)
			req.ClientID = ""
			e.logger.Warn("widening slippage after resting market order",
				observability.F("exchange", e.waiter.Exchange()),
				observability.F("symbol", req.Symbol),
				observability.F("attempt", attempt),
				observability.F("slippage", req.Slippage.String()),
			)
			if err := sleepContext(ctx, e.retryDelay); err != nil {
				return outcome, err
			}
		}

		outcome, err = e.attempt(ctx, req, attempt)
		e.record(ctx, outcome)
		if !errors.Is(err, link.ErrSlippageRejected) {
			return outcome, err
		}
	}
	return outcome, err
}

func (e *Executor) attempt(ctx context.Context, req OrderRequest, attempt int) (Outcome, error) {
	if req.ClientID == "" {
		req.ClientID = e.clientID()
	}
	outcome := Outcome{
		Exchange: e.waiter.Exchange(),
		Symbol:   req.Symbol,
		ClientID: req.ClientID,
		Side:     req.Side,
		Expected: req.Quantity,
		Slippage: req.Slippage,
		Attempt:  attempt,
		At:       e.now(),
	}

	wait := e.waiter.BeginFill(link.FillExpectation{
		Side:     req.Side,
		Quantity: req.Quantity,
		ClientID: req.ClientID,
		Market:   req.Market,
	}, req.Timeout)

	handle, err := e.placer.PlaceOrder(ctx, req)
	if err != nil {
		wait.Cancel("place order failed")
		outcome.State = link.FillTimedOut
		outcome.Reason = "place order failed"
		return outcome, fmt.Errorf("place order: %w", err)
	}
	if handle.ClientID != "" && handle.ClientID != req.ClientID {
		outcome.ClientID = handle.ClientID
	}

	res := wait.Wait(ctx)
	outcome.State = res.State
	outcome.OrderID = firstNonEmpty(res.OrderID, handle.OrderID)
	outcome.Filled = res.Quantity
	outcome.AvgPrice = res.AvgPrice
	outcome.Reason = res.Reason
	outcome.Elapsed = res.Elapsed

	if res.State != link.FillTimedOut || ctx.Err() != nil {
		return outcome, res.Err()
	}
	return e.reconcile(ctx, req, outcome)
}

// reconcile decides a timed-out wait from the venue's open orders. An order that is
// gone is taken as filled at the requested price; one that still rests is unconfirmed.
func (e *Executor) reconcile(ctx context.Context, req OrderRequest, outcome Outcome) (Outcome, error) {
	if e.querier == nil {
		return outcome, link.ErrFillTimeout
	}
	open, err := e.querier.OpenOrders(ctx, req.Symbol)
	if err != nil {
		e.logger.Error("open orders query failed after fill timeout",
			observability.F("exchange", outcome.Exchange),
			observability.F("client_id", outcome.ClientID),
			observability.Err(err),
		)
		return outcome, errors.Join(link.ErrFillTimeout, fmt.Errorf("query open orders: %w", err))
	}
	for _, o := range open {
		if (outcome.ClientID != "" && o.ClientID == outcome.ClientID) ||
			(outcome.OrderID != "" && o.OrderID == outcome.OrderID) {
			outcome.OrderID = firstNonEmpty(outcome.OrderID, o.OrderID)
			outcome.Reason = "still open after fill timeout"
			return outcome, ErrUnconfirmed
		}
	}

	outcome.State = link.FillFilled
	outcome.Assumed = true
	outcome.Filled = req.Quantity
	outcome.AvgPrice = req.Price
	outcome.Reason = "absent from open orders after fill timeout"
	e.logger.Warn("assuming fill from order book absence",
		observability.F("exchange", outcome.Exchange),
		observability.F("client_id", outcome.ClientID),
		observability.F("price", req.Price.String()),
	)
	return outcome, nil
}

func (e *Executor) record(ctx context.Context, outcome Outcome) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordFill(ctx, outcome); err != nil {
		e.logger.Error("record fill outcome",
			observability.F("exchange", outcome.Exchange),
			observability.F("client_id", outcome.ClientID),
			observability.Err(err),
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
