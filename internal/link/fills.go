package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/observability"
)

// FillState is the resolution of a fill wait.
type FillState uint8

const (
	FillWaiting FillState = iota
	FillFilled
	FillTimedOut
	FillSlippageRejected
)

func (s FillState) String() string {
	switch s {
	case FillFilled:
		return "filled"
	case FillTimedOut:
		return "timed_out"
	case FillSlippageRejected:
		return "slippage_rejected"
	default:
		return "waiting"
	}
}

var (
	// ErrFillTimeout reports a wait that expired before the expected quantity filled.
	ErrFillTimeout = errors.New("fill wait timed out")
	// ErrSlippageRejected reports a market order that rested instead of filling.
	ErrSlippageRejected = errors.New("market order rejected by slippage tolerance")
)

// FillExpectation describes the fill a caller is about to cause.
type FillExpectation struct {
	Side     schema.Side
	Quantity decimal.Decimal
	// ClientID narrows matching when both the expectation and the event carry one.
	ClientID string
	// Market marks a market-order wait; only those can resolve as slippage rejections.
	Market bool
}

// FillResult is the outcome of a wait. AvgPrice is the volume-weighted fill price.
type FillResult struct {
	State    FillState
	Quantity decimal.Decimal
	Notional decimal.Decimal
	AvgPrice decimal.Decimal
	OrderID  string
	Fills    int
	Elapsed  time.Duration
	Reason   string
}

// Err maps non-filled states onto sentinel errors.
func (r FillResult) Err() error {
	switch r.State {
	case FillFilled:
		return nil
	case FillSlippageRejected:
		return ErrSlippageRejected
	default:
		return ErrFillTimeout
	}
}

type cumulativeMark struct {
	quantity decimal.Decimal
	notional decimal.Decimal
}

// FillWait is one registered expectation.
type FillWait struct {
	id          uint64
	expectation FillExpectation
	tracker     *FillTracker
	startedAt   time.Time
	deadline    time.Time
	done        chan struct{}

	mu       sync.Mutex
	state    FillState
	quantity decimal.Decimal
	notional decimal.Decimal
	fills    int
	orderID  string
	marks    map[string]cumulativeMark
	result   FillResult
}

// Expectation returns the expectation the wait was registered with.
func (w *FillWait) Expectation() FillExpectation {
	return w.expectation
}

// Done is closed once the wait resolves.
func (w *FillWait) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the expectation resolves, its timeout elapses, or ctx is done.
// Whichever comes first decides the result.
func (w *FillWait) Wait(ctx context.Context) FillResult {
	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		w.resolve(FillTimedOut, "timeout")
	case <-ctx.Done():
		w.resolve(FillTimedOut, "context done")
	}
	return w.Result()
}

// Cancel resolves a pending wait as timed out, e.g. when the order was never submitted.
func (w *FillWait) Cancel(reason string) bool {
	return w.resolve(FillTimedOut, reason)
}

// Result returns the current outcome without blocking.
func (w *FillWait) Result() FillResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == FillWaiting {
		return w.snapshotLocked(time.Since(w.startedAt))
	}
	return w.result
}

func (w *FillWait) snapshotLocked(elapsed time.Duration) FillResult {
	res := FillResult{
		State:    w.state,
		Quantity: w.quantity,
		Notional: w.notional,
		OrderID:  w.orderID,
		Fills:    w.fills,
		Elapsed:  elapsed,
	}
	if w.quantity.IsPositive() {
		res.AvgPrice = w.notional.Div(w.quantity)
	}
	return res
}

// resolve moves a waiting expectation to state. Later calls are no-ops.
func (w *FillWait) resolve(state FillState, reason string) bool {
	w.mu.Lock()
	if w.state != FillWaiting {
		w.mu.Unlock()
		return false
	}
	w.state = state
	w.result = w.snapshotLocked(w.tracker.now().Sub(w.startedAt))
	w.result.Reason = reason
	result := w.result
	w.mu.Unlock()

	close(w.done)
	w.tracker.finish(w, result)
	return true
}

// apply runs the matching rules for one event. It reports whether the event matched.
func (w *FillWait) apply(ev *schema.OrderEvent, openMeansSlippage bool, logger observability.Logger) bool {
	w.mu.Lock()
	if w.state != FillWaiting {
		w.mu.Unlock()
		return false
	}
	// a wait nobody is blocked on still expires on schedule
	if w.tracker.now().After(w.deadline) {
		w.mu.Unlock()
		w.resolve(FillTimedOut, "timeout")
		return false
	}
	if w.expectation.ClientID != "" && ev.ClientID != "" && ev.ClientID != w.expectation.ClientID {
		w.mu.Unlock()
		return false
	}
	if ev.Side != w.expectation.Side {
		w.mu.Unlock()
		return false
	}
	if ev.OrderID != "" {
		w.orderID = ev.OrderID
	}
	if ev.Status == schema.OrderOpen && w.expectation.Market && openMeansSlippage {
		w.mu.Unlock()
		w.resolve(FillSlippageRejected, "order rested as open")
		return true
	}

	qty, notional := w.incrementLocked(ev)
	if !qty.IsPositive() {
		w.mu.Unlock()
		return true
	}
	w.quantity = w.quantity.Add(qty)
	w.notional = w.notional.Add(notional)
	w.fills++
	filled := w.quantity.GreaterThanOrEqual(w.expectation.Quantity)
	overfill := w.quantity.GreaterThan(w.expectation.Quantity)
	accumulated := w.quantity
	w.mu.Unlock()

	if overfill {
		logger.Warn("fill exceeded expected quantity",
			observability.F("order_id", ev.OrderID),
			observability.F("expected", w.expectation.Quantity.String()),
			observability.F("accumulated", accumulated.String()),
		)
	}
	if filled {
		w.resolve(FillFilled, "")
	}
	return true
}

// incrementLocked returns the quantity and notional this event adds to the wait.
func (w *FillWait) incrementLocked(ev *schema.OrderEvent) (decimal.Decimal, decimal.Decimal) {
	if !ev.Cumulative {
		if !ev.FillQuantity.IsPositive() {
			return decimal.Zero, decimal.Zero
		}
		return ev.FillQuantity, ev.FillQuantity.Mul(ev.FillPrice)
	}

	if w.marks == nil {
		w.marks = make(map[string]cumulativeMark)
	}
	prev := w.marks[ev.OrderID]
	delta := ev.CumulativeQuantity.Sub(prev.quantity)
	if !delta.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	var notional decimal.Decimal
	if ev.CumulativeNotional.IsPositive() {
		notional = ev.CumulativeNotional.Sub(prev.notional)
	} else {
		notional = delta.Mul(ev.FillPrice)
	}
	// credited notional, not the venue total: earlier updates may have been priced from FillPrice
	w.marks[ev.OrderID] = cumulativeMark{quantity: ev.CumulativeQuantity, notional: prev.notional.Add(notional)}
	return delta, notional
}

// FillTracker correlates private order events with registered expectations.
type FillTracker struct {
	exchange          string
	openMeansSlippage bool
	logger            observability.Logger
	metrics           *linkMetrics
	now               func() time.Time

	mu    sync.RWMutex
	seq   uint64
	waits map[uint64]*FillWait
	seen  *recentSet
}

// NewFillTracker builds a tracker. dedupCapacity bounds the remembered fill keys.
func NewFillTracker(exchange string, openMeansSlippage bool, dedupCapacity int, logger observability.Logger) *FillTracker {
	return &FillTracker{
		exchange:          exchange,
		openMeansSlippage: openMeansSlippage,
		logger:            observability.OrDefault(logger),
		now:               time.Now,
		waits:             make(map[uint64]*FillWait),
		seen:              newRecentSet(dedupCapacity),
	}
}

// BeginWait registers an expectation. Call it before submitting the order so that
// no fill can arrive unobserved.
func (t *FillTracker) BeginWait(exp FillExpectation, timeout time.Duration) *FillWait {
	now := t.now()
	w := &FillWait{
		expectation: exp,
		tracker:     t,
		startedAt:   now,
		deadline:    now.Add(timeout),
		done:        make(chan struct{}),
		state:       FillWaiting,
	}
	t.mu.Lock()
	t.seq++
	w.id = t.seq
	t.waits[w.id] = w
	t.mu.Unlock()
	return w
}

// OnOrderEvent applies ev to every pending expectation.
func (t *FillTracker) OnOrderEvent(ev *schema.OrderEvent) {
	if ev == nil {
		return
	}
	if key := fillKey(ev); key != "" && t.seen.Seen(key) {
		t.logger.Debug("duplicate fill dropped",
			observability.F("exchange", t.exchange),
			observability.F("order_id", ev.OrderID),
			observability.F("key", key),
		)
		return
	}

	t.mu.RLock()
	pending := make([]*FillWait, 0, len(t.waits))
	for _, w := range t.waits {
		pending = append(pending, w)
	}
	t.mu.RUnlock()

	matched := false
	for _, w := range pending {
		if w.apply(ev, t.openMeansSlippage, t.logger) {
			matched = true
		}
	}
	if !matched {
		t.logger.Debug("order event matched no pending fill wait",
			observability.F("exchange", t.exchange),
			observability.F("order_id", ev.OrderID),
			observability.F("status", string(ev.Status)),
		)
	}
}

// CancelAll resolves every pending wait as timed out.
func (t *FillTracker) CancelAll(reason string) int {
	t.mu.RLock()
	pending := make([]*FillWait, 0, len(t.waits))
	for _, w := range t.waits {
		pending = append(pending, w)
	}
	t.mu.RUnlock()

	cancelled := 0
	for _, w := range pending {
		if w.resolve(FillTimedOut, reason) {
			cancelled++
		}
	}
	return cancelled
}

// Pending returns the number of unresolved waits.
func (t *FillTracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.waits)
}

func (t *FillTracker) finish(w *FillWait, result FillResult) {
	t.mu.Lock()
	delete(t.waits, w.id)
	t.mu.Unlock()

	t.metrics.recordFill(context.Background(), string(w.expectation.Side), result.State, result.Elapsed)
	t.logger.Debug("fill wait resolved",
		observability.F("exchange", t.exchange),
		observability.F("state", result.State.String()),
		observability.F("quantity", result.Quantity.String()),
		observability.F("avg_price", result.AvgPrice.String()),
		observability.F("reason", result.Reason),
	)
}

// fillKey identifies a fill for deduplication. Status-only updates have no key.
func fillKey(ev *schema.OrderEvent) string {
	if ev.TradeID != "" {
		return "t:" + ev.TradeID
	}
	if ev.Cumulative && ev.CumulativeQuantity.IsPositive() {
		return "c:" + ev.OrderID + ":" + ev.CumulativeQuantity.String()
	}
	return ""
}
