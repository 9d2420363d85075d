package journal

import (
	"context"
	"time"

	"github.com/coachpo/exchangelink/internal/execution"
	"github.com/coachpo/exchangelink/internal/observability"
	"github.com/coachpo/exchangelink/lib/async"
)

const defaultWriteTimeout = 5 * time.Second

// AsyncRecorder hands outcomes to a worker pool so journal writes never delay order flow.
// Outcomes that do not fit the queue are logged and dropped.
type AsyncRecorder struct {
	next    execution.FillRecorder
	pool    *async.Pool
	logger  observability.Logger
	timeout time.Duration
}

var _ execution.FillRecorder = (*AsyncRecorder)(nil)

// NewAsyncRecorder wraps next with a pool of workers and a bounded queue.
func NewAsyncRecorder(next execution.FillRecorder, workers, queue int, logger observability.Logger) (*AsyncRecorder, error) {
	logger = observability.OrDefault(logger)
	pool, err := async.NewPool(workers, queue, func(err error) {
		logger.Error("journal write failed", observability.Err(err))
	})
	if err != nil {
		return nil, err
	}
	return &AsyncRecorder{next: next, pool: pool, logger: logger, timeout: defaultWriteTimeout}, nil
}

// RecordFill queues outcome. The caller's context only bounds the enqueue.
func (r *AsyncRecorder) RecordFill(ctx context.Context, outcome execution.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.pool.Submit(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.next.RecordFill(ctx, outcome)
	})
	if err != nil {
		r.logger.Warn("journal outcome dropped",
			observability.F("exchange", outcome.Exchange),
			observability.F("client_id", outcome.ClientID),
			observability.Err(err),
		)
	}
	return err
}

// Close flushes queued outcomes, waiting at most until ctx is done.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}
