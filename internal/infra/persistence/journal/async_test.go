package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/execution"
	"github.com/coachpo/exchangelink/internal/link"
)

type recorderFunc func(context.Context, execution.Outcome) error

func (f recorderFunc) RecordFill(ctx context.Context, o execution.Outcome) error { return f(ctx, o) }

func TestAsyncRecorderFlushesOnClose(t *testing.T) {
	var (
		mu          sync.Mutex
		got         []string
		unboundedCt int
	)
	rec, err := NewAsyncRecorder(recorderFunc(func(ctx context.Context, o execution.Outcome) error {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := ctx.Deadline(); !ok {
			unboundedCt++
		}
		got = append(got, o.ClientID)
		return nil
	}), 2, 16, nil)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, rec.RecordFill(context.Background(), execution.Outcome{
			Exchange: "lighter", ClientID: id, State: link.FillFilled, Expected: decimal.NewFromInt(1),
		}))
	}
	require.NoError(t, rec.Close(context.Background()))
	require.ElementsMatch(t, []string{"a", "b", "c"}, got)
	require.Zero(t, unboundedCt, "every write carries a deadline")

	err = rec.RecordFill(context.Background(), execution.Outcome{Exchange: "lighter"})
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestAsyncRecorderDropsWhenSaturated(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	rec, err := NewAsyncRecorder(recorderFunc(func(context.Context, execution.Outcome) error {
		started <- struct{}{}
		<-gate
		return errors.New("db down")
	}), 1, 1, nil)
	require.NoError(t, err)

	require.NoError(t, rec.RecordFill(context.Background(), execution.Outcome{Exchange: "x", ClientID: "1"}))
	<-started
	require.NoError(t, rec.RecordFill(context.Background(), execution.Outcome{Exchange: "x", ClientID: "2"}))
	err = rec.RecordFill(context.Background(), execution.Outcome{Exchange: "x", ClientID: "3"})
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rec.Close(ctx))
}

func TestAsyncRecorderRejectsCanceledContext(t *testing.T) {
	rec, err := NewAsyncRecorder(recorderFunc(func(context.Context, execution.Outcome) error { return nil }), 1, 1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, rec.RecordFill(ctx, execution.Outcome{Exchange: "x"}), context.Canceled)
}
