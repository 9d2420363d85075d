package link

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/config"
)

type stepCounter struct {
	teardowns    atomic.Int32
	connects     atomic.Int32
	resubscribes atomic.Int32
	connectErr   atomic.Pointer[error]
}

func (s *stepCounter) steps() reconnectSteps {
	return reconnectSteps{
		teardown: func(context.Context) error {
			s.teardowns.Add(1)
			return nil
		},
		connect: func(context.Context) error {
			s.connects.Add(1)
			if errp := s.connectErr.Load(); errp != nil {
				return *errp
			}
			return nil
		},
		resubscribe: func(context.Context) error {
			s.resubscribes.Add(1)
			return nil
		},
	}
}

func defaultBackoff() config.BackoffConfig {
	return config.BackoffConfig{Base: 2 * time.Second, Cap: 8, Max: 300 * time.Second}
}

func TestBackoffScheduleDoublesUntilCeiling(t *testing.T) {
	b := newBackoffSchedule(defaultBackoff())
	want := []time.Duration{2, 4, 8, 16, 32, 64, 128, 256, 300, 300}
	for i, secs := range want {
		require.Equal(t, secs*time.Second, b.NextBackOff(), "attempt %d", i+1)
	}
	b.Reset()
	require.Equal(t, 2*time.Second, b.NextBackOff())

	capped := newBackoffSchedule(config.BackoffConfig{Base: time.Second, Cap: 2, Max: time.Minute})
	for _, want := range []time.Duration{1, 2, 4, 4} {
		require.Equal(t, want*time.Second, capped.NextBackOff())
	}
}

func TestReconnectSingleFlight(t *testing.T) {
	release := make(chan struct{})
	probeStarted := make(chan struct{}, 1)
	var probes, sleeps atomic.Int32
	probe := ProberFunc(func(context.Context) error {
		probes.Add(1)
		probeStarted <- struct{}{}
		<-release
		return nil
	})
	sleep := func(context.Context, time.Duration) error {
		sleeps.Add(1)
		return nil
	}
	counter := &stepCounter{}
	r := newReconnectCoordinator("fake", defaultBackoff(), probe, nil, time.Second, sleep, counter.steps(), nil, nil)

	var wg sync.WaitGroup
	errsCh := make(chan error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errsCh <- r.Trigger(context.Background(), "heartbeat")
	}()
	<-probeStarted
	require.True(t, r.InFlight())

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- r.Trigger(context.Background(), "concurrent")
		}()
	}
	// give the followers time to join the flight before it completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), probes.Load())
	require.Equal(t, int32(1), sleeps.Load())
	require.Equal(t, int32(1), counter.connects.Load())
	require.Equal(t, int32(1), counter.resubscribes.Load())
	require.False(t, r.InFlight())
}

func TestReconnectProbeFailureDoesNotCountAttempt(t *testing.T) {
	var sleeps atomic.Int32
	probe := ProberFunc(func(context.Context) error { return errors.New("no route to host") })
	counter := &stepCounter{}
	r := newReconnectCoordinator("fake", defaultBackoff(), probe, nil, time.Second,
		func(context.Context, time.Duration) error { sleeps.Add(1); return nil }, counter.steps(), nil, nil)

	err := r.Trigger(context.Background(), "heartbeat")
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
	require.Zero(t, r.Attempts())
	require.Zero(t, sleeps.Load())
	require.Zero(t, counter.teardowns.Load())
}

func TestReconnectFailuresGrowBackoffAndSuccessResets(t *testing.T) {
	var delays []time.Duration
	var mu sync.Mutex
	sleep := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}
	counter := &stepCounter{}
	dialErr := errs.New("fake", errs.CodeNetwork, errs.WithMessage("refused"))
	var asErr error = dialErr
	counter.connectErr.Store(&asErr)

	r := newReconnectCoordinator("fake", defaultBackoff(), alwaysReachable, nil, time.Second, sleep, counter.steps(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, r.Trigger(ctx, "heartbeat"))
	}
	require.Equal(t, 3, r.Attempts())
	require.Zero(t, counter.resubscribes.Load())

	counter.connectErr.Store(nil)
	require.NoError(t, r.Trigger(ctx, "heartbeat"))
	require.Zero(t, r.Attempts())
	require.NoError(t, r.Trigger(ctx, "heartbeat"))

	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 2 * time.Second}, delays)
}

func TestReconnectSleepInterruptedByShutdown(t *testing.T) {
	counter := &stepCounter{}
	r := newReconnectCoordinator("fake", defaultBackoff(), alwaysReachable, nil, time.Second, nil, counter.steps(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := r.Trigger(ctx, "shutdown")
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.Zero(t, counter.connects.Load())
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := NewHTTPProbe(srv.URL, time.Second)
	require.NoError(t, probe.Probe(context.Background()))

	status.Store(http.StatusNotFound)
	require.NoError(t, probe.Probe(context.Background()), "any answer proves reachability")

	status.Store(http.StatusBadGateway)
	require.Error(t, probe.Probe(context.Background()))

	require.Nil(t, NewHTTPProbe("", time.Second))
}
