package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/config"
	"github.com/coachpo/exchangelink/internal/observability"
	"github.com/coachpo/exchangelink/internal/telemetry"
)

const (
	reconnectFlight = "reconnect"
	// failures past this attempt count are logged at debug level
	quietAfterAttempts = 3
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reconnectSteps are the link operations a reconnect run drives.
type reconnectSteps struct {
	teardown    func(ctx context.Context) error
	connect     func(ctx context.Context) error
	resubscribe func(ctx context.Context) error
}

// ReconnectCoordinator runs at most one probe/teardown/backoff/redial/resubscribe
// sequence at a time. Concurrent triggers join the run in flight.
type ReconnectCoordinator struct {
	exchange        string
	probe           Prober
	exchangeProbe   Prober
	teardownTimeout time.Duration
	sleep           Sleeper
	steps           reconnectSteps
	logger          observability.Logger
	metrics         *linkMetrics

	group    singleflight.Group
	inFlight atomic.Bool

	mu       sync.Mutex
	attempts int
	schedule *backoff.ExponentialBackOff
}

func newReconnectCoordinator(exchange string, cfg config.BackoffConfig, probe, exchangeProbe Prober, teardownTimeout time.Duration,
	sleep Sleeper, steps reconnectSteps, logger observability.Logger, metrics *linkMetrics) *ReconnectCoordinator {
	if sleep == nil {
		sleep = sleepContext
	}
	if teardownTimeout <= 0 {
		teardownTimeout = defaultCloseGrace
	}
	return &ReconnectCoordinator{
		exchange:        exchange,
		probe:           probe,
		exchangeProbe:   exchangeProbe,
		teardownTimeout: teardownTimeout,
		sleep:           sleep,
		steps:           steps,
		logger:          observability.OrDefault(logger),
		metrics:         metrics,
		schedule:        newBackoffSchedule(cfg),
	}
}

// newBackoffSchedule yields min(base*2^min(attempt-1, cap), max) without jitter.
func newBackoffSchedule(cfg config.BackoffConfig) *backoff.ExponentialBackOff {
	base := cfg.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := cfg.Max
	if maxDelay <= 0 {
		maxDelay = 300 * time.Second
	}
	ceiling := maxDelay
	if cfg.Cap >= 0 && cfg.Cap < 32 {
		if capped := base << uint(cfg.Cap); capped > 0 && capped < ceiling {
			ceiling = capped
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = ceiling
	b.Reset()
	return b
}

// Trigger requests a reconnect. Callers arriving while a run is in flight share its result.
func (r *ReconnectCoordinator) Trigger(ctx context.Context, reason string) error {
	_, err, _ := r.group.Do(reconnectFlight, func() (any, error) {
		r.inFlight.Store(true)
		defer r.inFlight.Store(false)
		return nil, r.run(ctx, reason)
	})
	return err
}

// InFlight reports whether a run is executing.
func (r *ReconnectCoordinator) InFlight() bool {
	return r.inFlight.Load()
}

// Attempts returns the number of consecutive unsuccessful attempts.
func (r *ReconnectCoordinator) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *ReconnectCoordinator) run(ctx context.Context, reason string) error {
	if r.probe != nil {
		if err := r.probe.Probe(ctx); err != nil {
			r.metrics.recordReconnect(ctx, telemetry.ResultSkipped, reason)
			r.logger.Warn("network probe failed; reconnect postponed",
				observability.F("exchange", r.exchange),
				observability.F("reason", reason),
				observability.Err(err))
			return errs.New(r.exchange, errs.CodeNetwork, errs.WithMessage("network unreachable"), errs.WithCause(err))
		}
	}
	if r.exchangeProbe != nil {
		if err := r.exchangeProbe.Probe(ctx); err != nil {
			r.logger.Info("exchange status probe failed",
				observability.F("exchange", r.exchange),
				observability.Err(err))
		}
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.teardownTimeout)
	if err := r.steps.teardown(teardownCtx); err != nil {
		r.logger.Debug("teardown of previous session failed",
			observability.F("exchange", r.exchange),
			observability.Err(err))
	}
	cancel()

	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	delay := r.schedule.NextBackOff()
	r.mu.Unlock()

	r.metrics.recordDelay(ctx, delay)
	r.logger.Info("reconnecting",
		observability.F("exchange", r.exchange),
		observability.F("reason", reason),
		observability.F("attempt", attempt),
		observability.F("delay", delay))
	if err := r.sleep(ctx, delay); err != nil {
		return err
	}

	if err := r.steps.connect(ctx); err != nil {
		r.metrics.recordReconnect(ctx, telemetry.ResultFailure, reason)
		logf := r.logger.Warn
		if attempt > quietAfterAttempts {
			logf = r.logger.Debug
		}
		logf("reconnect failed",
			observability.F("exchange", r.exchange),
			observability.F("attempt", attempt),
			observability.Err(err))
		return err
	}

	if err := r.steps.resubscribe(ctx); err != nil {
		r.logger.Warn("resubscribe incomplete",
			observability.F("exchange", r.exchange),
			observability.Err(err))
	}

	r.mu.Lock()
	r.attempts = 0
	r.schedule.Reset()
	r.mu.Unlock()

	r.metrics.recordReconnect(ctx, telemetry.ResultSuccess, reason)
	r.logger.Info("reconnected",
		observability.F("exchange", r.exchange),
		observability.F("attempt", attempt))
	return nil
}
