package link

import (
	"context"
	"time"

	"github.com/coachpo/exchangelink/internal/observability"
	"github.com/coachpo/exchangelink/internal/telemetry"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultPingFailures      = 2
)

// heartbeatTarget is the connection state the supervisor inspects.
type heartbeatTarget interface {
	IsHealthy() bool
	LastMessageAt() time.Time
	SendPing(ctx context.Context) error
	MarkUnhealthy()
}

// HeartbeatSupervisor detects dead connections and asks for a reconnect.
type HeartbeatSupervisor struct {
	exchange     string
	policy       HeartbeatPolicy
	interval     time.Duration
	pingInterval time.Duration
	threshold    int

	target    heartbeatTarget
	reconnect func(ctx context.Context, reason string)
	logger    observability.Logger
	metrics   *linkMetrics

	// owned by the Run goroutine
	failures   int
	lastPingAt time.Time
}

func newHeartbeatSupervisor(exchange string, policy HeartbeatPolicy, interval, pingInterval time.Duration, threshold int,
	target heartbeatTarget, reconnect func(ctx context.Context, reason string), logger observability.Logger, metrics *linkMetrics) *HeartbeatSupervisor {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if threshold <= 0 {
		threshold = defaultPingFailures
	}
	return &HeartbeatSupervisor{
		exchange:     exchange,
		policy:       policy,
		interval:     interval,
		pingInterval: pingInterval,
		threshold:    threshold,
		target:       target,
		reconnect:    reconnect,
		logger:       observability.OrDefault(logger),
		metrics:      metrics,
	}
}

// Run ticks until ctx is done.
func (h *HeartbeatSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Tick(ctx, now)
		}
	}
}

// Tick runs one supervision pass.
func (h *HeartbeatSupervisor) Tick(ctx context.Context, now time.Time) {
	if !h.target.IsHealthy() {
		h.resetPings()
		h.reconnect(ctx, "connection unhealthy")
		return
	}

	last := h.target.LastMessageAt()
	silence := now.Sub(last)
	h.metrics.recordSilence(ctx, silence)

	if h.policy == TrustTransport {
		if silence > 2*h.interval {
			h.logger.Debug("no inbound frames; relying on transport keepalive",
				observability.F("exchange", h.exchange),
				observability.F("silence", silence))
		}
		return
	}

	if !h.lastPingAt.IsZero() {
		if now.Sub(h.lastPingAt) < h.pingInterval {
			return
		}
		if last.After(h.lastPingAt) {
			h.failures = 0
		} else {
			h.failures++
			h.logger.Debug("ping unanswered",
				observability.F("exchange", h.exchange),
				observability.F("failures", h.failures))
		}
	}

	if h.failures < h.threshold {
		if err := h.target.SendPing(ctx); err != nil {
			h.failures++
			h.lastPingAt = time.Time{}
			h.metrics.recordPing(ctx, telemetry.ResultFailure)
			h.logger.Warn("ping failed",
				observability.F("exchange", h.exchange),
				observability.F("failures", h.failures),
				observability.Err(err))
		} else {
			h.lastPingAt = now
			h.metrics.recordPing(ctx, telemetry.ResultSuccess)
		}
	}

	if h.failures >= h.threshold {
		h.logger.Warn("heartbeat failed; forcing reconnect",
			observability.F("exchange", h.exchange),
			observability.F("failures", h.failures),
			observability.F("silence", silence))
		h.resetPings()
		h.target.MarkUnhealthy()
		h.reconnect(ctx, "ping timeout")
	}
}

func (h *HeartbeatSupervisor) resetPings() {
	h.failures = 0
	h.lastPingAt = time.Time{}
}
