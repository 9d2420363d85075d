package link

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/exchangelink/internal/telemetry"
)

type linkMetrics struct {
	environment string
	exchange    string

	reconnects     metric.Int64Counter
	reconnectDelay metric.Float64Histogram
	messages       metric.Int64Counter
	messageBytes   metric.Int64Counter
	decodeErrors   metric.Int64Counter
	pings          metric.Int64Counter
	silence        metric.Float64Histogram
	subscriptions  metric.Int64UpDownCounter
	fillOutcomes   metric.Int64Counter
	fillWait       metric.Float64Histogram
}

func newLinkMetrics(exchange string) *linkMetrics {
	meter := otel.Meter("exchangelink.link")
	lm := &linkMetrics{
		environment: telemetry.Environment(),
		exchange:    exchange,
	}

	lm.reconnects, _ = meter.Int64Counter("exchangelink_ws_reconnects",
		metric.WithDescription("Reconnection runs by result"),
		metric.WithUnit("{reconnect}"))

	lm.reconnectDelay, _ = meter.Float64Histogram("exchangelink_reconnect_delay",
		metric.WithDescription("Backoff delay applied before redialing"),
		metric.WithUnit("s"))

	lm.messages, _ = meter.Int64Counter("exchangelink_ws_messages",
		metric.WithDescription("Inbound frames received"),
		metric.WithUnit("{message}"))

	lm.messageBytes, _ = meter.Int64Counter("exchangelink_ws_message_bytes",
		metric.WithDescription("Inbound payload bytes received"),
		metric.WithUnit("By"))

	lm.decodeErrors, _ = meter.Int64Counter("exchangelink_ws_decode_errors",
		metric.WithDescription("Frames dropped because they could not be decoded"),
		metric.WithUnit("{frame}"))

	lm.pings, _ = meter.Int64Counter("exchangelink_ws_pings",
		metric.WithDescription("Application pings sent by result"),
		metric.WithUnit("{ping}"))

	lm.silence, _ = meter.Float64Histogram("exchangelink_ws_silence",
		metric.WithDescription("Time since the last inbound frame at each heartbeat tick"),
		metric.WithUnit("s"))

	lm.subscriptions, _ = meter.Int64UpDownCounter("exchangelink_ws_subscriptions",
		metric.WithDescription("Registered stream subscriptions"),
		metric.WithUnit("{subscription}"))

	lm.fillOutcomes, _ = meter.Int64Counter("exchangelink_fill_outcomes",
		metric.WithDescription("Fill waits resolved by state"),
		metric.WithUnit("{wait}"))

	lm.fillWait, _ = meter.Float64Histogram("exchangelink_fill_wait_duration",
		metric.WithDescription("Time from BeginWait to resolution"),
		metric.WithUnit("ms"))

	return lm
}

func (lm *linkMetrics) base(extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := telemetry.LinkAttributes(lm.environment, lm.exchange)
	return metric.WithAttributes(append(attrs, extra...)...)
}

func (lm *linkMetrics) recordReconnect(ctx context.Context, result, reason string) {
	if lm == nil || lm.reconnects == nil {
		return
	}
	lm.reconnects.Add(ensureContext(ctx), 1, lm.base(
		telemetry.AttrResult.String(result),
		telemetry.AttrReason.String(reason),
	))
}

func (lm *linkMetrics) recordDelay(ctx context.Context, delay time.Duration) {
	if lm == nil || lm.reconnectDelay == nil {
		return
	}
	lm.reconnectDelay.Record(ensureContext(ctx), delay.Seconds(), lm.base())
}

func (lm *linkMetrics) recordMessage(ctx context.Context, size int) {
	if lm == nil || lm.messages == nil {
		return
	}
	ctx = ensureContext(ctx)
	opt := lm.base()
	lm.messages.Add(ctx, 1, opt)
	if lm.messageBytes != nil {
		lm.messageBytes.Add(ctx, int64(size), opt)
	}
}

func (lm *linkMetrics) recordDecodeError(ctx context.Context) {
	if lm == nil || lm.decodeErrors == nil {
		return
	}
	lm.decodeErrors.Add(ensureContext(ctx), 1, lm.base())
}

func (lm *linkMetrics) recordPing(ctx context.Context, result string) {
	if lm == nil || lm.pings == nil {
		return
	}
	lm.pings.Add(ensureContext(ctx), 1, lm.base(telemetry.AttrResult.String(result)))
}

func (lm *linkMetrics) recordSilence(ctx context.Context, silence time.Duration) {
	if lm == nil || lm.silence == nil {
		return
	}
	lm.silence.Record(ensureContext(ctx), silence.Seconds(), lm.base())
}

func (lm *linkMetrics) adjustSubscriptions(ctx context.Context, delta int) {
	if lm == nil || lm.subscriptions == nil || delta == 0 {
		return
	}
	lm.subscriptions.Add(ensureContext(ctx), int64(delta), lm.base())
}

func (lm *linkMetrics) recordFill(ctx context.Context, side string, state FillState, elapsed time.Duration) {
	if lm == nil || lm.fillOutcomes == nil {
		return
	}
	ctx = ensureContext(ctx)
	opt := metric.WithAttributes(telemetry.FillAttributes(lm.environment, lm.exchange, side, state.String())...)
	lm.fillOutcomes.Add(ctx, 1, opt)
	if lm.fillWait != nil {
		lm.fillWait.Record(ctx, float64(elapsed)/float64(time.Millisecond), opt)
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
