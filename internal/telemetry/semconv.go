package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to exchange link metrics.
const (
	// AttrExchange identifies the venue a link is connected to.
	AttrExchange = attribute.Key("exchange")
	// AttrSymbol captures the venue-native instrument symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrStream labels the subscribed stream kind (ticker, orderbook, orders, ...).
	AttrStream = attribute.Key("stream")
	// AttrEventKind labels decoded event categories.
	AttrEventKind = attribute.Key("event.kind")
	// AttrOrderSide labels fill telemetry with buy/sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrFillState records the terminal state of a fill wait.
	AttrFillState = attribute.Key("fill.state")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	AttrReason = attribute.Key("reason")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values shared by counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// LinkAttributes returns the base attribute set for one exchange link.
func LinkAttributes(environment, exchange string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
	}
}

// StreamAttributes returns attributes for per-stream metrics.
func StreamAttributes(environment, exchange, stream, symbol string) []attribute.KeyValue {
	attrs := LinkAttributes(environment, exchange)
	attrs = append(attrs, AttrStream.String(stream))
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// FillAttributes returns attributes for fill outcome metrics.
func FillAttributes(environment, exchange, side, state string) []attribute.KeyValue {
	attrs := LinkAttributes(environment, exchange)
	return append(attrs, AttrOrderSide.String(side), AttrFillState.String(state))
}
