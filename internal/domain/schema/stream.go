package schema

import (
	"fmt"
	"strings"
)

// StreamKind names a subscribable stream.
type StreamKind string

const (
	StreamTicker    StreamKind = "ticker"
	StreamOrderBook StreamKind = "orderbook"
	StreamTrades    StreamKind = "trades"
	StreamMarkPrice StreamKind = "markprice"
	StreamOrders    StreamKind = "orders"
	StreamPositions StreamKind = "positions"
)

// ParseStreamKind normalises a configured stream name.
func ParseStreamKind(raw string) (StreamKind, error) {
	switch StreamKind(strings.ToLower(strings.TrimSpace(raw))) {
	case StreamTicker:
		return StreamTicker, nil
	case StreamOrderBook, "depth", "book":
		return StreamOrderBook, nil
	case StreamTrades, "trade":
		return StreamTrades, nil
	case StreamMarkPrice:
		return StreamMarkPrice, nil
	case StreamOrders:
		return StreamOrders, nil
	case StreamPositions:
		return StreamPositions, nil
	default:
		return "", fmt.Errorf("unknown stream kind %q", raw)
	}
}

// Private reports whether the stream requires account authentication.
func (k StreamKind) Private() bool {
	return k == StreamOrders || k == StreamPositions
}

// StreamKey identifies a registry entry. Symbol is empty for private streams.
type StreamKey struct {
	Kind   StreamKind
	Symbol string
}

func (k StreamKey) String() string {
	if k.Symbol == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + ":" + k.Symbol
}

// StreamForEvent maps a data event kind to the stream that delivers it.
func StreamForEvent(kind EventKind) (StreamKind, bool) {
	switch kind {
	case KindTicker:
		return StreamTicker, true
	case KindOrderBook:
		return StreamOrderBook, true
	case KindTrade:
		return StreamTrades, true
	case KindOrder:
		return StreamOrders, true
	case KindPosition:
		return StreamPositions, true
	default:
		return "", false
	}
}
