package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseSideVenueSpellings(t *testing.T) {
	cases := map[string]Side{
		"Bid":  SideBuy,
		"BUY":  SideBuy,
		"long": SideBuy,
		"Ask":  SideSell,
		"sell": SideSell,
	}
	for raw, want := range cases {
		got, ok := ParseSide(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}
	_, ok := ParseSide("sideways")
	require.False(t, ok)
	require.Equal(t, SideSell, SideBuy.Opposite())
}

func TestParseStreamKindAliases(t *testing.T) {
	kind, err := ParseStreamKind(" Depth ")
	require.NoError(t, err)
	require.Equal(t, StreamOrderBook, kind)

	kind, err = ParseStreamKind("trade")
	require.NoError(t, err)
	require.Equal(t, StreamTrades, kind)

	_, err = ParseStreamKind("candles")
	require.Error(t, err)

	require.True(t, StreamOrders.Private())
	require.False(t, StreamTicker.Private())
}

func TestStreamKeyString(t *testing.T) {
	require.Equal(t, "ticker:SOL_USDC", StreamKey{Kind: StreamTicker, Symbol: "SOL_USDC"}.String())
	require.Equal(t, "orders", StreamKey{Kind: StreamOrders}.String())
}

func TestTickerHasBidAsk(t *testing.T) {
	var nilTicker *Ticker
	require.False(t, nilTicker.HasBidAsk())
	tk := &Ticker{Bid: decimal.NewFromInt(10)}
	require.False(t, tk.HasBidAsk())
	tk.Ask = decimal.NewFromInt(11)
	require.True(t, tk.HasBidAsk())
}

func TestOrderStatusTerminal(t *testing.T) {
	require.True(t, OrderFilled.Terminal())
	require.True(t, OrderCanceled.Terminal())
	require.False(t, OrderOpen.Terminal())
	require.False(t, OrderPartiallyFilled.Terminal())
}

func TestEventConstructorsCarrySymbol(t *testing.T) {
	ev := OrderUpdateEvent(&OrderEvent{Symbol: "ETH"})
	require.Equal(t, KindOrder, ev.Kind)
	require.Equal(t, "ETH", ev.Symbol)
	stream, ok := StreamForEvent(ev.Kind)
	require.True(t, ok)
	require.Equal(t, StreamOrders, stream)

	_, ok = StreamForEvent(KindControl)
	require.False(t, ok)
	require.Equal(t, "unknown", UnknownEvent(nil).Kind.String())
}

func TestEventKeyDropsSymbolForPrivateStreams(t *testing.T) {
	ev := OrderUpdateEvent(&OrderEvent{Symbol: "SOL_USDC"})
	require.Equal(t, StreamKey{Kind: StreamOrders}, ev.Key())

	tk := TickerEvent(&Ticker{Symbol: "SOL_USDC"})
	tk.Stream = StreamMarkPrice
	require.Equal(t, StreamKey{Kind: StreamMarkPrice, Symbol: "SOL_USDC"}, tk.Key())
}
