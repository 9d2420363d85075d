package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/exchangelink/internal/domain/schema"
)

func TestRegistryAddReplacesSameKey(t *testing.T) {
	reg := NewRegistry()
	key := schema.StreamKey{Kind: schema.StreamTicker, Symbol: "SOL_USDC"}

	calls := 0
	require.False(t, reg.Add(Subscription{Key: key, Handler: func(schema.Event) {}}))
	require.True(t, reg.Add(Subscription{Key: key, Handler: func(schema.Event) { calls++ }}))
	require.Equal(t, 1, reg.Len())

	handler, ok := reg.Lookup(key)
	require.True(t, ok)
	handler(schema.Event{})
	require.Equal(t, 1, calls)
}

func TestRegistrySnapshotIsSortedCopy(t *testing.T) {
	reg := NewRegistry()
	keys := []schema.StreamKey{
		{Kind: schema.StreamTrades, Symbol: "ETH"},
		{Kind: schema.StreamOrders},
		{Kind: schema.StreamOrderBook, Symbol: "BTC"},
		{Kind: schema.StreamTicker, Symbol: "BTC"},
	}
	for _, key := range keys {
		reg.Add(Subscription{Key: key, AddedAt: time.Unix(0, 0)})
	}

	snap := reg.Snapshot()
	got := make([]string, 0, len(snap))
	for _, sub := range snap {
		got = append(got, sub.Key.String())
	}
	require.Equal(t, []string{"orderbook:BTC", "orders", "ticker:BTC", "trades:ETH"}, got)

	reg.Remove(schema.StreamKey{Kind: schema.StreamOrders})
	require.Len(t, snap, 4, "snapshot must not observe later mutations")
	require.Equal(t, 3, reg.Len())
}

func TestRegistryRemoveAll(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Subscription{Key: schema.StreamKey{Kind: schema.StreamTicker, Symbol: "A"}})
	reg.Add(Subscription{Key: schema.StreamKey{Kind: schema.StreamTicker, Symbol: "B"}})

	removed := reg.RemoveAll()
	require.Len(t, removed, 2)
	require.Zero(t, reg.Len())
	require.False(t, reg.Remove(schema.StreamKey{Kind: schema.StreamTicker, Symbol: "A"}))
}
