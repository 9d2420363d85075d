package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestStreamAttributesOmitEmptySymbol(t *testing.T) {
	attrs := StreamAttributes("dev", "backpack", "orders", "")
	set := attribute.NewSet(attrs...)
	_, ok := set.Value(AttrSymbol)
	require.False(t, ok)

	attrs = StreamAttributes("dev", "backpack", "ticker", "SOL_USDC")
	set = attribute.NewSet(attrs...)
	v, ok := set.Value(AttrSymbol)
	require.True(t, ok)
	require.Equal(t, "SOL_USDC", v.AsString())
}

func TestFillAttributes(t *testing.T) {
	set := attribute.NewSet(FillAttributes("prod", "lighter", "buy", "filled")...)
	v, ok := set.Value(AttrFillState)
	require.True(t, ok)
	require.Equal(t, "filled", v.AsString())
	v, _ = set.Value(AttrExchange)
	require.Equal(t, "lighter", v.AsString())
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })
	globalEnvironment = ""
	require.Equal(t, "development", Environment())
	globalEnvironment = "staging"
	require.Equal(t, "staging", Environment())
}
