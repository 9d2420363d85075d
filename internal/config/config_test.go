package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
environment: STAGING
log:
  level: DEBUG
link:
  heartbeatInterval: 10s
  backoff:
    base: 1s
exchanges:
  Backpack:
    symbols: [SOL_USDC_PERP, " SOL_USDC_PERP "]
    streams: [Ticker, depth, ticker]
    private: true
    apiKey: key
    apiSecret: ${TEST_BACKPACK_SECRET}
  edgex:
    symbols: [BTCUSD]
    contracts:
      BTCUSD: "10000001"
  lighter:
    symbols: [ETH]
    markets:
      ETH: 0
    openMeansSlippage: false
journal:
  enabled: true
  dsn: postgres://localhost/journal
apiServer:
  addr: " :8081 "
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadNormalisesAndDefaults(t *testing.T) {
	t.Setenv("TEST_BACKPACK_SECRET", "c2VjcmV0")
	cfg, err := Load(context.Background(), writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 10*time.Second, cfg.Link.HeartbeatInterval)
	require.Equal(t, time.Second, cfg.Link.Backoff.Base)
	require.Equal(t, 8, cfg.Link.Backoff.Cap)
	require.Equal(t, 300*time.Second, cfg.Link.Backoff.Max)
	require.Equal(t, 30*time.Second, cfg.Link.CacheTTL)
	require.Equal(t, 2, cfg.Link.PingFailureThreshold)

	bp := cfg.Exchanges["backpack"]
	require.Equal(t, VenueBackpack, bp.Venue)
	require.Equal(t, []string{"SOL_USDC_PERP"}, bp.Symbols)
	require.Equal(t, []string{"ticker", "depth"}, bp.Streams)
	require.Equal(t, "c2VjcmV0", bp.APISecret)

	lt := cfg.Exchanges["lighter"]
	require.NotNil(t, lt.OpenMeansSlippage)
	require.False(t, *lt.OpenMeansSlippage)

	require.Equal(t, []string{"backpack", "edgex", "lighter"}, cfg.ExchangeNames())
	require.Equal(t, 2, cfg.Journal.Workers)
	require.Equal(t, ":8081", cfg.APIServer.Addr)
	require.Equal(t, 5*time.Second, cfg.APIServer.ReadHeaderTimeout)
}

func TestValidateRejectsMissingVenueData(t *testing.T) {
	cases := map[string]string{
		"edgex contract": `
exchanges:
  edgex:
    symbols: [BTCUSD]
`,
		"lighter market": `
exchanges:
  lighter:
    symbols: [ETH]
`,
		"backpack creds": `
exchanges:
  backpack:
    private: true
`,
		"unknown venue": `
exchanges:
  kraken:
    symbols: [XBT]
`,
		"no exchanges": `
environment: prod
`,
		"journal dsn": `
exchanges:
  backpack: {}
journal:
  enabled: true
`,
		"bad environment": `
environment: qa
exchanges:
  backpack: {}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Contains(t, cfg.Exchanges, "backpack")
}

func TestLoadOrDefaultSurfacesParseErrors(t *testing.T) {
	_, err := LoadOrDefault(context.Background(), writeConfig(t, "exchanges: [oops"))
	require.Error(t, err)
}

func TestDuplicateExchangeNames(t *testing.T) {
	_, err := Parse([]byte(`
exchanges:
  Backpack: {}
  backpack: {}
`))
	require.ErrorContains(t, err, "duplicate exchange")
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("BACKPACK_API_KEY", "key")
	t.Setenv("BACKPACK_API_SECRET", "c2VjcmV0")
	t.Setenv("LIGHTER_ACCOUNT_INDEX", "7")
	t.Setenv("LIGHTER_AUTH_TOKEN", "token")

	cfg, err := Load(context.Background(), filepath.Join("..", "..", "config", "linkd.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, []string{"backpack", "edgex", "lighter"}, cfg.ExchangeNames())
	require.Equal(t, int64(7), cfg.Exchanges["lighter"].AccountIndex)
	require.Equal(t, "127.0.0.1:8081", cfg.APIServer.Addr)
	require.False(t, cfg.Journal.Enabled)
}
