// Package config loads and validates the exchange link configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Venue names a supported exchange integration.
type Venue string

const (
	VenueBackpack Venue = "backpack"
	VenueEdgeX    Venue = "edgex"
	VenueLighter  Venue = "lighter"
)

// LogConfig controls the zerolog backend.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// BackoffConfig shapes reconnect delays: min(base * 2^min(attempt-1, cap), max).
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Cap  int           `yaml:"cap"`
	Max  time.Duration `yaml:"max"`
}

// LinkConfig holds the connection supervision settings shared by every exchange.
type LinkConfig struct {
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	PingFailureThreshold int           `yaml:"pingFailureThreshold"`
	ProbeURL             string        `yaml:"probeURL"`
	ProbeTimeout         time.Duration `yaml:"probeTimeout"`
	TeardownTimeout      time.Duration `yaml:"teardownTimeout"`
	Backoff              BackoffConfig `yaml:"backoff"`
	CacheTTL             time.Duration `yaml:"cacheTTL"`
	CacheDepth           int           `yaml:"cacheDepth"`
	DedupCapacity        int           `yaml:"dedupCapacity"`
	SubscribeRate        float64       `yaml:"subscribeRate"`
	SubscribeBurst       int           `yaml:"subscribeBurst"`
	ReadLimit            int64         `yaml:"readLimit"`
	FillTimeout          time.Duration `yaml:"fillTimeout"`
}

// ExchangeConfig describes one exchange account connection.
type ExchangeConfig struct {
	Venue            Venue    `yaml:"venue"`
	URL              string   `yaml:"url"`
	ExchangeProbeURL string   `yaml:"exchangeProbeURL"`
	Symbols          []string `yaml:"symbols"`
	Streams          []string `yaml:"streams"`
	Private          bool     `yaml:"private"`

	// Backpack
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`

	// EdgeX symbol -> contract id
	Contracts map[string]string `yaml:"contracts"`

	// Lighter
	Markets      map[string]int `yaml:"markets"`
	AccountIndex int64          `yaml:"accountIndex"`
	AuthToken    string         `yaml:"authToken"`

	// OpenMeansSlippage overrides the venue default for market-order waits.
	OpenMeansSlippage *bool `yaml:"openMeansSlippage"`
}

// JournalConfig controls the optional PostgreSQL fill journal.
type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	RunMigrations   bool          `yaml:"runMigrations"`
	Workers         int           `yaml:"workers"`
	Queue           int           `yaml:"queue"`
}

// APIServerConfig configures the status API. An empty Addr disables it.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// AppConfig is the unified configuration sourced from YAML.
type AppConfig struct {
	Environment Environment               `yaml:"environment"`
	Log         LogConfig                 `yaml:"log"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Link        LinkConfig                `yaml:"link"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Journal     JournalConfig             `yaml:"journal"`
	APIServer   APIServerConfig           `yaml:"apiServer"`
}

// DefaultLinkConfig returns the supervision defaults used when a field is omitted.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		PingInterval:         30 * time.Second,
		PingFailureThreshold: 2,
		ProbeURL:             "https://httpbin.org/status/200",
		ProbeTimeout:         5 * time.Second,
		TeardownTimeout:      5 * time.Second,
		Backoff: BackoffConfig{
			Base: 2 * time.Second,
			Cap:  8,
			Max:  300 * time.Second,
		},
		CacheTTL:       30 * time.Second,
		CacheDepth:     5,
		DedupCapacity:  1024,
		SubscribeRate:  10,
		SubscribeBurst: 1,
		ReadLimit:      4 << 20,
		FillTimeout:    5 * time.Second,
	}
}

// Default returns a development configuration streaming one public Backpack ticker.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Log:         LogConfig{Level: "info", Console: true},
		Telemetry:   TelemetryConfig{ServiceName: "exchangelink"},
		Link:        DefaultLinkConfig(),
		Exchanges: map[string]ExchangeConfig{
			"backpack": {
				Venue:   VenueBackpack,
				Symbols: []string{"SOL_USDC"},
				Streams: []string{"ticker", "orderbook"},
			},
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
// String values of the form ${VAR} are expanded from the environment before decoding.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return AppConfig{}, err
}

// Parse decodes, normalises and validates YAML bytes.
func Parse(raw []byte) (AppConfig, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "exchangelink"
	}

	c.Link.applyDefaults()

	normalised := make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, exists := normalised[key]; exists {
			return fmt.Errorf("duplicate exchange name %q", key)
		}
		ex.Venue = Venue(strings.ToLower(strings.TrimSpace(string(ex.Venue))))
		if ex.Venue == "" {
			ex.Venue = Venue(key)
		}
		ex.URL = strings.TrimSpace(ex.URL)
		ex.APIKey = strings.TrimSpace(ex.APIKey)
		ex.APISecret = strings.TrimSpace(ex.APISecret)
		ex.AuthToken = strings.TrimSpace(ex.AuthToken)
		ex.Symbols = dedupeTrimmed(ex.Symbols, false)
		ex.Streams = dedupeTrimmed(ex.Streams, true)
		normalised[key] = ex
	}
	c.Exchanges = normalised

	c.Journal.applyDefaults()

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 5 * time.Second
	}
	return nil
}

func (c *LinkConfig) applyDefaults() {
	d := DefaultLinkConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingFailureThreshold <= 0 {
		c.PingFailureThreshold = d.PingFailureThreshold
	}
	c.ProbeURL = strings.TrimSpace(c.ProbeURL)
	if c.ProbeURL == "" {
		c.ProbeURL = d.ProbeURL
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = d.Backoff.Cap
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheDepth <= 0 {
		c.CacheDepth = d.CacheDepth
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = d.DedupCapacity
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = d.SubscribeRate
	}
	if c.SubscribeBurst <= 0 {
		c.SubscribeBurst = d.SubscribeBurst
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = d.FillTimeout
	}
}

func (c *JournalConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Queue <= 0 {
		c.Queue = 256
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange required")
	}
	if c.Link.Backoff.Base > c.Link.Backoff.Max {
		return fmt.Errorf("link backoff base must be <= max")
	}
	for _, name := range c.ExchangeNames() {
		if err := c.Exchanges[name].validate(); err != nil {
			return fmt.Errorf("exchange %s: %w", name, err)
		}
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal dsn required when enabled")
	}
	return nil
}

func (e ExchangeConfig) validate() error {
	switch e.Venue {
	case VenueBackpack:
		if e.Private && (e.APIKey == "" || e.APISecret == "") {
			return fmt.Errorf("apiKey and apiSecret required for private streams")
		}
	case VenueEdgeX:
		for _, sym := range e.Symbols {
			if _, ok := e.Contracts[sym]; !ok {
				return fmt.Errorf("contract id missing for symbol %q", sym)
			}
		}
	case VenueLighter:
		for _, sym := range e.Symbols {
			if _, ok := e.Markets[sym]; !ok {
				return fmt.Errorf("market index missing for symbol %q", sym)
			}
		}
		if e.Private && e.AccountIndex <= 0 {
			return fmt.Errorf("accountIndex required for private streams")
		}
	default:
		return fmt.Errorf("unsupported venue %q", e.Venue)
	}
	return nil
}

// ExchangeNames returns the configured exchange names in sorted order.
func (c AppConfig) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dedupeTrimmed(values []string, lower bool) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if lower {
			trimmed = strings.ToLower(trimmed)
		}
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
