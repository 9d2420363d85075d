package lighter

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/exchangelink/errs"
)

type metadata struct {
	identifier   string
	websocketURL string
	statusURL    string
}

var lighterMetadata = metadata{
	identifier:   "lighter",
	websocketURL: "wss://mainnet.zklighter.elliot.ai/stream",
	statusURL:    "https://mainnet.zklighter.elliot.ai/api/v1/status",
}

// AuthTokenSource supplies the auth token attached to private subscriptions.
// It is consulted on every subscribe so replays after a reconnect carry a fresh token.
type AuthTokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

// AuthTokenFunc adapts a function to AuthTokenSource.
type AuthTokenFunc func(ctx context.Context) (string, error)

func (f AuthTokenFunc) AuthToken(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken serves one pre-generated token.
type StaticToken string

func (t StaticToken) AuthToken(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errs.New(lighterMetadata.identifier, errs.CodeAuth, errs.WithMessage("auth token not configured"))
	}
	return string(t), nil
}

// Config captures user-overridable Lighter settings.
type Config struct {
	Name string
	URL  string
	// Markets maps symbols to market indexes.
	Markets      map[string]int
	AccountIndex int64
	// OpenMeansSlippage overrides the venue default (true).
	OpenMeansSlippage *bool
}

// Options configure the Lighter codec.
type Options struct {
	Config Config
	Auth   AuthTokenSource
	// TokenTimeout bounds each AuthToken call.
	TokenTimeout time.Duration

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = lighterMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if strings.TrimSpace(in.Config.URL) == "" {
		in.Config.URL = in.metadata.websocketURL
	}
	if in.TokenTimeout <= 0 {
		in.TokenTimeout = 10 * time.Second
	}
	return in
}

// StatusURL is the public endpoint used as the exchange reachability probe.
func StatusURL() string {
	return lighterMetadata.statusURL
}
