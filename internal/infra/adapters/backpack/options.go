package backpack

import (
	"strings"
	"time"
)

type metadata struct {
	identifier   string
	websocketURL string
	statusURL    string
	signWindow   time.Duration
}

var backpackMetadata = metadata{
	identifier:   "backpack",
	websocketURL: "wss://ws.backpack.exchange/",
	statusURL:    "https://api.backpack.exchange/api/v1/status",
	signWindow:   5 * time.Second,
}

// Config captures user-overridable Backpack settings.
type Config struct {
	Name string
	URL  string
	// APIKey is the base64 ed25519 public key; APISecret the base64 seed.
	APIKey     string
	APISecret  string
	SignWindow time.Duration
	// OpenMeansSlippage overrides the venue default (false).
	OpenMeansSlippage *bool
}

// Options configure the Backpack codec.
type Options struct {
	Config Config
	// Now stamps private subscription signatures. Defaults to time.Now.
	Now func() time.Time

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = backpackMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if strings.TrimSpace(in.Config.URL) == "" {
		in.Config.URL = in.metadata.websocketURL
	}
	if in.Config.SignWindow <= 0 {
		in.Config.SignWindow = in.metadata.signWindow
	}
	if in.Now == nil {
		in.Now = time.Now
	}
	return in
}

// StatusURL is the public endpoint used as the exchange reachability probe.
func StatusURL() string {
	return backpackMetadata.statusURL
}
