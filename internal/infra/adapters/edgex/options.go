package edgex

import (
	"strings"
	"time"
)

type metadata struct {
	identifier   string
	websocketURL string
	statusURL    string
	depthLevels  int
}

var edgexMetadata = metadata{
	identifier:   "edgex",
	websocketURL: "wss://quote.edgex.exchange/api/v1/public/ws",
	statusURL:    "https://pro.edgex.exchange/api/v1/public/meta/getServerTime",
	depthLevels:  15,
}

// Config captures user-overridable EdgeX settings.
type Config struct {
	Name string
	URL  string
	// Contracts maps venue symbols to contract ids. Metadata frames may add entries.
	Contracts   map[string]string
	DepthLevels int
	// OpenMeansSlippage overrides the venue default (false).
	OpenMeansSlippage *bool
}

// Options configure the EdgeX codec.
type Options struct {
	Config Config
	// Now stamps client pings. Defaults to time.Now.
	Now func() time.Time

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = edgexMetadata
	if strings.TrimSpace(in.Config.Name) == "" {
		in.Config.Name = in.metadata.identifier
	}
	if strings.TrimSpace(in.Config.URL) == "" {
		in.Config.URL = in.metadata.websocketURL
	}
	if in.Config.DepthLevels <= 0 {
		in.Config.DepthLevels = in.metadata.depthLevels
	}
	if in.Now == nil {
		in.Now = time.Now
	}
	return in
}

// StatusURL is the public endpoint used as the exchange reachability probe.
func StatusURL() string {
	return edgexMetadata.statusURL
}
