// Package adapters maps configured exchanges onto their codec plugins.
package adapters

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/exchangelink/internal/config"
	"github.com/coachpo/exchangelink/internal/infra/adapters/backpack"
	"github.com/coachpo/exchangelink/internal/infra/adapters/edgex"
	"github.com/coachpo/exchangelink/internal/infra/adapters/lighter"
	"github.com/coachpo/exchangelink/internal/link"
)

// Venue is everything a link and an executor need from one exchange plugin.
type Venue struct {
	Codec link.Codec
	// StatusURL is the exchange reachability probe, informational only.
	StatusURL string
	// NewClientID yields client order ids in the format the venue accepts.
	NewClientID func() string
}

// Factory builds a Venue for the exchange configured under name.
type Factory func(name string, cfg config.ExchangeConfig) (Venue, error)

// Registry maintains venue factories keyed by venue type.
type Registry struct {
	mu        sync.RWMutex
	factories map[config.Venue]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[config.Venue]Factory)}
}

// Default returns a registry with every supported venue installed.
func Default() *Registry {
	reg := NewRegistry()
	reg.Register(config.VenueBackpack, newBackpack)
	reg.Register(config.VenueEdgeX, newEdgeX)
	reg.Register(config.VenueLighter, newLighter)
	return reg
}

// Register installs factory for venue, replacing any previous one.
func (r *Registry) Register(venue config.Venue, factory Factory) {
	if factory == nil {
		panic("venue factory required")
	}
	r.mu.Lock()
	r.factories[venue] = factory
	r.mu.Unlock()
}

// Create builds the venue for one configured exchange.
func (r *Registry) Create(name string, cfg config.ExchangeConfig) (Venue, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Venue]
	r.mu.RUnlock()
	if !ok {
		return Venue{}, fmt.Errorf("venue %q not registered", cfg.Venue)
	}
	venue, err := factory(name, cfg)
	if err != nil {
		return Venue{}, fmt.Errorf("build exchange %s(%s): %w", name, cfg.Venue, err)
	}
	if cfg.ExchangeProbeURL != "" {
		venue.StatusURL = cfg.ExchangeProbeURL
	}
	if venue.NewClientID == nil {
		venue.NewClientID = uuid.NewString
	}
	return venue, nil
}

func newBackpack(name string, cfg config.ExchangeConfig) (Venue, error) {
	codec, err := backpack.New(backpack.Options{Config: backpack.Config{
		Name:              name,
		URL:               cfg.URL,
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		OpenMeansSlippage: cfg.OpenMeansSlippage,
	}})
	if err != nil {
		return Venue{}, err
	}
	return Venue{
		Codec:       codec,
		StatusURL:   backpack.StatusURL(),
		NewClientID: NumericClientIDs(math.MaxUint32),
	}, nil
}

func newEdgeX(name string, cfg config.ExchangeConfig) (Venue, error) {
	return Venue{
		Codec: edgex.New(edgex.Options{Config: edgex.Config{
			Name:              name,
			URL:               cfg.URL,
			Contracts:         cfg.Contracts,
			OpenMeansSlippage: cfg.OpenMeansSlippage,
		}}),
		StatusURL:   edgex.StatusURL(),
		NewClientID: uuid.NewString,
	}, nil
}

func newLighter(name string, cfg config.ExchangeConfig) (Venue, error) {
	opts := lighter.Options{Config: lighter.Config{
		Name:              name,
		URL:               cfg.URL,
		Markets:           cfg.Markets,
		AccountIndex:      cfg.AccountIndex,
		OpenMeansSlippage: cfg.OpenMeansSlippage,
	}}
	if cfg.AuthToken != "" {
		opts.Auth = lighter.StaticToken(cfg.AuthToken)
	}
	return Venue{
		Codec:       lighter.New(opts),
		StatusURL:   lighter.StatusURL(),
		NewClientID: NumericClientIDs(1 << 48),
	}, nil
}

// NumericClientIDs returns a generator of increasing decimal ids in [1, limit).
// The sequence starts from the wall clock so restarts rarely reuse ids.
func NumericClientIDs(limit uint64) func() string {
	if limit < 2 {
		limit = 2
	}
	var seq atomic.Uint64
	seq.Store(uint64(time.Now().UnixMilli()) % (limit - 1))
	return func() string {
		n := seq.Add(1)%(limit-1) + 1
		return strconv.FormatUint(n, 10)
	}
}
