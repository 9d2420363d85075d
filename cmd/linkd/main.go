// Command linkd keeps one exchange link per configured account connected and logs
// the resulting market state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/exchangelink/internal/config"
	"github.com/coachpo/exchangelink/internal/execution"
	"github.com/coachpo/exchangelink/internal/infra/adapters"
	"github.com/coachpo/exchangelink/internal/infra/persistence/journal"
	"github.com/coachpo/exchangelink/internal/infra/persistence/migrations"
	httpserver "github.com/coachpo/exchangelink/internal/infra/server/http"
	"github.com/coachpo/exchangelink/internal/observability"
	"github.com/coachpo/exchangelink/internal/telemetry"
)

const (
	defaultConfigPath        = "config/linkd.yaml"
	defaultTopInterval       = 10 * time.Second
	shutdownTimeout          = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiShutdownTimeout       = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath     = flag.String("config", defaultConfigPath, "Path to the YAML configuration")
		topInterval = flag.Duration("top-interval", defaultTopInterval, "Interval between top-of-book log lines")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadOrDefault(ctx, *cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := observability.NewZerologLogger(os.Stdout, cfg.Log.Level, cfg.Log.Console)
	if err != nil {
		return err
	}
	observability.SetLogger(zl)
	logger := zl.With(observability.F("component", "linkd"))
	logger.Info("configuration loaded",
		observability.F("environment", string(cfg.Environment)),
		observability.F("exchanges", cfg.ExchangeNames()),
	)

	provider, err := telemetry.NewProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", observability.Err(err))
		}
	}()

	jr, err := openJournal(ctx, cfg.Journal, zl)
	if err != nil {
		return err
	}
	defer jr.close()

	links, err := buildLinks(cfg, adapters.Default(), zl)
	if err != nil {
		return err
	}

	var lifecycle conc.WaitGroup
	for _, rl := range links {
		lifecycle.Go(func() { startLink(ctx, rl, jr.recorder, logger) })
	}
	lifecycle.Go(func() { logTopOfBook(ctx, links, *topInterval, logger) })

	server := buildAPIServer(cfg.APIServer, links, jr.history)
	if server != nil {
		lifecycle.Go(func() {
			logger.Info("status api listening", observability.F("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api", observability.Err(err))
			}
		})
	}

	logger.Info("linkd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if server != nil {
		apiCtx, apiCancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		if err := server.Shutdown(apiCtx); err != nil {
			logger.Warn("status api shutdown", observability.Err(err))
		}
		apiCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	var stopping conc.WaitGroup
	for _, rl := range links {
		stopping.Go(func() {
			if err := rl.link.Disconnect(shutdownCtx); err != nil {
				logger.Warn("disconnect", observability.F("exchange", rl.name), observability.Err(err))
			}
		})
	}
	stopping.Wait()
	lifecycle.Wait()
	logger.Info("linkd stopped")
	return nil
}

func telemetryConfig(cfg config.AppConfig) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.OTLPInsecure = tc.OTLPInsecure || cfg.Telemetry.OTLPInsecure
	if cfg.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		tc.ServiceName = cfg.Telemetry.ServiceName
	}
	tc.Environment = string(cfg.Environment)
	return tc
}

type openedJournal struct {
	recorder execution.FillRecorder
	history  httpserver.FillHistory
	close    func()
}

// buildAPIServer returns nil when no address is configured.
func buildAPIServer(cfg config.APIServerConfig, links []*runningLink, history httpserver.FillHistory) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	status := make(map[string]httpserver.LinkStatus, len(links))
	for _, rl := range links {
		status[rl.name] = rl.link
	}
	readHeader := cfg.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 5 * time.Second
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(status, history),
		ReadHeaderTimeout: readHeader,
	}
}

// openJournal leaves recorder and history nil when the journal is disabled.
func openJournal(ctx context.Context, cfg config.JournalConfig, logger observability.Logger) (openedJournal, error) {
	if !cfg.Enabled {
		return openedJournal{close: func() {}}, nil
	}
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, logger); err != nil {
			return openedJournal{}, fmt.Errorf("journal migrations: %w", err)
		}
	}
	store, err := journal.Open(ctx, cfg)
	if err != nil {
		return openedJournal{}, err
	}
	recorder, err := journal.NewAsyncRecorder(store, cfg.Workers, cfg.Queue, logger)
	if err != nil {
		store.Close()
		return openedJournal{}, err
	}
	return openedJournal{
		recorder: recorder,
		history:  store,
		close: func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := recorder.Close(flushCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("journal flush", observability.Err(err))
			}
			store.Close()
		},
	}, nil
}
