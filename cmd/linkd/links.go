package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/config"
	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/execution"
	"github.com/coachpo/exchangelink/internal/infra/adapters"
	"github.com/coachpo/exchangelink/internal/link"
	"github.com/coachpo/exchangelink/internal/observability"
)

type runningLink struct {
	name    string
	cfg     config.ExchangeConfig
	link    *link.Link
	streams []schema.StreamKind
}

func buildLinks(cfg config.AppConfig, reg *adapters.Registry, logger *observability.ZerologLogger) ([]*runningLink, error) {
	out := make([]*runningLink, 0, len(cfg.Exchanges))
	for _, name := range cfg.ExchangeNames() {
		ex := cfg.Exchanges[name]
		venue, err := reg.Create(name, ex)
		if err != nil {
			return nil, err
		}
		streams, err := parseStreams(ex.Streams)
		if err != nil {
			return nil, fmt.Errorf("exchange %s: %w", name, err)
		}

		opts := link.Options{
			Config:            cfg.Link,
			Logger:            logger.With(observability.F("exchange", name)),
			OpenMeansSlippage: ex.OpenMeansSlippage,
		}
		if probe := link.NewHTTPProbe(venue.StatusURL, cfg.Link.ProbeTimeout); probe != nil {
			opts.ExchangeProbe = probe
		}
		out = append(out, &runningLink{
			name:    name,
			cfg:     ex,
			link:    link.New(venue.Codec, opts),
			streams: streams,
		})
	}
	return out, nil
}

func parseStreams(raw []string) ([]schema.StreamKind, error) {
	out := make([]schema.StreamKind, 0, len(raw))
	for _, s := range raw {
		kind, err := schema.ParseStreamKind(s)
		if err != nil {
			return nil, err
		}
		out = append(out, kind)
	}
	return out, nil
}

// startLink registers every configured stream, then connects with retry. Streams
// registered before the first session are sent by Connect.
func startLink(ctx context.Context, rl *runningLink, recorder execution.FillRecorder, logger observability.Logger) {
	logger = withExchange(logger, rl.name)

	onMarket := func(ev schema.Event) {
		if ev.Kind == schema.KindTrade {
			tr := ev.Payload.(*schema.Trade)
			logger.Debug("trade", observability.F("symbol", tr.Symbol), observability.F("price", tr.Price.String()), observability.F("qty", tr.Quantity.String()))
		}
	}
	for _, kind := range rl.streams {
		if kind.Private() {
			continue
		}
		for _, symbol := range rl.cfg.Symbols {
			if err := rl.link.Subscribe(ctx, kind, symbol, onMarket); err != nil {
				logger.Error("subscribe", observability.F("stream", string(kind)), observability.F("symbol", symbol), observability.Err(err))
			}
		}
	}
	if rl.cfg.Private {
		if err := rl.link.SubscribePrivate(ctx, privateHandler(ctx, rl.name, recorder, logger)); err != nil {
			logger.Error("subscribe private streams", observability.Err(err))
		}
	}

	policy := backoff.NewExponentialBackOff()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := rl.link.Connect(ctx)
		if errs.IsCode(err, errs.CodeAuth) || errs.IsCode(err, errs.CodeInvalid) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("initial connect failed", observability.F("retry_in", next.String()), observability.Err(err))
		}),
	)
	if err != nil && ctx.Err() == nil {
		logger.Error("link not started", observability.Err(err))
	}
}

func withExchange(logger observability.Logger, exchange string) observability.Logger {
	if zl, ok := logger.(*observability.ZerologLogger); ok {
		return zl.With(observability.F("exchange", exchange))
	}
	return logger
}

// privateHandler logs account events and journals orders that completed on the stream.
func privateHandler(ctx context.Context, exchange string, recorder execution.FillRecorder, logger observability.Logger) link.Handler {
	return func(ev schema.Event) {
		switch p := ev.Payload.(type) {
		case *schema.OrderEvent:
			logger.Info("order update",
				observability.F("order_id", p.OrderID),
				observability.F("client_id", p.ClientID),
				observability.F("status", string(p.Status)),
			)
			if recorder == nil {
				return
			}
			if outcome, ok := observedOutcome(exchange, p, time.Now()); ok {
				_ = recorder.RecordFill(ctx, outcome)
			}
		case *schema.Position:
			logger.Info("position", observability.F("symbol", p.Symbol), observability.F("size", p.Size.String()))
		}
	}
}

// observedOutcome converts a terminal filled order event into a journal entry.
// Only venues reporting running totals carry the full order quantity on one event.
func observedOutcome(exchange string, ev *schema.OrderEvent, now time.Time) (execution.Outcome, bool) {
	if ev.Status != schema.OrderFilled || !ev.Cumulative || !ev.CumulativeQuantity.IsPositive() {
		return execution.Outcome{}, false
	}
	avg := ev.FillPrice
	if ev.CumulativeNotional.IsPositive() {
		avg = ev.CumulativeNotional.Div(ev.CumulativeQuantity)
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}
	return execution.Outcome{
		Exchange: exchange,
		Symbol:   ev.Symbol,
		ClientID: ev.ClientID,
		OrderID:  ev.OrderID,
		Side:     ev.Side,
		State:    link.FillFilled,
		Expected: ev.CumulativeQuantity,
		Filled:   ev.CumulativeQuantity,
		AvgPrice: avg.Round(12),
		Attempt:  1,
		Reason:   "observed on account stream",
		At:       at,
	}, true
}

func logTopOfBook(ctx context.Context, links []*runningLink, interval time.Duration, logger observability.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rl := range links {
				for _, symbol := range rl.cfg.Symbols {
					q, ok := rl.link.CachedTopOfBook(symbol)
					if !ok {
						continue
					}
					logger.Info("top of book",
						observability.F("exchange", rl.name),
						observability.F("symbol", symbol),
						observability.F("bid", q.Bid.String()),
						observability.F("ask", q.Ask.String()),
						observability.F("spread", spread(q).String()),
						observability.F("healthy", rl.link.IsHealthy()),
					)
				}
			}
		}
	}
}

func spread(q link.Quote) decimal.Decimal {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid)
}
