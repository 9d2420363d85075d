package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/config"
	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/observability"
)

// State is the connection lifecycle of a Link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Options configures a Link. Zero values take the config defaults.
type Options struct {
	Config config.LinkConfig
	Logger observability.Logger
	// Probe gates reconnects; nil builds an HTTP probe from Config.ProbeURL.
	Probe Prober
	// ExchangeProbe is informational only.
	ExchangeProbe Prober
	// OpenMeansSlippage overrides the codec default.
	OpenMeansSlippage *bool
	Sleep             Sleeper
	Dial              *websocket.DialOptions
	Now               func() time.Time
}

// Link is the public face of one exchange connection.
type Link struct {
	id      string
	codec   Codec
	cfg     config.LinkConfig
	logger  observability.Logger
	metrics *linkMetrics
	now     func() time.Time
	dial    *websocket.DialOptions

	registry    *Registry
	cache       *BookCache
	fills       *FillTracker
	reconnector *ReconnectCoordinator
	heartbeat   *HeartbeatSupervisor
	limiter     *rate.Limiter

	state atomic.Int32

	sessionMu sync.Mutex
	session   atomic.Pointer[Session]
	closing   bool

	lifecycleMu sync.Mutex
	running     atomic.Bool
	cancel      context.CancelFunc
	wg          *conc.WaitGroup
}

// New builds a disconnected link for codec.
func New(codec Codec, opts Options) *Link {
	cfg := withLinkDefaults(opts.Config)
	exchange := codec.Exchange()
	id := uuid.NewString()

	logger := observability.OrDefault(opts.Logger)
	metrics := newLinkMetrics(exchange)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	openMeansSlippage := codec.OpenMeansSlippage()
	if opts.OpenMeansSlippage != nil {
		openMeansSlippage = *opts.OpenMeansSlippage
	}

	limit := rate.Limit(cfg.SubscribeRate)
	if cfg.SubscribeRate <= 0 {
		limit = rate.Inf
	}

	l := &Link{
		id:       id,
		codec:    codec,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      now,
		dial:     opts.Dial,
		registry: NewRegistry(),
		cache:    NewBookCache(cfg.CacheTTL, cfg.CacheDepth),
		limiter:  rate.NewLimiter(limit, cfg.SubscribeBurst),
	}
	l.fills = NewFillTracker(exchange, openMeansSlippage, cfg.DedupCapacity, logger)
	l.fills.metrics = metrics
	l.fills.now = now

	probe := opts.Probe
	if probe == nil {
		if p := NewHTTPProbe(cfg.ProbeURL, cfg.ProbeTimeout); p != nil {
			probe = p
		}
	}
	l.reconnector = newReconnectCoordinator(exchange, cfg.Backoff, probe, opts.ExchangeProbe, cfg.TeardownTimeout, opts.Sleep,
		reconnectSteps{
			teardown:    l.teardown,
			connect:     l.dialSession,
			resubscribe: l.resubscribe,
		}, logger, metrics)
	l.heartbeat = newHeartbeatSupervisor(exchange, codec.Heartbeat(), cfg.HeartbeatInterval, cfg.PingInterval,
		cfg.PingFailureThreshold, linkTarget{l}, l.reconnect, logger, metrics)
	return l
}

func withLinkDefaults(cfg config.LinkConfig) config.LinkConfig {
	def := config.DefaultLinkConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingFailureThreshold <= 0 {
		cfg.PingFailureThreshold = def.PingFailureThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = def.Backoff.Base
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = def.Backoff.Max
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	if cfg.SubscribeBurst <= 0 {
		cfg.SubscribeBurst = 1
	}
	return cfg
}

// ID returns the link instance id used in logs.
func (l *Link) ID() string { return l.id }

// Exchange returns the venue name.
func (l *Link) Exchange() string { return l.codec.Exchange() }

// State returns the lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

// IsHealthy reports whether the current session is open.
func (l *Link) IsHealthy() bool { return l.session.Load().IsHealthy() }

// ReconnectAttempts returns consecutive failed reconnect attempts.
func (l *Link) ReconnectAttempts() int { return l.reconnector.Attempts() }

// Subscriptions returns the registry snapshot.
func (l *Link) Subscriptions() []Subscription { return l.registry.Snapshot() }

// Connect dials the exchange, starts heartbeat supervision and replays any
// subscriptions registered while disconnected.
func (l *Link) Connect(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.cancel != nil {
		return nil
	}

	l.sessionMu.Lock()
	l.closing = false
	l.sessionMu.Unlock()

	l.state.Store(int32(StateConnecting))
	if err := l.dialSession(ctx); err != nil {
		l.state.Store(int32(StateDisconnected))
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg = conc.NewWaitGroup()
	l.wg.Go(func() { l.heartbeat.Run(runCtx) })
	l.running.Store(true)
	l.state.Store(int32(StateConnected))

	l.logger.Info("exchange link connected",
		observability.F("exchange", l.Exchange()),
		observability.F("link_id", l.id),
		observability.F("url", l.codec.Endpoint()))

	if err := l.resubscribe(ctx); err != nil {
		l.logger.Warn("initial subscribe incomplete", observability.F("exchange", l.Exchange()), observability.Err(err))
	}
	return nil
}

// Disconnect stops supervision, cancels pending fill waits and closes the socket.
// The registry is kept so a later Connect restores the same subscriptions.
func (l *Link) Disconnect(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	l.running.Store(false)
	cancelled := l.fills.CancelAll("disconnect")

	l.sessionMu.Lock()
	l.closing = true
	current := l.session.Swap(nil)
	l.sessionMu.Unlock()

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	var closeErr error
	if current != nil {
		closeErr = current.Close()
	}

	if wg := l.wg; wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			l.logger.Warn("link goroutines did not stop before deadline", observability.F("exchange", l.Exchange()))
		}
		l.wg = nil
	}

	l.state.Store(int32(StateDisconnected))
	l.logger.Info("exchange link disconnected",
		observability.F("exchange", l.Exchange()),
		observability.F("link_id", l.id),
		observability.F("cancelled_waits", cancelled))
	return closeErr
}

// ForceReconnect runs the reconnect sequence now, joining any run already in flight.
func (l *Link) ForceReconnect(ctx context.Context, reason string) error {
	if !l.running.Load() {
		return errs.New(l.Exchange(), errs.CodeNotConnected, errs.WithMessage("link not started"))
	}
	err := l.reconnector.Trigger(ctx, reason)
	if err == nil {
		l.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnected))
	}
	return err
}

// reconnect is the heartbeat's entry point.
func (l *Link) reconnect(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	if err := l.ForceReconnect(ctx, reason); err != nil && ctx.Err() == nil {
		l.logger.Debug("reconnect attempt ended without a session",
			observability.F("exchange", l.Exchange()),
			observability.Err(err))
	}
}

// Subscribe registers a public stream. The entry survives reconnects; when the link is
// down the subscribe frame is sent on the next connect.
func (l *Link) Subscribe(ctx context.Context, kind schema.StreamKind, symbol string, handler Handler) error {
	if kind.Private() {
		return errs.New(l.Exchange(), errs.CodeInvalid, errs.WithMessage("private streams use SubscribePrivate"))
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return errs.New(l.Exchange(), errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	return l.subscribe(ctx, schema.StreamKey{Kind: kind, Symbol: symbol}, handler)
}

// SubscribePrivate registers the order and position streams with one handler.
func (l *Link) SubscribePrivate(ctx context.Context, handler Handler) error {
	var failures []error
	for _, kind := range []schema.StreamKind{schema.StreamOrders, schema.StreamPositions} {
		if err := l.subscribe(ctx, schema.StreamKey{Kind: kind}, handler); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func (l *Link) subscribe(ctx context.Context, key schema.StreamKey, handler Handler) error {
	if handler == nil {
		return errs.New(l.Exchange(), errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	// Build once up front so unknown symbols fail before they enter the registry.
	if _, err := l.codec.SubscribeFrame(ctx, key); err != nil {
		return err
	}
	if !l.registry.Add(Subscription{Key: key, Handler: handler, AddedAt: l.now()}) {
		l.metrics.adjustSubscriptions(ctx, 1)
	}
	if !l.IsHealthy() {
		return nil
	}
	if err := l.sendSubscribe(ctx, key); err != nil {
		if errs.IsCode(err, errs.CodeNotConnected) || errs.IsCode(err, errs.CodeNetwork) {
			l.logger.Info("subscribe deferred until reconnect",
				observability.F("exchange", l.Exchange()),
				observability.F("stream", key.String()),
				observability.Err(err))
			return nil
		}
		return err
	}
	return nil
}

// Unsubscribe removes a public stream. Removing an unknown stream is a no-op.
func (l *Link) Unsubscribe(ctx context.Context, kind schema.StreamKind, symbol string) error {
	return l.unsubscribe(ctx, schema.StreamKey{Kind: kind, Symbol: strings.TrimSpace(symbol)})
}

// UnsubscribePrivate removes the order and position streams.
func (l *Link) UnsubscribePrivate(ctx context.Context) error {
	return errors.Join(
		l.unsubscribe(ctx, schema.StreamKey{Kind: schema.StreamOrders}),
		l.unsubscribe(ctx, schema.StreamKey{Kind: schema.StreamPositions}),
	)
}

func (l *Link) unsubscribe(ctx context.Context, key schema.StreamKey) error {
	if !l.registry.Remove(key) {
		return nil
	}
	l.metrics.adjustSubscriptions(ctx, -1)
	if !l.IsHealthy() {
		return nil
	}
	frame, err := l.codec.UnsubscribeFrame(key)
	if err != nil || frame == nil {
		return err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.send(ctx, frame)
}

// BeginFill registers a fill expectation. A non-positive timeout uses the configured default.
func (l *Link) BeginFill(exp FillExpectation, timeout time.Duration) *FillWait {
	if timeout <= 0 {
		timeout = l.cfg.FillTimeout
	}
	return l.fills.BeginWait(exp, timeout)
}

// AwaitFill registers exp, runs submit, and waits for the outcome. The expectation is
// in place before submit runs.
func (l *Link) AwaitFill(ctx context.Context, exp FillExpectation, timeout time.Duration, submit func(context.Context) error) (FillResult, error) {
	wait := l.BeginFill(exp, timeout)
	if submit != nil {
		if err := submit(ctx); err != nil {
			wait.Cancel("submit failed")
			return wait.Result(), err
		}
	}
	res := wait.Wait(ctx)
	return res, res.Err()
}

// CachedTopOfBook returns the best bid and ask if the cached book is fresh.
func (l *Link) CachedTopOfBook(symbol string) (Quote, bool) {
	return l.cache.BestBidAsk(symbol, l.now())
}

// CachedLevels returns the cached depth for symbol if fresh.
func (l *Link) CachedLevels(symbol string) (bids, asks []schema.PriceLevel, ok bool) {
	return l.cache.Levels(symbol, l.now())
}

func (l *Link) dialSession(ctx context.Context) error {
	session := NewSession(SessionOptions{
		Exchange:   l.Exchange(),
		URL:        l.codec.Endpoint(),
		ReadLimit:  l.cfg.ReadLimit,
		CloseGrace: l.cfg.TeardownTimeout,
		Dial:       l.dial,
		OnFrame:    l.handleFrame,
		OnClose:    l.handleSessionClose,
		Logger:     l.logger,
	})

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	if err := session.Connect(dialCtx); err != nil {
		return err
	}

	l.sessionMu.Lock()
	if l.closing {
		l.sessionMu.Unlock()
		_ = session.Close()
		return errs.New(l.Exchange(), errs.CodeUnavailable, errs.WithMessage("link is disconnecting"))
	}
	previous := l.session.Swap(session)
	l.sessionMu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// teardown runs only after the reachability check passes; a postponed run leaves the state alone.
func (l *Link) teardown(context.Context) error {
	l.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting))
	if current := l.session.Load(); current != nil {
		return current.Close()
	}
	return nil
}

func (l *Link) resubscribe(ctx context.Context) error {
	failures := make([]error, 0)
	if h, ok := l.codec.(Handshaker); ok {
		for _, frame := range h.HandshakeFrames() {
			if err := l.send(ctx, frame); err != nil {
				failures = append(failures, fmt.Errorf("handshake: %w", err))
			}
		}
	}
	for _, sub := range l.registry.Snapshot() {
		if err := l.sendSubscribe(ctx, sub.Key); err != nil {
			l.logger.Warn("resubscribe failed",
				observability.F("exchange", l.Exchange()),
				observability.F("stream", sub.Key.String()),
				observability.Err(err))
			failures = append(failures, fmt.Errorf("%s: %w", sub.Key, err))
		}
	}
	return observability.AggregateErrors(l.logger, "resubscribe", failures, observability.F("exchange", l.Exchange()))
}

// sendSubscribe paces, signs and sends one subscribe frame.
func (l *Link) sendSubscribe(ctx context.Context, key schema.StreamKey) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	frame, err := l.codec.SubscribeFrame(ctx, key)
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	return l.send(ctx, frame)
}

func (l *Link) send(ctx context.Context, frame []byte) error {
	session := l.session.Load()
	if session == nil {
		return errs.New(l.Exchange(), errs.CodeNotConnected, errs.WithMessage("no session"))
	}
	return session.Send(ctx, frame)
}

func (l *Link) handleSessionClose(err error) {
	if l.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		l.logger.Info("session closed; awaiting heartbeat reconnect",
			observability.F("exchange", l.Exchange()),
			observability.Err(err))
	}
}

func (l *Link) handleFrame(frame []byte, receivedAt time.Time) {
	ctx := context.Background()
	l.metrics.recordMessage(ctx, len(frame))

	events, err := l.codec.Decode(frame)
	if err != nil {
		l.metrics.recordDecodeError(ctx)
		l.logger.Warn("dropping undecodable frame",
			observability.F("exchange", l.Exchange()),
			observability.F("frame", truncate(frame, 256)),
			observability.Err(err))
		return
	}
	for _, ev := range events {
		l.dispatch(ev, receivedAt)
	}
}

func (l *Link) dispatch(ev schema.Event, receivedAt time.Time) {
	switch ev.Kind {
	case schema.KindControl:
		if ctrl, ok := ev.Payload.(*schema.Control); ok {
			l.handleControl(ctrl)
		}
		return
	case schema.KindUnknown:
		raw, _ := ev.Payload.([]byte)
		l.logger.Debug("unrecognised frame",
			observability.F("exchange", l.Exchange()),
			observability.F("frame", truncate(raw, 256)))
		return
	case schema.KindOrderBook:
		if book, ok := ev.Payload.(*schema.OrderBook); ok {
			l.cache.Update(book.Symbol, book.Bids, book.Asks, receivedAt)
		}
	case schema.KindTicker:
		if tk, ok := ev.Payload.(*schema.Ticker); ok {
			l.fillQuoteFromCache(tk, receivedAt)
		}
	case schema.KindOrder:
		if order, ok := ev.Payload.(*schema.OrderEvent); ok {
			l.fills.OnOrderEvent(order)
		}
	}

	handler, ok := l.registry.Lookup(ev.Key())
	if !ok {
		return
	}
	l.deliver(handler, ev)
}

// fillQuoteFromCache completes a ticker that arrived without a bid or ask.
func (l *Link) fillQuoteFromCache(tk *schema.Ticker, now time.Time) {
	if tk.HasBidAsk() {
		return
	}
	quote, ok := l.cache.BestBidAsk(tk.Symbol, now)
	if !ok {
		return
	}
	if !tk.Bid.IsPositive() {
		tk.Bid, tk.BidSize = quote.Bid, quote.BidSize
	}
	if !tk.Ask.IsPositive() {
		tk.Ask, tk.AskSize = quote.Ask, quote.AskSize
	}
}

func (l *Link) handleControl(ctrl *schema.Control) {
	switch ctrl.Type {
	case schema.ControlPing:
		if pong := l.codec.PongFrame(ctrl); pong != nil {
			if err := l.send(context.Background(), pong); err != nil {
				l.logger.Warn("pong failed", observability.F("exchange", l.Exchange()), observability.Err(err))
			}
		}
	case schema.ControlError:
		err := errs.New(l.Exchange(), errs.CodeSubscription,
			errs.WithRawCode(ctrl.Code),
			errs.WithRawMessage(ctrl.Message),
			errs.WithVenueField("channel", ctrl.Channel))
		l.logger.Warn("exchange reported error", observability.F("exchange", l.Exchange()), observability.Err(err))
	default:
		l.logger.Debug("control frame",
			observability.F("exchange", l.Exchange()),
			observability.F("type", string(ctrl.Type)),
			observability.F("channel", ctrl.Channel))
	}
}

func (l *Link) deliver(handler Handler, ev schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscription handler panicked",
				observability.F("exchange", l.Exchange()),
				observability.F("stream", ev.Key().String()),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	handler(ev)
}

// linkTarget exposes the current session to the heartbeat supervisor.
type linkTarget struct{ l *Link }

func (t linkTarget) IsHealthy() bool { return t.l.IsHealthy() }

func (t linkTarget) LastMessageAt() time.Time {
	if session := t.l.session.Load(); session != nil {
		return session.LastMessageAt()
	}
	return time.Time{}
}

func (t linkTarget) SendPing(ctx context.Context) error {
	frame := t.l.codec.PingFrame()
	if frame == nil {
		return nil
	}
	return t.l.send(ctx, frame)
}

func (t linkTarget) MarkUnhealthy() {
	if session := t.l.session.Load(); session != nil {
		session.MarkUnhealthy()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
