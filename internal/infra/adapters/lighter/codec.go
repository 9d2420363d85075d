// Package lighter implements the Lighter WebSocket codec.
package lighter

import (
	"context"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/infra/adapters/shared"
	"github.com/coachpo/exchangelink/internal/link"
)

var (
	pingFrame = []byte(`{"type":"ping"}`)
	pongFrame = []byte(`{"type":"pong"}`)
)

// Codec speaks Lighter's typed-channel protocol. Order updates carry running
// totals, so order events are emitted as cumulative.
type Codec struct {
	opts    Options
	symbols map[int]string
}

var _ link.Codec = (*Codec)(nil)

// New builds a codec. Markets are fixed for the codec's lifetime.
func New(opts Options) *Codec {
	opts = withDefaults(opts)
	symbols := make(map[int]string, len(opts.Config.Markets))
	for sym, idx := range opts.Config.Markets {
		symbols[idx] = sym
	}
	return &Codec{opts: opts, symbols: symbols}
}

func (c *Codec) Exchange() string { return c.opts.Config.Name }

func (c *Codec) Endpoint() string { return c.opts.Config.URL }

func (c *Codec) Heartbeat() link.HeartbeatPolicy { return link.ExplicitPing }

func (c *Codec) PingFrame() []byte { return pingFrame }

func (c *Codec) PongFrame(*schema.Control) []byte { return pongFrame }

// OpenMeansSlippage is true by default: Lighter market orders that breach the
// slippage bound rest as open instead of filling.
func (c *Codec) OpenMeansSlippage() bool {
	if c.opts.Config.OpenMeansSlippage != nil {
		return *c.opts.Config.OpenMeansSlippage
	}
	return true
}

func (c *Codec) SubscribeFrame(ctx context.Context, key schema.StreamKey) ([]byte, error) {
	channel, err := c.channel(key)
	if err != nil {
		return nil, err
	}
	req := wsRequest{Type: "subscribe", Channel: channel}
	if key.Kind.Private() {
		token, err := c.authToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Auth = token
	}
	return json.Marshal(req)
}

func (c *Codec) UnsubscribeFrame(key schema.StreamKey) ([]byte, error) {
	channel, err := c.channel(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsRequest{Type: "unsubscribe", Channel: channel})
}

func (c *Codec) authToken(ctx context.Context) (string, error) {
	if c.opts.Auth == nil {
		return "", errs.New(c.Exchange(), errs.CodeAuth, errs.WithMessage("private stream requires an auth token source"))
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.TokenTimeout)
	defer cancel()
	token, err := c.opts.Auth.AuthToken(ctx)
	if err != nil {
		return "", errs.New(c.Exchange(), errs.CodeAuth, errs.WithMessage("fetch auth token"), errs.WithCause(err))
	}
	return token, nil
}

func (c *Codec) channel(key schema.StreamKey) (string, error) {
	if key.Kind.Private() {
		if c.opts.Config.AccountIndex <= 0 {
			return "", errs.New(c.Exchange(), errs.CodeInvalid, errs.WithMessage("account index required for private streams"))
		}
		acct := strconv.FormatInt(c.opts.Config.AccountIndex, 10)
		if key.Kind == schema.StreamOrders {
			return "account_all_orders/" + acct, nil
		}
		return "account_all/" + acct, nil
	}

	idx, ok := c.opts.Config.Markets[key.Symbol]
	if !ok {
		return "", errs.New(c.Exchange(), errs.CodeInvalid,
			errs.WithMessage("unknown market for symbol"),
			errs.WithVenueField("symbol", key.Symbol))
	}
	market := strconv.Itoa(idx)
	switch key.Kind {
	case schema.StreamTicker:
		return "market_stats/" + market, nil
	case schema.StreamOrderBook:
		return "order_book/" + market, nil
	case schema.StreamTrades:
		return "trade/" + market, nil
	default:
		return "", errs.New(c.Exchange(), errs.CodeInvalid,
			errs.WithMessage("unsupported stream"),
			errs.WithVenueField("stream", key.String()))
	}
}

func (c *Codec) Decode(frame []byte) ([]schema.Event, error) {
	root, err := shared.Classify(c.Exchange(), frame)
	if err != nil {
		return nil, err
	}

	if e := root.Get("error"); e.Exists() {
		return []schema.Event{schema.ControlEvent(&schema.Control{
			Type:    schema.ControlError,
			Channel: root.Get("channel").String(),
			Code:    e.Get("code").String(),
			Message: e.Get("message").String(),
		})}, nil
	}

	typ := root.Get("type").String()
	switch typ {
	case "ping":
		return []schema.Event{schema.ControlEvent(&schema.Control{Type: schema.ControlPing})}, nil
	case "pong":
		return []schema.Event{schema.ControlEvent(&schema.Control{Type: schema.ControlPong})}, nil
	case "connected":
		return []schema.Event{schema.ControlEvent(&schema.Control{Type: schema.ControlConnected})}, nil
	}

	phase, stream, ok := strings.Cut(typ, "/")
	if !ok || (phase != "update" && phase != "subscribed") {
		return []schema.Event{schema.UnknownEvent(frame)}, nil
	}

	var out []schema.Event
	if phase == "subscribed" {
		out = append(out, schema.ControlEvent(&schema.Control{Type: schema.ControlAck, Channel: root.Get("channel").String()}))
	}
	events, known, err := c.decodeStream(stream, root)
	if err != nil {
		return nil, err
	}
	if !known && len(out) == 0 {
		return []schema.Event{schema.UnknownEvent(frame)}, nil
	}
	return append(out, events...), nil
}

func (c *Codec) decodeStream(stream string, root gjson.Result) ([]schema.Event, bool, error) {
	switch stream {
	case "market_stats":
		data := root.Get("market_stats")
		if !data.Exists() {
			return nil, true, nil
		}
		var msg marketStatsMsg
		if err := json.Unmarshal([]byte(data.Raw), &msg); err != nil {
			return nil, true, shared.DecodeError(c.Exchange(), stream, err)
		}
		symbol, ok := c.symbols[msg.MarketID]
		if !ok {
			return nil, true, nil
		}
		return []schema.Event{schema.TickerEvent(&schema.Ticker{
			Symbol:      symbol,
			Last:        shared.Decimal(msg.LastPrice.String()),
			Mark:        shared.Decimal(msg.MarkPrice.String()),
			Index:       shared.Decimal(msg.IndexPrice.String()),
			Open:        shared.Decimal(msg.DailyOpen.String()),
			High:        shared.Decimal(msg.DailyHigh.String()),
			Low:         shared.Decimal(msg.DailyLow.String()),
			Volume:      shared.Decimal(msg.BaseVolume.String()),
			QuoteVolume: shared.Decimal(msg.QuoteVolume.String()),
		})}, true, nil

	case "order_book":
		data := root.Get("order_book")
		symbol, ok := c.channelSymbol(root.Get("channel").String())
		if !data.Exists() || !ok {
			return nil, true, nil
		}
		var msg orderBookMsg
		if err := json.Unmarshal([]byte(data.Raw), &msg); err != nil {
			return nil, true, shared.DecodeError(c.Exchange(), stream, err)
		}
		bids, asks := shared.SortBook(levels(msg.Bids), levels(msg.Asks))
		return []schema.Event{schema.OrderBookEvent(&schema.OrderBook{
			Symbol:   symbol,
			Bids:     bids,
			Asks:     asks,
			UpdateID: msg.Offset,
		})}, true, nil

	case "trade":
		var trades []tradeMsg
		if data := root.Get("trades"); data.Exists() {
			if err := json.Unmarshal([]byte(data.Raw), &trades); err != nil {
				return nil, true, shared.DecodeError(c.Exchange(), stream, err)
			}
		}
		out := make([]schema.Event, 0, len(trades))
		for _, tr := range trades {
			symbol, ok := c.symbols[tr.MarketID]
			if !ok {
				continue
			}
			side := schema.SideSell
			if tr.IsMakerAsk {
				side = schema.SideBuy
			}
			out = append(out, schema.TradeEvent(&schema.Trade{
				ID:        tr.TradeID.String(),
				Symbol:    symbol,
				Side:      side,
				Price:     shared.Decimal(tr.Price),
				Quantity:  shared.Decimal(tr.Size),
				Timestamp: shared.Epoch(tr.Timestamp),
			}))
		}
		return out, true, nil

	case "account_all_orders":
		events, err := c.decodeOrders(root.Get("orders"))
		return events, true, err

	case "account_all":
		orders, err := c.decodeOrders(root.Get("orders"))
		if err != nil {
			return nil, true, err
		}
		positions, err := c.decodePositions(root.Get("positions"))
		if err != nil {
			return nil, true, err
		}
		return append(orders, positions...), true, nil
	}
	return nil, false, nil
}

// decodeOrders flattens {"<market>": [order, ...]} in market order.
func (c *Codec) decodeOrders(data gjson.Result) ([]schema.Event, error) {
	if !data.IsObject() {
		return nil, nil
	}
	var byMarket map[string][]orderMsg
	if err := json.Unmarshal([]byte(data.Raw), &byMarket); err != nil {
		return nil, shared.DecodeError(c.Exchange(), "orders", err)
	}
	out := make([]schema.Event, 0, len(byMarket))
	for _, market := range sortedKeys(byMarket) {
		for _, o := range byMarket[market] {
			side := schema.SideBuy
			if o.IsAsk {
				side = schema.SideSell
			}
			filled := shared.Decimal(o.FilledBaseAmount)
			status := orderStatus(o.Status)
			if status == schema.OrderOpen && filled.IsPositive() {
				status = schema.OrderPartiallyFilled
			}
			out = append(out, schema.OrderUpdateEvent(&schema.OrderEvent{
				OrderID:            o.OrderIndex.String(),
				ClientID:           o.ClientOrderIndex.String(),
				Symbol:             c.marketSymbol(o.MarketIndex, market),
				Side:               side,
				Status:             status,
				FillPrice:          shared.Decimal(o.Price),
				Cumulative:         true,
				CumulativeQuantity: filled,
				CumulativeNotional: shared.Decimal(o.FilledQuoteAmount),
				Timestamp:          shared.Epoch(o.Timestamp),
			}))
		}
	}
	return out, nil
}

func (c *Codec) decodePositions(data gjson.Result) ([]schema.Event, error) {
	if !data.IsObject() {
		return nil, nil
	}
	var byMarket map[string]positionMsg
	if err := json.Unmarshal([]byte(data.Raw), &byMarket); err != nil {
		return nil, shared.DecodeError(c.Exchange(), "positions", err)
	}
	out := make([]schema.Event, 0, len(byMarket))
	for _, market := range sortedKeys(byMarket) {
		p := byMarket[market]
		size := shared.Decimal(p.Position)
		if p.Sign < 0 && size.IsPositive() {
			size = size.Neg()
		}
		out = append(out, schema.PositionEvent(&schema.Position{
			Symbol:        c.marketSymbol(p.MarketID, market),
			Size:          size,
			EntryPrice:    shared.Decimal(p.AvgEntryPrice),
			UnrealizedPnL: shared.Decimal(p.UnrealizedPnL),
		}))
	}
	return out, nil
}

// channelSymbol maps "order_book:3" (or "order_book/3") to a configured symbol.
func (c *Codec) channelSymbol(channel string) (string, bool) {
	i := strings.LastIndexAny(channel, ":/")
	if i < 0 {
		return "", false
	}
	idx, err := strconv.Atoi(channel[i+1:])
	if err != nil {
		return "", false
	}
	sym, ok := c.symbols[idx]
	return sym, ok
}

func (c *Codec) marketSymbol(idx int, key string) string {
	if sym, ok := c.symbols[idx]; ok {
		return sym
	}
	if n, err := strconv.Atoi(key); err == nil {
		if sym, ok := c.symbols[n]; ok {
			return sym
		}
	}
	return key
}

func orderStatus(raw string) schema.OrderStatus {
	status := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case status == "open" || status == "pending" || status == "in-progress":
		return schema.OrderOpen
	case status == "filled":
		return schema.OrderFilled
	case strings.HasPrefix(status, "canceled") || status == "expired":
		return schema.OrderCanceled
	case status == "rejected":
		return schema.OrderRejected
	default:
		return schema.OrderStatus(status)
	}
}

func levels(in []levelMsg) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(in))
	for _, lvl := range in {
		out = append(out, schema.PriceLevel{Price: shared.Decimal(lvl.Price), Size: shared.Decimal(lvl.Size)})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
