// Package backpack implements the Backpack Exchange WebSocket codec.
package backpack

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/infra/adapters/shared"
	"github.com/coachpo/exchangelink/internal/link"
)

const (
	streamOrderUpdate    = "account.orderUpdate"
	streamPositionUpdate = "account.positionUpdate"
)

// Codec speaks Backpack's stream/data protocol.
type Codec struct {
	opts   Options
	signer *Signer
	nextID atomic.Int64
}

var _ link.Codec = (*Codec)(nil)

// New builds a codec. Credentials are optional; without them private
// subscriptions fail with an auth error.
func New(opts Options) (*Codec, error) {
	opts = withDefaults(opts)
	c := &Codec{opts: opts}
	cfg := opts.Config
	if cfg.APIKey != "" || cfg.APISecret != "" {
		signer, err := NewSigner(cfg.Name, cfg.APIKey, cfg.APISecret, cfg.SignWindow)
		if err != nil {
			return nil, err
		}
		c.signer = signer
	}
	return c, nil
}

func (c *Codec) Exchange() string { return c.opts.Config.Name }

func (c *Codec) Endpoint() string { return c.opts.Config.URL }

// Heartbeat trusts the transport: Backpack pings at the WebSocket layer.
func (c *Codec) Heartbeat() link.HeartbeatPolicy { return link.TrustTransport }

func (c *Codec) PingFrame() []byte { return nil }

func (c *Codec) PongFrame(*schema.Control) []byte { return nil }

// OpenMeansSlippage is false by default: every accepted order reports New before filling.
func (c *Codec) OpenMeansSlippage() bool {
	if c.opts.Config.OpenMeansSlippage != nil {
		return *c.opts.Config.OpenMeansSlippage
	}
	return false
}

func (c *Codec) SubscribeFrame(_ context.Context, key schema.StreamKey) ([]byte, error) {
	params, err := c.streams(key)
	if err != nil {
		return nil, err
	}
	req := wsRequest{Method: "SUBSCRIBE", Params: params, ID: c.nextID.Add(1)}
	if key.Kind.Private() {
		if c.signer == nil {
			return nil, errs.New(c.Exchange(), errs.CodeAuth,
				errs.WithMessage("private stream requires api credentials"),
				errs.WithVenueField("stream", key.String()))
		}
		req.Signature = c.signer.SubscriptionSignature(c.opts.Now())
	}
	return json.Marshal(req)
}

func (c *Codec) UnsubscribeFrame(key schema.StreamKey) ([]byte, error) {
	params, err := c.streams(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsRequest{Method: "UNSUBSCRIBE", Params: params, ID: c.nextID.Add(1)})
}

func (c *Codec) streams(key schema.StreamKey) ([]string, error) {
	sym := key.Symbol
	switch key.Kind {
	case schema.StreamTicker:
		return []string{"ticker." + sym, "bookTicker." + sym}, nil
	case schema.StreamOrderBook:
		return []string{"depth." + sym}, nil
	case schema.StreamTrades:
		return []string{"trade." + sym}, nil
	case schema.StreamMarkPrice:
		return []string{"markPrice." + sym}, nil
	case schema.StreamOrders:
		return []string{streamOrderUpdate}, nil
	case schema.StreamPositions:
		return []string{streamPositionUpdate}, nil
	default:
		return nil, errs.New(c.Exchange(), errs.CodeInvalid,
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
			ID:      root.Get("id").Int(),
			Code:    e.Get("code").String(),
			Message: e.Get("message").String(),
		})}, nil
	}

	stream := root.Get("stream").String()
	data := root.Get("data")
	if stream == "" || !data.Exists() {
		if root.Get("id").Exists() {
			return []schema.Event{schema.ControlEvent(&schema.Control{Type: schema.ControlAck, ID: root.Get("id").Int()})}, nil
		}
		return []schema.Event{schema.UnknownEvent(frame)}, nil
	}

	ev, ok, err := c.decodeStream(stream, data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []schema.Event{schema.UnknownEvent(frame)}, nil
	}
	return []schema.Event{ev}, nil
}

func (c *Codec) decodeStream(stream string, data gjson.Result) (schema.Event, bool, error) {
	if !data.IsObject() {
		return schema.Event{}, false, shared.DecodeError(c.Exchange(), stream, fmt.Errorf("data is %s, want object", data.Type))
	}
	if strings.HasPrefix(stream, streamOrderUpdate) {
		return schema.OrderUpdateEvent(orderEvent(parseOrderUpdate(data))), true, nil
	}
	if strings.HasPrefix(stream, streamPositionUpdate) {
		msg := parsePosition(data)
		return schema.PositionEvent(&schema.Position{
			Symbol:        msg.Symbol,
			Size:          shared.Decimal(msg.NetQuantity),
			EntryPrice:    shared.Decimal(msg.EntryPrice),
			UnrealizedPnL: shared.Decimal(msg.UnrealizedPnL),
			Timestamp:     shared.Micros(msg.EventTime),
		}), true, nil
	}

	kind, symbol, _ := strings.Cut(stream, ".")
	// depth streams may carry an aggregation interval: depth.200ms.SOL_USDC
	if i := strings.LastIndexByte(symbol, '.'); i >= 0 {
		symbol = symbol[i+1:]
	}

	switch kind {
	case "ticker", "bookTicker":
		msg := parseTicker(data)
		return schema.TickerEvent(&schema.Ticker{
			Symbol:      firstNonEmpty(msg.Symbol, symbol),
			Last:        shared.Decimal(msg.Last),
			Bid:         shared.Decimal(msg.Bid),
			Ask:         shared.Decimal(msg.Ask),
			BidSize:     shared.Decimal(msg.BidSize),
			AskSize:     shared.Decimal(msg.AskSize),
			Open:        shared.Decimal(msg.Open),
			High:        shared.Decimal(msg.High),
			Low:         shared.Decimal(msg.Low),
			Volume:      shared.Decimal(msg.Volume),
			QuoteVolume: shared.Decimal(msg.QuoteVolume),
			Timestamp:   shared.Micros(msg.EventTime),
		}), true, nil

	case "markPrice":
		msg := parseMarkPrice(data)
		ev := schema.TickerEvent(&schema.Ticker{
			Symbol:    firstNonEmpty(msg.Symbol, symbol),
			Mark:      shared.Decimal(msg.MarkPrice),
			Index:     shared.Decimal(msg.IndexPrice),
			Timestamp: shared.Micros(msg.EventTime),
		})
		ev.Stream = schema.StreamMarkPrice
		return ev, true, nil

	case "depth":
		msg, err := parseDepth(data)
		if err != nil {
			return schema.Event{}, false, shared.DecodeError(c.Exchange(), stream, err)
		}
		bids, asks := shared.SortBook(shared.PairLevels(msg.Bids), shared.PairLevels(msg.Asks))
		return schema.OrderBookEvent(&schema.OrderBook{
			Symbol:    firstNonEmpty(msg.Symbol, symbol),
			Bids:      bids,
			Asks:      asks,
			UpdateID:  msg.UpdateID,
			Timestamp: shared.Micros(msg.EventTime),
		}), true, nil

	case "trade":
		msg := parseTrade(data)
		side := schema.SideBuy
		if msg.BuyerMaker {
			side = schema.SideSell
		}
		return schema.TradeEvent(&schema.Trade{
			ID:        msg.TradeID,
			Symbol:    firstNonEmpty(msg.Symbol, symbol),
			Side:      side,
			Price:     shared.Decimal(msg.Price),
			Quantity:  shared.Decimal(msg.Quantity),
			Timestamp: shared.Micros(msg.EngineTime),
		}), true, nil
	}
	return schema.Event{}, false, nil
}

// orderEvent maps an orderUpdate. Only fill events carry an increment; the
// rest (orderAccepted, orderCancelled, ...) are status-only.
func orderEvent(msg orderUpdateMsg) *schema.OrderEvent {
	side, _ := schema.ParseSide(msg.Side)
	ev := &schema.OrderEvent{
		OrderID:   msg.OrderID,
		ClientID:  msg.ClientID,
		Symbol:    msg.Symbol,
		Side:      side,
		Status:    orderStatus(msg.Status),
		Timestamp: shared.Micros(msg.EventTime),
	}
	qty := shared.Decimal(msg.FillQuantity)
	if msg.TradeID != "" && qty.IsPositive() {
		ev.TradeID = msg.TradeID
		ev.FillQuantity = qty
		ev.FillPrice = shared.Decimal(firstNonEmpty(msg.FillPrice, msg.Price))
	}
	return ev
}

func orderStatus(raw string) schema.OrderStatus {
	switch raw {
	case "New", "TriggerPending":
		return schema.OrderOpen
	case "PartiallyFilled":
		return schema.OrderPartiallyFilled
	case "Filled":
		return schema.OrderFilled
	case "Cancelled", "Expired":
		return schema.OrderCanceled
	case "TriggerFailed", "Rejected":
		return schema.OrderRejected
	default:
		return schema.OrderStatus(strings.ToLower(raw))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
