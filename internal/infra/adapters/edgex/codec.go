// Package edgex implements the EdgeX WebSocket codec.
package edgex

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/infra/adapters/shared"
	"github.com/coachpo/exchangelink/internal/link"
)

const (
	channelMetadata = "metadata"
	channelUserData = "userData"
)

// Codec speaks EdgeX's quote-event/trade-event protocol. Symbols are translated
// to contract ids through a map seeded from config and extended by metadata frames.
type Codec struct {
	opts      Options
	contracts *contractBook
}

var (
	_ link.Codec      = (*Codec)(nil)
	_ link.Handshaker = (*Codec)(nil)
)

// New builds a codec.
func New(opts Options) *Codec {
	opts = withDefaults(opts)
	book := newContractBook()
	for sym, id := range opts.Config.Contracts {
		book.learn(sym, id)
	}
	return &Codec{opts: opts, contracts: book}
}

func (c *Codec) Exchange() string { return c.opts.Config.Name }

func (c *Codec) Endpoint() string { return c.opts.Config.URL }

func (c *Codec) Heartbeat() link.HeartbeatPolicy { return link.ExplicitPing }

func (c *Codec) PingFrame() []byte {
	out, _ := json.Marshal(wsRequest{Type: "ping", Time: strconv.FormatInt(c.opts.Now().UnixMilli(), 10)})
	return out
}

func (c *Codec) PongFrame(ping *schema.Control) []byte {
	out, _ := json.Marshal(wsRequest{Type: "pong", Time: ping.Token})
	return out
}

func (c *Codec) OpenMeansSlippage() bool {
	if c.opts.Config.OpenMeansSlippage != nil {
		return *c.opts.Config.OpenMeansSlippage
	}
	return false
}

// HandshakeFrames subscribes to contract metadata on every session.
func (c *Codec) HandshakeFrames() [][]byte {
	out, _ := json.Marshal(wsRequest{Type: "subscribe", Channel: channelMetadata})
	return [][]byte{out}
}

// ContractID resolves a symbol against the current contract map.
func (c *Codec) ContractID(symbol string) (string, bool) {
	return c.contracts.idFor(symbol)
}

func (c *Codec) SubscribeFrame(_ context.Context, key schema.StreamKey) ([]byte, error) {
	channel, err := c.channel(key)
	if err != nil || channel == "" {
		return nil, err
	}
	return json.Marshal(wsRequest{Type: "subscribe", Channel: channel})
}

func (c *Codec) UnsubscribeFrame(key schema.StreamKey) ([]byte, error) {
	channel, err := c.channel(key)
	if err != nil || channel == "" {
		return nil, err
	}
	return json.Marshal(wsRequest{Type: "unsubscribe", Channel: channel})
}

// channel returns "" for streams delivered through another subscription.
func (c *Codec) channel(key schema.StreamKey) (string, error) {
	switch key.Kind {
	case schema.StreamOrders:
		return channelUserData, nil
	case schema.StreamPositions:
		// positions arrive on userData alongside orders
		return "", nil
	case schema.StreamTicker, schema.StreamOrderBook, schema.StreamTrades:
	default:
		return "", errs.New(c.Exchange(), errs.CodeInvalid,
			errs.WithMessage("unsupported stream"),
			errs.WithVenueField("stream", key.String()))
	}

	cid, ok := c.contracts.idFor(key.Symbol)
	if !ok {
		return "", errs.New(c.Exchange(), errs.CodeInvalid,
			errs.WithMessage("unknown contract for symbol"),
			errs.WithVenueField("symbol", key.Symbol))
	}
	switch key.Kind {
	case schema.StreamTicker:
		return "ticker." + cid, nil
	case schema.StreamOrderBook:
		return "depth." + cid + "." + strconv.Itoa(c.opts.Config.DepthLevels), nil
	default:
		return "trades." + cid, nil
	}
}

func (c *Codec) Decode(frame []byte) ([]schema.Event, error) {
	root, err := shared.Classify(c.Exchange(), frame)
	if err != nil {
		return nil, err
	}

	switch root.Get("type").String() {
	case "connected":
		return control(&schema.Control{Type: schema.ControlConnected, Message: root.Get("sid").String()}), nil
	case "subscribed":
		return control(&schema.Control{Type: schema.ControlAck, Channel: root.Get("channel").String()}), nil
	case "unsubscribed":
		return control(&schema.Control{Type: schema.ControlAck, Channel: root.Get("channel").String()}), nil
	case "ping":
		return control(&schema.Control{Type: schema.ControlPing, Token: root.Get("time").String()}), nil
	case "pong":
		return control(&schema.Control{Type: schema.ControlPong, Token: root.Get("time").String()}), nil
	case "error":
		content := root.Get("content")
		msg := content.Get("msg").String()
		if msg == "" {
			msg = content.Get("message").String()
		}
		if msg == "" && content.Type == gjson.String {
			msg = content.String()
		}
		return control(&schema.Control{
			Type:    schema.ControlError,
			Channel: root.Get("channel").String(),
			Code:    content.Get("code").String(),
			Message: msg,
		}), nil
	case "quote-event":
		return c.decodeQuote(frame, root)
	case "trade-event":
		return c.decodeTradeEvent(root)
	}
	return []schema.Event{schema.UnknownEvent(frame)}, nil
}

func (c *Codec) decodeQuote(frame []byte, root gjson.Result) ([]schema.Event, error) {
	channel := root.Get("channel").String()
	data := root.Get("content.data")

	if channel == channelMetadata {
		return c.learnMetadata(data)
	}

	kind, rest, _ := strings.Cut(channel, ".")
	cid, _, _ := strings.Cut(rest, ".")
	symbol, ok := c.contracts.symbolFor(cid)
	if !ok || !data.IsArray() {
		return []schema.Event{schema.UnknownEvent(frame)}, nil
	}
	items := data.Array()
	if len(items) == 0 {
		return nil, nil
	}

	switch kind {
	case "ticker":
		var msg tickerMsg
		if err := json.Unmarshal([]byte(items[0].Raw), &msg); err != nil {
			return nil, shared.DecodeError(c.Exchange(), channel, err)
		}
		return []schema.Event{schema.TickerEvent(&schema.Ticker{
			Symbol:      symbol,
			Last:        shared.Decimal(msg.LastPrice),
			Bid:         shared.Decimal(msg.BestBidPrice),
			Ask:         shared.Decimal(msg.BestAskPrice),
			Index:       shared.Decimal(msg.IndexPrice),
			Mark:        shared.Decimal(msg.OraclePrice),
			Open:        shared.Decimal(msg.Open),
			High:        shared.Decimal(msg.High),
			Low:         shared.Decimal(msg.Low),
			Volume:      shared.Decimal(msg.Size),
			QuoteVolume: shared.Decimal(msg.Value),
			Timestamp:   millis(msg.EndTime),
		})}, nil

	case "depth":
		var msg depthMsg
		if err := json.Unmarshal([]byte(items[0].Raw), &msg); err != nil {
			return nil, shared.DecodeError(c.Exchange(), channel, err)
		}
		bids, asks := shared.SortBook(levels(msg.Bids), levels(msg.Asks))
		version, _ := strconv.ParseInt(msg.EndVersion.String(), 10, 64)
		return []schema.Event{schema.OrderBookEvent(&schema.OrderBook{
			Symbol:   symbol,
			Bids:     bids,
			Asks:     asks,
			UpdateID: version,
		})}, nil

	case "trades":
		out := make([]schema.Event, 0, len(items))
		for _, item := range items {
			var msg tradeMsg
			if err := json.Unmarshal([]byte(item.Raw), &msg); err != nil {
				return nil, shared.DecodeError(c.Exchange(), channel, err)
			}
			side := schema.SideBuy
			if msg.IsBuyerMaker {
				side = schema.SideSell
			}
			out = append(out, schema.TradeEvent(&schema.Trade{
				ID:        msg.TradeID.String(),
				Symbol:    symbol,
				Side:      side,
				Price:     shared.Decimal(msg.Price),
				Quantity:  shared.Decimal(msg.Size),
				Timestamp: millis(msg.Time),
			}))
		}
		return out, nil
	}
	return []schema.Event{schema.UnknownEvent(frame)}, nil
}

func (c *Codec) learnMetadata(data gjson.Result) ([]schema.Event, error) {
	learned := 0
	for _, item := range data.Array() {
		var msg metadataMsg
		if err := json.Unmarshal([]byte(item.Raw), &msg); err != nil {
			return nil, shared.DecodeError(c.Exchange(), channelMetadata, err)
		}
		for _, contract := range msg.ContractList {
			if !contract.EnableTrade || !contract.EnableDisplay {
				continue
			}
			if c.contracts.learn(contract.ContractName, contract.ContractID) {
				learned++
			}
		}
	}
	return control(&schema.Control{
		Type:    schema.ControlMetadata,
		Channel: channelMetadata,
		Message: strconv.Itoa(learned) + " contracts learned",
	}), nil
}

// decodeTradeEvent emits fills first, then order status, then positions.
func (c *Codec) decodeTradeEvent(root gjson.Result) ([]schema.Event, error) {
	data := root.Get("content.data")
	if !data.Exists() {
		return nil, nil
	}
	var msg tradeEventData
	if err := json.Unmarshal([]byte(data.Raw), &msg); err != nil {
		return nil, shared.DecodeError(c.Exchange(), channelUserData, err)
	}

	out := make([]schema.Event, 0, len(msg.OrderFillTransaction)+len(msg.Order)+len(msg.Position))
	for _, fill := range msg.OrderFillTransaction {
		side, _ := schema.ParseSide(fill.OrderSide)
		out = append(out, schema.OrderUpdateEvent(&schema.OrderEvent{
			OrderID:      fill.OrderID.String(),
			ClientID:     fill.ClientOrderID,
			Symbol:       c.symbolOrID(fill.ContractID),
			Side:         side,
			Status:       schema.OrderPartiallyFilled,
			FillQuantity: shared.Decimal(fill.FillSize),
			FillPrice:    shared.Decimal(fill.FillPrice),
			TradeID:      fill.ID.String(),
			Timestamp:    millis(fill.CreatedTime),
		}))
	}
	for _, order := range msg.Order {
		side, _ := schema.ParseSide(order.Side)
		out = append(out, schema.OrderUpdateEvent(&schema.OrderEvent{
			OrderID:   order.ID.String(),
			ClientID:  order.ClientOrderID,
			Symbol:    c.symbolOrID(order.ContractID),
			Side:      side,
			Status:    orderStatus(order.Status, shared.Decimal(order.CumFillSize).IsPositive()),
			Timestamp: millis(order.UpdatedTime),
		}))
	}
	for _, pos := range msg.Position {
		size := shared.Decimal(pos.OpenSize)
		position := &schema.Position{
			Symbol:    c.symbolOrID(pos.ContractID),
			Size:      size,
			Timestamp: millis(pos.UpdatedTime),
		}
		if !size.IsZero() {
			position.EntryPrice = shared.Decimal(pos.OpenValue).Div(size).Abs()
		}
		out = append(out, schema.PositionEvent(position))
	}
	return out, nil
}

func (c *Codec) symbolOrID(cid string) string {
	if sym, ok := c.contracts.symbolFor(cid); ok {
		return sym
	}
	return cid
}

func orderStatus(raw string, partiallyFilled bool) schema.OrderStatus {
	switch strings.ToUpper(raw) {
	case "PENDING", "OPEN", "UNTRIGGERED":
		if partiallyFilled {
			return schema.OrderPartiallyFilled
		}
		return schema.OrderOpen
	case "FILLED":
		return schema.OrderFilled
	case "CANCELING", "CANCELED", "CANCELLED":
		return schema.OrderCanceled
	case "REJECTED":
		return schema.OrderRejected
	default:
		return schema.OrderStatus(strings.ToLower(raw))
	}
}

func control(ctrl *schema.Control) []schema.Event {
	return []schema.Event{schema.ControlEvent(ctrl)}
}

func levels(in []levelMsg) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(in))
	for _, lvl := range in {
		out = append(out, schema.PriceLevel{Price: shared.Decimal(lvl.Price), Size: shared.Decimal(lvl.Size)})
	}
	return out
}

func millis(raw shared.FlexString) time.Time {
	ms, err := strconv.ParseInt(raw.String(), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return shared.Millis(ms)
}

// contractBook is the bidirectional symbol/contract id map.
type contractBook struct {
	mu       sync.RWMutex
	bySymbol map[string]string
	byID     map[string]string
}

func newContractBook() *contractBook {
	return &contractBook{bySymbol: make(map[string]string), byID: make(map[string]string)}
}

// learn records sym -> id unless either side is already mapped.
func (b *contractBook) learn(sym, id string) bool {
	sym, id = strings.TrimSpace(sym), strings.TrimSpace(id)
	if sym == "" || id == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bySymbol[sym]; ok {
		return false
	}
	if _, ok := b.byID[id]; ok {
		return false
	}
	b.bySymbol[sym] = id
	b.byID[id] = sym
	return true
}

func (b *contractBook) idFor(sym string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.bySymbol[sym]
	return id, ok
}

func (b *contractBook) symbolFor(id string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sym, ok := b.byID[id]
	return sym, ok
}
