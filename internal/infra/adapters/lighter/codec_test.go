package lighter

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/domain/schema"
	"github.com/coachpo/exchangelink/internal/link"
)

func newTestCodec(auth AuthTokenSource) *Codec {
	return New(Options{
		Config: Config{Markets: map[string]int{"ETH": 0, "BTC": 1}, AccountIndex: 42},
		Auth:   auth,
	})
}

func decode(t *testing.T, c *Codec, frame string) []schema.Event {
	t.Helper()
	events, err := c.Decode([]byte(frame))
	require.NoError(t, err)
	return events
}

func TestDefaults(t *testing.T) {
	c := newTestCodec(nil)
	require.Equal(t, "lighter", c.Exchange())
	require.Equal(t, "wss://mainnet.zklighter.elliot.ai/stream", c.Endpoint())
	require.Equal(t, link.ExplicitPing, c.Heartbeat())
	require.True(t, c.OpenMeansSlippage())
	require.JSONEq(t, `{"type":"ping"}`, string(c.PingFrame()))
	require.JSONEq(t, `{"type":"pong"}`, string(c.PongFrame(&schema.Control{Type: schema.ControlPing})))

	off := false
	c = New(Options{Config: Config{OpenMeansSlippage: &off}})
	require.False(t, c.OpenMeansSlippage())
}

func TestPublicSubscriptions(t *testing.T) {
	c := newTestCodec(nil)
	cases := map[schema.StreamKind]string{
		schema.StreamTicker:    "market_stats/1",
		schema.StreamOrderBook: "order_book/1",
		schema.StreamTrades:    "trade/1",
	}
	for kind, channel := range cases {
		frame, err := c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: kind, Symbol: "BTC"})
		require.NoError(t, err)
		var req wsRequest
		require.NoError(t, json.Unmarshal(frame, &req))
		require.Equal(t, wsRequest{Type: "subscribe", Channel: channel}, req)
	}

	frame, err := c.UnsubscribeFrame(schema.StreamKey{Kind: schema.StreamTrades, Symbol: "ETH"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"unsubscribe","channel":"trade/0"}`, string(frame))

	_, err = c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamTicker, Symbol: "DOGE"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamMarkPrice, Symbol: "BTC"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestPrivateSubscriptionsFetchTokenEachTime(t *testing.T) {
	calls := 0
	c := newTestCodec(AuthTokenFunc(func(ctx context.Context) (string, error) {
		_, ok := ctx.Deadline()
		require.True(t, ok, "token fetch is bounded")
		calls++
		return "tok-" + string(rune('0'+calls)), nil
	}))

	frame, err := c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamOrders})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"subscribe","channel":"account_all_orders/42","auth":"tok-1"}`, string(frame))

	frame, err = c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamPositions})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"subscribe","channel":"account_all/42","auth":"tok-2"}`, string(frame))

	frame, err = c.UnsubscribeFrame(schema.StreamKey{Kind: schema.StreamOrders})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"unsubscribe","channel":"account_all_orders/42"}`, string(frame))
	require.Equal(t, 2, calls, "unsubscribe needs no token")
}

func TestPrivateSubscriptionErrors(t *testing.T) {
	c := newTestCodec(nil)
	_, err := c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamOrders})
	require.True(t, errs.IsCode(err, errs.CodeAuth))

	c = newTestCodec(StaticToken(""))
	_, err = c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamOrders})
	require.True(t, errs.IsCode(err, errs.CodeAuth))

	boom := errors.New("signer offline")
	c = newTestCodec(AuthTokenFunc(func(context.Context) (string, error) { return "", boom }))
	_, err = c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamPositions})
	require.ErrorIs(t, err, boom)

	c = New(Options{Auth: StaticToken("tok")})
	_, err = c.SubscribeFrame(context.Background(), schema.StreamKey{Kind: schema.StreamOrders})
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "account index required")
}

func TestDecodeMarketData(t *testing.T) {
	c := newTestCodec(nil)

	events := decode(t, c, `{"type":"update/market_stats","channel":"market_stats:1","market_stats":{"market_id":1,"index_price":"64001","mark_price":"64000.5","last_trade_price":"64000","daily_base_token_volume":12.5,"daily_quote_token_volume":800000,"daily_price_high":65000,"daily_price_low":63000,"daily_price_open":63500}}`)
	require.Len(t, events, 1)
	tk := events[0].Payload.(*schema.Ticker)
	require.Equal(t, "BTC", tk.Symbol)
	require.True(t, tk.Mark.Equal(decimal.RequireFromString("64000.5")))
	require.True(t, tk.Volume.Equal(decimal.RequireFromString("12.5")))
	require.True(t, tk.High.Equal(decimal.NewFromInt(65000)))
	require.False(t, tk.HasBidAsk())

	events = decode(t, c, `{"type":"subscribed/order_book","channel":"order_book:0","order_book":{"offset":77,"asks":[{"price":"3001","size":"1"},{"price":"3000.5","size":"2"}],"bids":[{"price":"2999","size":"3"},{"price":"2998","size":"0"}]}}`)
	require.Len(t, events, 2)
	require.Equal(t, schema.ControlAck, events[0].Payload.(*schema.Control).Type)
	book := events[1].Payload.(*schema.OrderBook)
	require.Equal(t, "ETH", book.Symbol)
	require.Equal(t, int64(77), book.UpdateID)
	require.Len(t, book.Bids, 1)
	require.True(t, book.Asks[0].Price.Equal(decimal.RequireFromString("3000.5")))

	events = decode(t, c, `{"type":"update/trade","channel":"trade:1","trades":[
		{"trade_id":901,"market_id":1,"size":"0.1","price":"64000","is_maker_ask":true,"timestamp":1700000000000},
		{"trade_id":902,"market_id":1,"size":"0.2","price":"63999","is_maker_ask":false,"timestamp":1700000000001}]}`)
	require.Len(t, events, 2)
	first := events[0].Payload.(*schema.Trade)
	require.Equal(t, "901", first.ID)
	require.Equal(t, schema.SideBuy, first.Side)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), first.Timestamp)
	require.Equal(t, schema.SideSell, events[1].Payload.(*schema.Trade).Side)
}

func TestDecodeAccountUpdates(t *testing.T) {
	c := newTestCodec(nil)

	events := decode(t, c, `{"type":"update/account_all_orders","channel":"account_all_orders:42","orders":{"1":[
		{"order_index":281474976710657,"client_order_index":12345,"market_index":1,"initial_base_amount":"0.2","price":"64000","filled_base_amount":"0.1","filled_quote_amount":"6400","is_ask":true,"status":"open","timestamp":1700000000}]}}`)
	require.Len(t, events, 1)
	order := events[0].Payload.(*schema.OrderEvent)
	require.Equal(t, "281474976710657", order.OrderID)
	require.Equal(t, "12345", order.ClientID)
	require.Equal(t, "BTC", order.Symbol)
	require.Equal(t, schema.SideSell, order.Side)
	require.Equal(t, schema.OrderPartiallyFilled, order.Status)
	require.True(t, order.Cumulative)
	require.True(t, order.CumulativeNotional.Equal(decimal.NewFromInt(6400)))
	require.Equal(t, time.Unix(1700000000, 0).UTC(), order.Timestamp)

	events = decode(t, c, `{"type":"update/account_all","channel":"account_all:42",
		"orders":{"0":[{"order_index":5,"market_index":0,"is_ask":false,"status":"canceled-too-much-slippage","filled_base_amount":"0"}]},
		"positions":{"0":{"market_id":0,"sign":-1,"position":"1.5","avg_entry_price":"3000","unrealized_pnl":"-12"}}}`)
	require.Len(t, events, 2)
	require.Equal(t, schema.OrderCanceled, events[0].Payload.(*schema.OrderEvent).Status)
	pos := events[1].Payload.(*schema.Position)
	require.Equal(t, "ETH", pos.Symbol)
	require.True(t, pos.Size.Equal(decimal.RequireFromString("-1.5")))
	require.Equal(t, schema.StreamKey{Kind: schema.StreamPositions}, events[1].Key())
}

func feed(t *testing.T, c *Codec, tracker *link.FillTracker, frame string) {
	t.Helper()
	for _, ev := range decode(t, c, frame) {
		if order, ok := ev.Payload.(*schema.OrderEvent); ok {
			tracker.OnOrderEvent(order)
		}
	}
}

func TestCumulativeFillsResolveWait(t *testing.T) {
	c := newTestCodec(nil)
	tracker := link.NewFillTracker(c.Exchange(), c.OpenMeansSlippage(), 0, nil)
	wait := tracker.BeginWait(link.FillExpectation{
		Side: schema.SideBuy, Quantity: decimal.RequireFromString("0.3"), ClientID: "77",
	}, time.Second)

	feed(t, c, tracker, `{"type":"update/account_all_orders","orders":{"1":[{"order_index":9,"client_order_index":77,"market_index":1,"is_ask":false,"status":"open","price":"100","filled_base_amount":"0.1","filled_quote_amount":"10"}]}}`)
	// A repeated snapshot adds nothing.
	feed(t, c, tracker, `{"type":"update/account_all_orders","orders":{"1":[{"order_index":9,"client_order_index":77,"market_index":1,"is_ask":false,"status":"open","price":"100","filled_base_amount":"0.1","filled_quote_amount":"10"}]}}`)
	feed(t, c, tracker, `{"type":"update/account_all_orders","orders":{"1":[{"order_index":9,"client_order_index":77,"market_index":1,"is_ask":false,"status":"filled","price":"110","filled_base_amount":"0.3","filled_quote_amount":"32"}]}}`)

	res := wait.Wait(context.Background())
	require.Equal(t, link.FillFilled, res.State)
	require.True(t, res.Quantity.Equal(decimal.RequireFromString("0.3")))
	require.True(t, res.Notional.Equal(decimal.NewFromInt(32)))
	require.Equal(t, "9", res.OrderID)
}

func TestOpenMarketOrderIsSlippage(t *testing.T) {
	c := newTestCodec(nil)
	tracker := link.NewFillTracker(c.Exchange(), c.OpenMeansSlippage(), 0, nil)
	wait := tracker.BeginWait(link.FillExpectation{
		Side: schema.SideSell, Quantity: decimal.NewFromInt(1), Market: true,
	}, time.Second)

	feed(t, c, tracker, `{"type":"update/account_all_orders","orders":{"0":[{"order_index":3,"market_index":0,"is_ask":true,"status":"open","filled_base_amount":"0"}]}}`)

	res := wait.Wait(context.Background())
	require.Equal(t, link.FillSlippageRejected, res.State)
	require.ErrorIs(t, res.Err(), link.ErrSlippageRejected)
}

func TestDecodeControlFrames(t *testing.T) {
	c := newTestCodec(nil)

	require.Equal(t, schema.ControlPing, decode(t, c, `{"type":"ping"}`)[0].Payload.(*schema.Control).Type)
	require.Equal(t, schema.ControlConnected, decode(t, c, `{"type":"connected","session_id":"s"}`)[0].Payload.(*schema.Control).Type)

	ack := decode(t, c, `{"type":"subscribed/account_all","channel":"account_all:42"}`)
	require.Len(t, ack, 1)
	require.Equal(t, schema.ControlAck, ack[0].Payload.(*schema.Control).Type)

	ctrl := decode(t, c, `{"error":{"code":30005,"message":"invalid auth"}}`)[0].Payload.(*schema.Control)
	require.Equal(t, schema.ControlError, ctrl.Type)
	require.Equal(t, "30005", ctrl.Code)
	require.Equal(t, "invalid auth", ctrl.Message)

	require.Equal(t, schema.KindUnknown, decode(t, c, `{"type":"update/height"}`)[0].Kind)

	_, err := c.Decode([]byte(`{"type":`))
	require.True(t, errs.IsCode(err, errs.CodeProtocol))
}
