package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/config"
	"github.com/coachpo/exchangelink/internal/domain/schema"
)

// fakeVenue is a WebSocket server speaking testCodec's frame format.
type fakeVenue struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	conns     []*venueConn
	pingReply string
}

type venueConn struct {
	conn *websocket.Conn

	mu    sync.Mutex
	subs  map[string]bool
	pongs []string
	pings int
}

type controlFrame struct {
	Op      string `json:"op"`
	Channel string `json:"ch"`
	Type    string `json:"type"`
	Token   string `json:"token"`
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	v := &fakeVenue{t: t}
	v.srv = httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) URL() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *fakeVenue) serve(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	vc := &venueConn{conn: c, subs: make(map[string]bool)}
	v.mu.Lock()
	v.conns = append(v.conns, vc)
	reply := v.pingReply
	v.mu.Unlock()

	for {
		_, data, err := c.Read(context.Background())
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		vc.mu.Lock()
		switch {
		case frame.Op == "sub":
			vc.subs[frame.Channel] = true
		case frame.Op == "unsub":
			delete(vc.subs, frame.Channel)
		case frame.Type == "pong":
			vc.pongs = append(vc.pongs, frame.Token)
		case frame.Type == "ping":
			vc.pings++
		}
		vc.mu.Unlock()
		if frame.Type == "ping" && reply != "" {
			_ = c.Write(context.Background(), websocket.MessageText, []byte(reply))
		}
	}
}

// replyToPings makes connections accepted from now on answer each ping with frame.
func (v *fakeVenue) replyToPings(frame string) {
	v.mu.Lock()
	v.pingReply = frame
	v.mu.Unlock()
}

func (v *fakeVenue) connCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.conns)
}

func (v *fakeVenue) conn(i int) *venueConn {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i >= len(v.conns) {
		return nil
	}
	return v.conns[i]
}

func (v *fakeVenue) latest() *venueConn {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.conns) == 0 {
		return nil
	}
	return v.conns[len(v.conns)-1]
}

func (v *fakeVenue) push(frame string) {
	v.t.Helper()
	c := v.latest()
	require.NotNil(v.t, c)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(v.t, c.conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (c *venueConn) channels() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *venueConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// drop closes the connection from the venue side.
func (c *venueConn) drop() {
	_ = c.conn.Close(websocket.StatusGoingAway, "maintenance")
}

func (c *venueConn) pongTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pongs...)
}

// testCodec frames:
//
//	out: {"op":"sub|unsub","ch":"<key>"}, {"type":"ping"}, {"type":"pong","token":...}
//	in:  {"type":"ping|error|ack",...} or {"ch":"<key>", ...payload}
type testCodec struct {
	url       string
	policy    HeartbeatPolicy
	slippage  bool
	rejectSym string
}

func newTestCodec(url string) *testCodec {
	return &testCodec{url: url, policy: TrustTransport}
}

func (c *testCodec) Exchange() string { return "fake" }

func (c *testCodec) Endpoint() string { return c.url }

func (c *testCodec) Heartbeat() HeartbeatPolicy { return c.policy }

func (c *testCodec) OpenMeansSlippage() bool { return c.slippage }

func (c *testCodec) PingFrame() []byte {
	if c.policy == TrustTransport {
		return nil
	}
	return []byte(`{"type":"ping"}`)
}

func (c *testCodec) PongFrame(ping *schema.Control) []byte {
	out, _ := json.Marshal(controlFrame{Type: "pong", Token: ping.Token})
	return out
}

func (c *testCodec) SubscribeFrame(_ context.Context, key schema.StreamKey) ([]byte, error) {
	if c.rejectSym != "" && key.Symbol == c.rejectSym {
		return nil, errs.New("fake", errs.CodeInvalid, errs.WithMessage("unknown symbol"))
	}
	if key.Kind == schema.StreamPositions {
		return nil, nil
	}
	return json.Marshal(controlFrame{Op: "sub", Channel: key.String()})
}

func (c *testCodec) UnsubscribeFrame(key schema.StreamKey) ([]byte, error) {
	if key.Kind == schema.StreamPositions {
		return nil, nil
	}
	return json.Marshal(controlFrame{Op: "unsub", Channel: key.String()})
}

type testFrame struct {
	Type    string      `json:"type"`
	Token   string      `json:"token"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Channel string      `json:"ch"`
	Last    string      `json:"last"`
	Bid     string      `json:"bid"`
	Ask     string      `json:"ask"`
	Bids    [][2]string `json:"bids"`
	Asks    [][2]string `json:"asks"`
	Side    string      `json:"side"`
	Status  string      `json:"status"`
	Qty     string      `json:"qty"`
	Price   string      `json:"px"`
	TradeID string      `json:"trade"`
	Client  string      `json:"client"`
}

func (c *testCodec) Decode(frame []byte) ([]schema.Event, error) {
	var f testFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, errs.New("fake", errs.CodeProtocol, errs.WithCause(err))
	}
	switch f.Type {
	case "ping":
		return []schema.Event{schema.ControlEvent(&schema.Control{Type: schema.ControlPing, Token: f.Token})}, nil
	case "error":
		return []schema.Event{schema.ControlEvent(&schema.Control{Type: schema.ControlError, Code: f.Code, Message: f.Message})}, nil
	case "ack":
		return []schema.Event{schema.ControlEvent(&schema.Control{Type: schema.ControlAck, Channel: f.Channel})}, nil
	}

	kind, symbol, _ := strings.Cut(f.Channel, ":")
	switch schema.StreamKind(kind) {
	case schema.StreamTicker:
		return []schema.Event{schema.TickerEvent(&schema.Ticker{
			Symbol: symbol, Last: parseDec(f.Last), Bid: parseDec(f.Bid), Ask: parseDec(f.Ask),
		})}, nil
	case schema.StreamOrderBook:
		return []schema.Event{schema.OrderBookEvent(&schema.OrderBook{
			Symbol: symbol, Bids: parseLevels(f.Bids), Asks: parseLevels(f.Asks),
		})}, nil
	case schema.StreamOrders:
		side, _ := schema.ParseSide(f.Side)
		return []schema.Event{schema.OrderUpdateEvent(&schema.OrderEvent{
			ClientID: f.Client, Side: side, Status: schema.OrderStatus(f.Status),
			FillQuantity: parseDec(f.Qty), FillPrice: parseDec(f.Price), TradeID: f.TradeID,
		})}, nil
	}
	return []schema.Event{schema.UnknownEvent(frame)}, nil
}

func parseDec(raw string) decimal.Decimal {
	d, _ := decimal.NewFromString(raw)
	return d
}

func parseLevels(raw [][2]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, schema.PriceLevel{Price: parseDec(lvl[0]), Size: parseDec(lvl[1])})
	}
	return out
}

func testLinkConfig() config.LinkConfig {
	cfg := config.DefaultLinkConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.PingInterval = time.Hour
	cfg.ConnectTimeout = 2 * time.Second
	cfg.TeardownTimeout = time.Second
	cfg.SubscribeRate = 0
	cfg.FillTimeout = 2 * time.Second
	return cfg
}

func noSleep(context.Context, time.Duration) error { return nil }

var alwaysReachable = ProberFunc(func(context.Context) error { return nil })
