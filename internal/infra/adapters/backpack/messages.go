package backpack

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Backpack payloads reuse single letters in both cases ("e"/"E", "q"/"Q", "i"/"I").
// Struct decoding folds case, so fields are read with gjson, which does not.

type wsRequest struct {
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	ID        int64    `json:"id,omitempty"`
	Signature []string `json:"signature,omitempty"`
}

// tickerMsg covers both ticker.<S> and bookTicker.<S> payloads.
type tickerMsg struct {
	Event       string
	EventTime   int64
	Symbol      string
	Last        string
	Open        string
	High        string
	Low         string
	Volume      string
	QuoteVolume string
	Bid         string
	Ask         string
	BidSize     string
	AskSize     string
}

func parseTicker(data gjson.Result) tickerMsg {
	return tickerMsg{
		Event:       data.Get("e").String(),
		EventTime:   data.Get("E").Int(),
		Symbol:      data.Get("s").String(),
		Last:        data.Get("c").String(),
		Open:        data.Get("o").String(),
		High:        data.Get("h").String(),
		Low:         data.Get("l").String(),
		Volume:      data.Get("v").String(),
		QuoteVolume: data.Get("V").String(),
		Bid:         data.Get("b").String(),
		Ask:         data.Get("a").String(),
		BidSize:     data.Get("B").String(),
		AskSize:     data.Get("A").String(),
	}
}

type markPriceMsg struct {
	EventTime   int64
	Symbol      string
	MarkPrice   string
	FundingRate string
	IndexPrice  string
}

func parseMarkPrice(data gjson.Result) markPriceMsg {
	return markPriceMsg{
		EventTime:   data.Get("E").Int(),
		Symbol:      data.Get("s").String(),
		MarkPrice:   data.Get("p").String(),
		FundingRate: data.Get("f").String(),
		IndexPrice:  data.Get("i").String(),
	}
}

type depthMsg struct {
	EventTime     int64
	Symbol        string
	Bids          [][]string
	Asks          [][]string
	FirstUpdateID int64
	UpdateID      int64
}

func parseDepth(data gjson.Result) (depthMsg, error) {
	bids, err := pairs(data, "b")
	if err != nil {
		return depthMsg{}, err
	}
	asks, err := pairs(data, "a")
	if err != nil {
		return depthMsg{}, err
	}
	return depthMsg{
		EventTime:     data.Get("E").Int(),
		Symbol:        data.Get("s").String(),
		Bids:          bids,
		Asks:          asks,
		FirstUpdateID: data.Get("U").Int(),
		UpdateID:      data.Get("u").Int(),
	}, nil
}

// pairs reads [["price","size"], ...] at key. A missing key is an empty side.
func pairs(data gjson.Result, key string) ([][]string, error) {
	side := data.Get(key)
	if !side.Exists() || side.Type == gjson.Null {
		return nil, nil
	}
	if !side.IsArray() {
		return nil, fmt.Errorf("field %q: want array of levels", key)
	}
	items := side.Array()
	out := make([][]string, 0, len(items))
	for _, item := range items {
		if !item.IsArray() {
			return nil, fmt.Errorf("field %q: want [price, size]", key)
		}
		values := item.Array()
		pair := make([]string, 0, len(values))
		for _, v := range values {
			pair = append(pair, v.String())
		}
		out = append(out, pair)
	}
	return out, nil
}

type tradeMsg struct {
	EventTime  int64
	Symbol     string
	TradeID    string
	Price      string
	Quantity   string
	BuyerMaker bool
	EngineTime int64
}

func parseTrade(data gjson.Result) tradeMsg {
	return tradeMsg{
		EventTime:  data.Get("E").Int(),
		Symbol:     data.Get("s").String(),
		TradeID:    data.Get("t").String(),
		Price:      data.Get("p").String(),
		Quantity:   data.Get("q").String(),
		BuyerMaker: data.Get("m").Bool(),
		EngineTime: data.Get("T").Int(),
	}
}

type orderUpdateMsg struct {
	Event         string
	EventTime     int64
	Symbol        string
	ClientID      string
	Side          string
	OrderType     string
	Quantity      string
	Price         string
	Status        string
	OrderID       string
	TradeID       string
	FillQuantity  string
	FillPrice     string
	ExecutedQty   string
	ExecutedQuote string
	EngineTime    int64
}

func parseOrderUpdate(data gjson.Result) orderUpdateMsg {
	return orderUpdateMsg{
		Event:         data.Get("e").String(),
		EventTime:     data.Get("E").Int(),
		Symbol:        data.Get("s").String(),
		ClientID:      data.Get("c").String(),
		Side:          data.Get("S").String(),
		OrderType:     data.Get("o").String(),
		Quantity:      data.Get("q").String(),
		Price:         data.Get("p").String(),
		Status:        data.Get("X").String(),
		OrderID:       data.Get("i").String(),
		TradeID:       data.Get("t").String(),
		FillQuantity:  data.Get("l").String(),
		FillPrice:     data.Get("L").String(),
		ExecutedQty:   data.Get("z").String(),
		ExecutedQuote: data.Get("Z").String(),
		EngineTime:    data.Get("T").Int(),
	}
}

type positionMsg struct {
	EventTime     int64
	Symbol        string
	NetQuantity   string
	EntryPrice    string
	UnrealizedPnL string
}

func parsePosition(data gjson.Result) positionMsg {
	return positionMsg{
		EventTime:     data.Get("E").Int(),
		Symbol:        data.Get("s").String(),
		NetQuantity:   data.Get("q").String(),
		EntryPrice:    data.Get("B").String(),
		UnrealizedPnL: data.Get("P").String(),
	}
}
