package lighter

import (
	"github.com/coachpo/exchangelink/internal/infra/adapters/shared"
)

type wsRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Auth    string `json:"auth,omitempty"`
}

// Lighter sends prices as strings and daily aggregates as numbers.
type marketStatsMsg struct {
	MarketID    int               `json:"market_id"`
	IndexPrice  shared.FlexString `json:"index_price"`
	MarkPrice   shared.FlexString `json:"mark_price"`
	LastPrice   shared.FlexString `json:"last_trade_price"`
	BaseVolume  shared.FlexString `json:"daily_base_token_volume"`
	QuoteVolume shared.FlexString `json:"daily_quote_token_volume"`
	DailyHigh   shared.FlexString `json:"daily_price_high"`
	DailyLow    shared.FlexString `json:"daily_price_low"`
	DailyOpen   shared.FlexString `json:"daily_price_open"`
}

type levelMsg struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type orderBookMsg struct {
	Asks   []levelMsg `json:"asks"`
	Bids   []levelMsg `json:"bids"`
	Offset int64      `json:"offset"`
}

type tradeMsg struct {
	TradeID    shared.FlexString `json:"trade_id"`
	MarketID   int               `json:"market_id"`
	Size       string            `json:"size"`
	Price      string            `json:"price"`
	IsMakerAsk bool              `json:"is_maker_ask"`
	Timestamp  int64             `json:"timestamp"`
}

type orderMsg struct {
	OrderIndex        shared.FlexString `json:"order_index"`
	ClientOrderIndex  shared.FlexString `json:"client_order_index"`
	MarketIndex       int               `json:"market_index"`
	InitialBaseAmount string            `json:"initial_base_amount"`
	Price             string            `json:"price"`
	FilledBaseAmount  string            `json:"filled_base_amount"`
	FilledQuoteAmount string            `json:"filled_quote_amount"`
	IsAsk             bool              `json:"is_ask"`
	Status            string            `json:"status"`
	Timestamp         int64             `json:"timestamp"`
}

type positionMsg struct {
	MarketID      int    `json:"market_id"`
	Sign          int    `json:"sign"`
	Position      string `json:"position"`
	AvgEntryPrice string `json:"avg_entry_price"`
	UnrealizedPnL string `json:"unrealized_pnl"`
}
