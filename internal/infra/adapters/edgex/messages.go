package edgex

import (
	"github.com/coachpo/exchangelink/internal/infra/adapters/shared"
)

type wsRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Time    string `json:"time,omitempty"`
}

type tickerMsg struct {
	ContractID   string            `json:"contractId"`
	LastPrice    string            `json:"lastPrice"`
	Open         string            `json:"open"`
	High         string            `json:"high"`
	Low          string            `json:"low"`
	Size         string            `json:"size"`
	Value        string            `json:"value"`
	IndexPrice   string            `json:"indexPrice"`
	OraclePrice  string            `json:"oraclePrice"`
	BestBidPrice string            `json:"bestBidPrice"`
	BestAskPrice string            `json:"bestAskPrice"`
	EndTime      shared.FlexString `json:"endTime"`
}

type levelMsg struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type depthMsg struct {
	ContractID string            `json:"contractId"`
	DepthType  string            `json:"depthType"`
	EndVersion shared.FlexString `json:"endVersion"`
	Bids       []levelMsg        `json:"bids"`
	Asks       []levelMsg        `json:"asks"`
}

type tradeMsg struct {
	TradeID      shared.FlexString `json:"tradeId"`
	ContractID   string            `json:"contractId"`
	Price        string            `json:"price"`
	Size         string            `json:"size"`
	IsBuyerMaker bool              `json:"isBuyerMaker"`
	Time         shared.FlexString `json:"time"`
}

type contractMsg struct {
	ContractID    string `json:"contractId"`
	ContractName  string `json:"contractName"`
	EnableTrade   bool   `json:"enableTrade"`
	EnableDisplay bool   `json:"enableDisplay"`
}

type metadataMsg struct {
	ContractList []contractMsg `json:"contractList"`
}

type orderMsg struct {
	ID            shared.FlexString `json:"id"`
	ClientOrderID string            `json:"clientOrderId"`
	ContractID    string            `json:"contractId"`
	Side          string            `json:"side"`
	Status        string            `json:"status"`
	CumFillSize   string            `json:"cumFillSize"`
	UpdatedTime   shared.FlexString `json:"updatedTime"`
}

type fillMsg struct {
	ID            shared.FlexString `json:"id"`
	OrderID       shared.FlexString `json:"orderId"`
	ClientOrderID string            `json:"clientOrderId"`
	ContractID    string            `json:"contractId"`
	OrderSide     string            `json:"orderSide"`
	FillSize      string            `json:"fillSize"`
	FillPrice     string            `json:"fillPrice"`
	CreatedTime   shared.FlexString `json:"createdTime"`
}

type positionMsg struct {
	ContractID  string            `json:"contractId"`
	OpenSize    string            `json:"openSize"`
	OpenValue   string            `json:"openValue"`
	UpdatedTime shared.FlexString `json:"updatedTime"`
}

type tradeEventData struct {
	Order                []orderMsg    `json:"order"`
	OrderFillTransaction []fillMsg     `json:"orderFillTransaction"`
	Position             []positionMsg `json:"position"`
}
