package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Credentials identify one exchange API key. Secrets arrive here
// already decrypted.
type Credentials struct {
	APIKeyID  int64
	APIKey    string
	APISecret string
	IsTestnet bool
}

// SymbolFilters are the exchange-imposed quantisation rules for one
// symbol, loaded from exchangeInfo at connect time.
type SymbolFilters struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Kline is one candle.
type Kline struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// OrderAck is the exchange's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID       int64
	ClientOrderID string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Status        string
}

// OpenOrder is one resting order as reported by the exchange.
type OpenOrder struct {
	OrderID       int64
	ClientOrderID string
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

// BookLevel is one side level of the order book.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderUpdate is a parsed executionReport frame.
type OrderUpdate struct {
	Symbol          string
	OrderID         int64
	ClientOrderID   string
	Side            Side
	Status          string
	Price           decimal.Decimal
	LastFilledPrice decimal.Decimal
	LastFilledQty   decimal.Decimal
	FilledQuantity  decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
}

// BalanceUpdate is one asset entry of an outboundAccountPosition frame.
type BalanceUpdate struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// UserEvent is a parsed user-data frame.
type UserEvent struct {
	Type     string
	Order    *OrderUpdate
	Balances []BalanceUpdate
}

// User-data event types forwarded to subscribers.
const (
	UserEventOrder   = "executionReport"
	UserEventBalance = "outboundAccountPosition"
)
