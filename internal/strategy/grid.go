package strategy

import (
	"github.com/shopspring/decimal"

	"gridcore/internal/exchange"
)

// OrderStatus of a grid order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// GridOrder is one order anchored to a grid line. SELL orders carry the
// fill price of the BUY that originated them.
type GridOrder struct {
	GridIndex  int             `json:"gridIndex"`
	Price      decimal.Decimal `json:"price"`
	Side       exchange.Side   `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderID    int64           `json:"orderId"`
	Status     OrderStatus     `json:"status"`
	EntryPrice decimal.Decimal `json:"entryPrice,omitempty"`
}

// GenerateGrid returns count+1 equally spaced prices from lower to
// upper inclusive.
func GenerateGrid(lower, upper decimal.Decimal, count int) []decimal.Decimal {
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(count)))
	prices := make([]decimal.Decimal, count+1)
	for i := 0; i <= count; i++ {
		prices[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	// Pin the endpoints against division residue.
	prices[0] = lower
	prices[count] = upper
	return prices
}

// priceKey canonicalises a price for use as the order-book map key, so
// equal prices at different scales collide as intended and the key
// survives serialisation round-trips.
func priceKey(p decimal.Decimal) string {
	return p.StringFixed(8)
}

// pendingCount counts non-cancelled PENDING orders in the book.
func pendingCount(orders map[string]*GridOrder) int {
	n := 0
	for _, o := range orders {
		if o.Status == StatusPending {
			n++
		}
	}
	return n
}

// hasOrderNear reports whether any non-cancelled order sits within
// tolerance of price. When buyOnly is set, only BUY orders (pending or
// filled) block.
func hasOrderNear(orders map[string]*GridOrder, price, tolerance decimal.Decimal, buyOnly bool) bool {
	for _, o := range orders {
		if o.Status == StatusCancelled {
			continue
		}
		if buyOnly && o.Side != exchange.SideBuy {
			continue
		}
		if o.Price.Sub(price).Abs().LessThanOrEqual(tolerance) {
			return true
		}
	}
	return false
}

// findByOrderID scans the book for an exchange order id.
func findByOrderID(orders map[string]*GridOrder, orderID int64) *GridOrder {
	for _, o := range orders {
		if o.OrderID == orderID {
			return o
		}
	}
	return nil
}

// findOriginBuy locates the filled BUY that originated a sell one line
// above it.
func findOriginBuy(orders map[string]*GridOrder, sell *GridOrder) *GridOrder {
	for _, o := range orders {
		if o.Side == exchange.SideBuy && o.Status == StatusFilled && o.GridIndex == sell.GridIndex-1 {
			return o
		}
	}
	return nil
}
