package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/model"
)

// Book is the running-average-cost state of one (buyer, seller) pair after
// replaying its trades.
type Book struct {
	// Position is the signed sum of bought minus sold quantity. It is only
	// negative for histories that the execution engine would have refused.
	Position  int64
	TotalCost decimal.Decimal
	// Realized accumulates sell value minus average cost of the shares sold,
	// counted only for sells against a positive position.
	Realized decimal.Decimal
	// Invested is the notional of every buy. Sells never reduce it.
	Invested decimal.Decimal
	Buys     int
	Sells    int
}

// Replay folds trades, ordered by (timestamp, id), into a Book. It never
// fails: a sell with no shares to sell against still decrements the
// position but leaves cost and realized P&L alone.
func Replay(trades []model.Trade) Book {
	var b Book
	for _, t := range trades {
		b.apply(t)
	}
	return b
}

func (b *Book) apply(t model.Trade) {
	qty := decimal.NewFromInt(t.Quantity)
	notional := t.Price.Mul(qty)

	if t.Side == model.SideBuy {
		b.Buys++
		b.Position += t.Quantity
		b.TotalCost = b.TotalCost.Add(notional)
		b.Invested = b.Invested.Add(notional)
		return
	}

	b.Sells++
	held := b.Position
	b.Position -= t.Quantity
	if held <= 0 {
		return
	}

	var costOfSold decimal.Decimal
	if b.Position > 0 {
		// Scale the remaining cost with a single division so that
		// TotalCost + costOfSold equals the cost before the sell.
		remaining := b.TotalCost.Mul(decimal.NewFromInt(b.Position)).Div(decimal.NewFromInt(held))
		costOfSold = b.TotalCost.Sub(remaining)
		b.TotalCost = remaining
	} else {
		costOfSold = b.TotalCost.Mul(qty).Div(decimal.NewFromInt(held))
		b.TotalCost = decimal.Zero
	}
	b.Realized = b.Realized.Add(notional.Sub(costOfSold))
}

// Open reports whether the book holds shares.
func (b Book) Open() bool { return b.Position > 0 }

// CostBasis is TotalCost / Position for an open book, zero otherwise.
func (b Book) CostBasis() decimal.Decimal {
	if !b.Open() {
		return decimal.Zero
	}
	return b.TotalCost.Div(decimal.NewFromInt(b.Position))
}

// MarketValue is Position × price for an open book, zero otherwise.
func (b Book) MarketValue(price decimal.Decimal) decimal.Decimal {
	if !b.Open() {
		return decimal.Zero
	}
	return price.Mul(decimal.NewFromInt(b.Position))
}

// Unrealized is MarketValue(price) − TotalCost for an open book.
func (b Book) Unrealized(price decimal.Decimal) decimal.Decimal {
	if !b.Open() {
		return decimal.Zero
	}
	return b.MarketValue(price).Sub(b.TotalCost)
}

// groupBySeller splits a buyer's trades into per-seller lists, preserving
// order, and returns the sellers in first-traded order.
func groupBySeller(trades []model.Trade) ([]string, map[string][]model.Trade) {
	var order []string
	bySeller := make(map[string][]model.Trade)
	for _, t := range trades {
		if _, ok := bySeller[t.SellerID]; !ok {
			order = append(order, t.SellerID)
		}
		bySeller[t.SellerID] = append(bySeller[t.SellerID], t)
	}
	return order, bySeller
}
