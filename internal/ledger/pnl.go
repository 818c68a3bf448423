package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/calendar"
	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/store"
)

// All amounts returned from this file are rounded half away from zero to
// two places.

var hundred = decimal.NewFromInt(100)

// PairPnl is the average-cost position of a buyer against one seller,
// marked at the seller's latest price.
type PairPnl struct {
	Position     int64
	CostBasis    decimal.Decimal
	TotalCost    decimal.Decimal
	CurrentPrice decimal.NullDecimal // null when the seller never posted a price
	CurrentValue decimal.Decimal
	Pnl          decimal.Decimal
	PnlPercent   decimal.Decimal
}

// TotalPnl aggregates realized and unrealized P&L across sellers.
// Total always equals Realized + Unrealized.
type TotalPnl struct {
	Realized      decimal.Decimal
	Unrealized    decimal.Decimal
	Total         decimal.Decimal
	Invested      decimal.Decimal
	ReturnPercent decimal.Decimal
}

// DailyPnl is the cash-flow P&L of one reference day. Unrealized is
// always zero.
type DailyPnl struct {
	TotalPnl
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Earnings summarizes what a seller received from buys and paid out on sells.
type Earnings struct {
	TotalReceived    decimal.Decimal
	TotalPaidOut     decimal.Decimal
	NetEarnings      decimal.Decimal
	BuyTransactions  int
	SellTransactions int
}

// DailyEarnings is Earnings restricted to one reference day.
type DailyEarnings struct {
	Earnings
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Holding is one open position of a buyer.
type Holding struct {
	SellerID     string
	SellerName   string
	Shares       int64
	CurrentPrice decimal.Decimal
	CostBasis    decimal.Decimal
	TotalCost    decimal.Decimal
	CurrentValue decimal.Decimal
	Pnl          decimal.Decimal
	PnlPercent   decimal.Decimal
}

// CalculatePnl replays the buyer's trades with one seller. A pair without
// an open position yields zero amounts, not an error.
func (e *Engine) CalculatePnl(ctx context.Context, buyerID, sellerID string) (*PairPnl, error) {
	book, err := pairBook(ctx, e.store, buyerID, sellerID)
	if err != nil {
		return nil, fmt.Errorf("pnl %s/%s: %w", buyerID, sellerID, err)
	}
	price, ok, err := latestPrice(ctx, e.store, sellerID)
	if err != nil {
		return nil, fmt.Errorf("pnl %s/%s: %w", buyerID, sellerID, err)
	}

	res := &PairPnl{
		Position:     book.Position,
		CostBasis:    book.CostBasis().Round(2),
		TotalCost:    book.TotalCost.Round(2),
		CurrentValue: decimal.Zero,
		Pnl:          decimal.Zero,
		PnlPercent:   decimal.Zero,
	}
	if ok {
		res.CurrentPrice = decimal.NewNullDecimal(price)
	}
	if book.Open() {
		unrealized := book.Unrealized(price)
		res.CurrentValue = book.MarketValue(price).Round(2)
		res.Pnl = unrealized.Round(2)
		res.PnlPercent = percent(unrealized, book.TotalCost)
	}
	return res, nil
}

// CalculateTotalPnl replays every seller the buyer has traded with.
func (e *Engine) CalculateTotalPnl(ctx context.Context, buyerID string) (*TotalPnl, error) {
	books, err := buyerBooks(ctx, e.store, buyerID)
	if err != nil {
		return nil, fmt.Errorf("total pnl %s: %w", buyerID, err)
	}

	realized, unrealized, invested := decimal.Zero, decimal.Zero, decimal.Zero
	for _, sb := range books {
		realized = realized.Add(sb.book.Realized)
		invested = invested.Add(sb.book.Invested)
		if !sb.book.Open() {
			continue
		}
		price, ok, err := latestPrice(ctx, e.store, sb.sellerID)
		if err != nil {
			return nil, fmt.Errorf("total pnl %s: %w", buyerID, err)
		}
		if ok {
			unrealized = unrealized.Add(sb.book.Unrealized(price))
		}
	}
	return newTotalPnl(realized, unrealized, invested), nil
}

// CalculateDailyPnl is the buyer's sell minus buy cash flow over the
// reference day containing now.
func (e *Engine) CalculateDailyPnl(ctx context.Context, buyerID string) (*DailyPnl, error) {
	day := calendar.DayOf(e.clock(), e.loc)
	trades, err := e.store.ListTrades(ctx, store.TradeFilter{BuyerID: buyerID, From: day.Start, To: day.End})
	if err != nil {
		return nil, fmt.Errorf("daily pnl %s: %w", buyerID, err)
	}

	bought, sold := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.Side == model.SideBuy {
			bought = bought.Add(t.Notional())
		} else {
			sold = sold.Add(t.Notional())
		}
	}
	return &DailyPnl{
		TotalPnl:    *newTotalPnl(sold.Sub(bought), decimal.Zero, bought),
		PeriodStart: day.Start,
		PeriodEnd:   day.End,
	}, nil
}

// CalculateSellerEarnings sums every trade against the seller.
func (e *Engine) CalculateSellerEarnings(ctx context.Context, sellerID string) (*Earnings, error) {
	trades, err := e.store.ListTrades(ctx, store.TradeFilter{SellerID: sellerID})
	if err != nil {
		return nil, fmt.Errorf("seller earnings %s: %w", sellerID, err)
	}
	return earningsOf(trades), nil
}

// CalculateDailyEarnings is CalculateSellerEarnings over the reference day
// containing now.
func (e *Engine) CalculateDailyEarnings(ctx context.Context, sellerID string) (*DailyEarnings, error) {
	day := calendar.DayOf(e.clock(), e.loc)
	trades, err := e.store.ListTrades(ctx, store.TradeFilter{SellerID: sellerID, From: day.Start, To: day.End})
	if err != nil {
		return nil, fmt.Errorf("daily earnings %s: %w", sellerID, err)
	}
	return &DailyEarnings{
		Earnings:    *earningsOf(trades),
		PeriodStart: day.Start,
		PeriodEnd:   day.End,
	}, nil
}

// Holdings lists the buyer's open positions in first-traded order.
func (e *Engine) Holdings(ctx context.Context, buyerID string) ([]Holding, error) {
	books, err := buyerBooks(ctx, e.store, buyerID)
	if err != nil {
		return nil, fmt.Errorf("holdings %s: %w", buyerID, err)
	}

	names := newNameCache(e.store)
	holdings := make([]Holding, 0, len(books))
	for _, sb := range books {
		if !sb.book.Open() {
			continue
		}
		price, _, err := latestPrice(ctx, e.store, sb.sellerID)
		if err != nil {
			return nil, fmt.Errorf("holdings %s: %w", buyerID, err)
		}
		name, err := names.lookup(ctx, sb.sellerID)
		if err != nil {
			return nil, fmt.Errorf("holdings %s: %w", buyerID, err)
		}
		unrealized := sb.book.Unrealized(price)
		holdings = append(holdings, Holding{
			SellerID:     sb.sellerID,
			SellerName:   name,
			Shares:       sb.book.Position,
			CurrentPrice: price.Round(2),
			CostBasis:    sb.book.CostBasis().Round(2),
			TotalCost:    sb.book.TotalCost.Round(2),
			CurrentValue: sb.book.MarketValue(price).Round(2),
			Pnl:          unrealized.Round(2),
			PnlPercent:   percent(unrealized, sb.book.TotalCost),
		})
	}
	return holdings, nil
}

// newTotalPnl rounds the parts first so that Total is exactly their sum
// after rounding.
func newTotalPnl(realized, unrealized, invested decimal.Decimal) *TotalPnl {
	r, u := realized.Round(2), unrealized.Round(2)
	total := r.Add(u)
	return &TotalPnl{
		Realized:      r,
		Unrealized:    u,
		Total:         total,
		Invested:      invested.Round(2),
		ReturnPercent: percent(realized.Add(unrealized), invested),
	}
}

func earningsOf(trades []model.Trade) *Earnings {
	e := &Earnings{TotalReceived: decimal.Zero, TotalPaidOut: decimal.Zero}
	for _, t := range trades {
		if t.Side == model.SideBuy {
			e.TotalReceived = e.TotalReceived.Add(t.Notional())
			e.BuyTransactions++
		} else {
			e.TotalPaidOut = e.TotalPaidOut.Add(t.Notional())
			e.SellTransactions++
		}
	}
	e.NetEarnings = e.TotalReceived.Sub(e.TotalPaidOut).Round(2)
	e.TotalReceived = e.TotalReceived.Round(2)
	e.TotalPaidOut = e.TotalPaidOut.Round(2)
	return e
}

// percent returns num / den × 100, or zero when den is not positive.
func percent(num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.Div(den).Mul(hundred).Round(2)
}
