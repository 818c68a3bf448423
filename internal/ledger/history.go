package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/calendar"
	"github.com/weightstock/ledger/internal/id"
	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/store"
)

// AccountValue is a buyer's cash plus the mark-to-market value of every
// open position.
type AccountValue struct {
	CashBalance  decimal.Decimal
	EquityValue  decimal.Decimal
	AccountValue decimal.Decimal
}

// AccountValue values a buyer's account at the latest prices.
func (e *Engine) AccountValue(ctx context.Context, buyerID string) (*AccountValue, error) {
	v, err := valuation(ctx, e.store, buyerID)
	if err != nil {
		return nil, fmt.Errorf("account value %s: %w", buyerID, err)
	}
	return v, nil
}

// BalanceHistory returns a user's balance snapshots within period, oldest
// first.
func (e *Engine) BalanceHistory(ctx context.Context, userID string, period calendar.Period) ([]model.BalanceHistory, error) {
	rows, err := e.store.ListBalanceHistory(ctx, userID, period.Since(e.clock()))
	if err != nil {
		return nil, fmt.Errorf("balance history %s: %w", userID, err)
	}
	return rows, nil
}

// AccountValueHistory returns every account value snapshot of a user,
// oldest first.
func (e *Engine) AccountValueHistory(ctx context.Context, userID string) ([]model.AccountValueHistory, error) {
	rows, err := e.store.ListAccountValueHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("account value history %s: %w", userID, err)
	}
	return rows, nil
}

func recordBalanceSnapshot(ctx context.Context, tx store.Tx, userID string, balance decimal.Decimal, reason model.Reason, relatedID string, at time.Time) error {
	return tx.InsertBalanceHistory(ctx, &model.BalanceHistory{
		ID:        id.New(at),
		UserID:    userID,
		Balance:   balance,
		Timestamp: at,
		Reason:    reason,
		RelatedID: relatedID,
	})
}

// recordAccountValueSnapshot values the account through tx, so the
// snapshot includes the writes of the operation being committed.
func recordAccountValueSnapshot(ctx context.Context, tx store.Tx, userID string, reason model.Reason, relatedID string, at time.Time) error {
	v, err := valuation(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !model.WithinBound(v.AccountValue, model.MaxAmount) || !model.WithinBound(v.EquityValue, model.MaxAmount) {
		return model.Invalid("account value must stay below %s", model.MaxAmount)
	}
	return tx.InsertAccountValueHistory(ctx, &model.AccountValueHistory{
		ID:           id.New(at),
		UserID:       userID,
		AccountValue: v.AccountValue,
		CashBalance:  v.CashBalance,
		EquityValue:  v.EquityValue,
		Timestamp:    at,
		Reason:       reason,
		RelatedID:    relatedID,
	})
}

func valuation(ctx context.Context, r store.Reader, buyerID string) (*AccountValue, error) {
	cash, err := r.GetBalance(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	holdings, err := buyerBooks(ctx, r, buyerID)
	if err != nil {
		return nil, err
	}

	equity := decimal.Zero
	for _, h := range holdings {
		if !h.book.Open() {
			continue
		}
		price, ok, err := latestPrice(ctx, r, h.sellerID)
		if err != nil {
			return nil, err
		}
		if ok {
			equity = equity.Add(h.book.MarketValue(price))
		}
	}

	return &AccountValue{
		CashBalance:  cash.Round(2),
		EquityValue:  equity.Round(2),
		AccountValue: cash.Add(equity).Round(2),
	}, nil
}

// sellerBook is the replayed book of one seller within a buyer's history.
type sellerBook struct {
	sellerID string
	book     Book
}

// buyerBooks replays every (buyer, seller) pair the buyer has traded,
// in first-traded order.
func buyerBooks(ctx context.Context, r store.Reader, buyerID string) ([]sellerBook, error) {
	trades, err := r.ListTrades(ctx, store.TradeFilter{BuyerID: buyerID})
	if err != nil {
		return nil, err
	}
	order, bySeller := groupBySeller(trades)
	books := make([]sellerBook, 0, len(order))
	for _, sellerID := range order {
		books = append(books, sellerBook{sellerID: sellerID, book: Replay(bySeller[sellerID])})
	}
	return books, nil
}

func pairBook(ctx context.Context, r store.Reader, buyerID, sellerID string) (Book, error) {
	trades, err := r.ListTrades(ctx, store.TradeFilter{BuyerID: buyerID, SellerID: sellerID})
	if err != nil {
		return Book{}, err
	}
	return Replay(trades), nil
}

// latestPrice returns the seller's newest price. ok is false when the
// seller has never posted one.
func latestPrice(ctx context.Context, r store.Reader, sellerID string) (decimal.Decimal, bool, error) {
	p, err := r.LatestPrice(ctx, sellerID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return p.Price, true, nil
}
