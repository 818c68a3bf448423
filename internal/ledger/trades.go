package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/store"
)

// unknownUser names a counterparty whose account no longer resolves.
const unknownUser = "Unknown"

// TradeView is a trade with the counterparty's username.
type TradeView struct {
	model.Trade
	CounterpartyName string
}

// BuyerTrades returns the buyer's trades, newest first, optionally
// restricted to one seller. Counterparty is the seller.
func (e *Engine) BuyerTrades(ctx context.Context, buyerID, sellerID string, limit int) ([]TradeView, error) {
	trades, err := e.store.ListTrades(ctx, store.TradeFilter{
		BuyerID:    buyerID,
		SellerID:   sellerID,
		Descending: true,
		Limit:      store.ClampLimit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("buyer trades %s: %w", buyerID, err)
	}
	return e.withNames(ctx, trades, func(t model.Trade) string { return t.SellerID })
}

// SellerTrades returns the seller's trades, newest first. Counterparty is
// the buyer.
func (e *Engine) SellerTrades(ctx context.Context, sellerID string, limit int) ([]TradeView, error) {
	trades, err := e.store.ListTrades(ctx, store.TradeFilter{
		SellerID:   sellerID,
		Descending: true,
		Limit:      store.ClampLimit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("seller trades %s: %w", sellerID, err)
	}
	return e.withNames(ctx, trades, func(t model.Trade) string { return t.BuyerID })
}

func (e *Engine) withNames(ctx context.Context, trades []model.Trade, counterparty func(model.Trade) string) ([]TradeView, error) {
	names := newNameCache(e.store)
	views := make([]TradeView, 0, len(trades))
	for _, t := range trades {
		name, err := names.lookup(ctx, counterparty(t))
		if err != nil {
			return nil, err
		}
		views = append(views, TradeView{Trade: t, CounterpartyName: name})
	}
	return views, nil
}

// nameCache resolves usernames once per request.
type nameCache struct {
	r     store.Reader
	names map[string]string
}

func newNameCache(r store.Reader) *nameCache {
	return &nameCache{r: r, names: make(map[string]string)}
}

func (c *nameCache) lookup(ctx context.Context, userID string) (string, error) {
	if name, ok := c.names[userID]; ok {
		return name, nil
	}
	name := unknownUser
	u, err := c.r.GetUser(ctx, userID)
	switch {
	case err == nil:
		name = u.Username
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	c.names[userID] = name
	return name, nil
}
