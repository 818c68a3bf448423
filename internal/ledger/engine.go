// Package ledger implements the cash ledger, trade execution and the
// position, P&L and history views derived from immutable trades.
//
// Every mutation runs in one store unit of work: balances are locked in
// ascending user-id order, checked, updated, and the trade and history rows
// are written before commit. Any failure rolls the whole operation back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/id"
	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/store"
)

const maxUsernameLength = 80

// Engine executes recharges and trades and serves the derived views.
type Engine struct {
	store store.Store
	now   func() time.Time
	loc   *time.Location
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the reference time zone of the daily views.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// NewEngine creates an engine over s.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// clock returns the current time at the precision PostgreSQL keeps.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// stamp returns the timestamp of a new fact for users whose balances tx has
// locked. It is strictly after each user's newest snapshot, so the facts of
// one user replay in the order they were checked even if the wall clock
// steps back.
func (e *Engine) stamp(ctx context.Context, tx store.Tx, userIDs ...string) (time.Time, error) {
	now := e.clock()
	for _, userID := range userIDs {
		last, err := tx.LastSnapshotTime(ctx, userID)
		if err != nil {
			return time.Time{}, err
		}
		if !now.After(last) {
			now = last.Add(time.Microsecond)
		}
	}
	return now, nil
}

// TradeRequest describes a trade between a buyer and a seller.
type TradeRequest struct {
	BuyerID  string
	SellerID string
	Price    decimal.Decimal
	Quantity int64
	Side     model.Side
}

// Notional returns price × quantity.
func (r TradeRequest) Notional() decimal.Decimal {
	return r.Price.Mul(decimal.NewFromInt(r.Quantity))
}

func (r TradeRequest) validate() error {
	if !r.Side.Valid() {
		return model.Invalid("side must be buy or sell")
	}
	if !r.Price.IsPositive() {
		return model.Invalid("price must be positive")
	}
	if !model.IsCents(r.Price) {
		return model.Invalid("price must have at most two decimal places")
	}
	if !model.WithinBound(r.Price, model.MaxPrice) {
		return model.Invalid("price must be less than %s", model.MaxPrice)
	}
	if r.Quantity <= 0 {
		return model.Invalid("quantity must be positive")
	}
	if !model.WithinBound(r.Notional(), model.MaxAmount) {
		return model.Invalid("trade total must be less than %s", model.MaxAmount)
	}
	if r.BuyerID == r.SellerID {
		return model.Invalid("buyer and seller must differ")
	}
	return nil
}

// TradeResult is a committed trade and the post-trade balances.
type TradeResult struct {
	Trade         model.Trade
	BuyerBalance  decimal.Decimal
	SellerBalance decimal.Decimal
}

// RechargeResult is a committed deposit and the new balance.
type RechargeResult struct {
	Recharge model.Recharge
	Balance  decimal.Decimal
}

// Register creates a user and its zero balance.
func (e *Engine) Register(ctx context.Context, username string, role model.Role, settings model.SellerSettings) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, model.Invalid("username is required")
	}
	if len(username) > maxUsernameLength {
		return nil, model.Invalid("username must be at most %d characters", maxUsernameLength)
	}
	if !role.Valid() {
		return nil, model.Invalid("role must be buyer or seller")
	}
	if role == model.RoleBuyer && !settingsEmpty(settings) {
		return nil, model.Invalid("pricing settings are only accepted for sellers")
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	u := &model.User{
		ID:        id.NewUser(),
		Username:  username,
		Role:      role,
		Settings:  settings,
		CreatedAt: e.clock(),
	}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateUser(ctx, u)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("username %q: %w", username, model.ErrConflict)
		}
		return nil, fmt.Errorf("register %q: %w", username, err)
	}

	slog.Info("user registered", "user_id", u.ID, "username", u.Username, "role", u.Role)
	return u, nil
}

// UpdateSellerSettings replaces a seller's pricing parameters.
func (e *Engine) UpdateSellerSettings(ctx context.Context, sellerID string, settings model.SellerSettings) (*model.User, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	if _, err := userWithRole(ctx, e.store, sellerID, model.RoleSeller); err != nil {
		return nil, err
	}

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateSellerSettings(ctx, sellerID, settings)
	})
	if err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	return e.User(ctx, sellerID)
}

// User returns a registered user.
func (e *Engine) User(ctx context.Context, userID string) (*model.User, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return u, nil
}

// Balance returns the committed cash balance of a user, zero if none.
func (e *Engine) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return e.store.GetBalance(ctx, userID)
}

// Recharge deposits amount into a buyer's balance.
func (e *Engine) Recharge(ctx context.Context, userID string, amount decimal.Decimal) (*RechargeResult, error) {
	if !amount.IsPositive() {
		return nil, model.Invalid("amount must be positive")
	}
	if !model.IsCents(amount) {
		return nil, model.Invalid("amount must have at most two decimal places")
	}
	if !model.WithinBound(amount, model.MaxAmount) {
		return nil, model.Invalid("amount must be less than %s", model.MaxAmount)
	}
	if _, err := userWithRole(ctx, e.store, userID, model.RoleBuyer); err != nil {
		return nil, err
	}

	res := &RechargeResult{}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		now, err := e.stamp(ctx, tx, userID)
		if err != nil {
			return err
		}
		res.Recharge = model.Recharge{
			ID:        id.New(now),
			UserID:    userID,
			Amount:    amount,
			Timestamp: now,
		}
		res.Balance = current.Add(amount)
		if err := checkBalance(res.Balance); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, userID, res.Balance); err != nil {
			return err
		}
		if err := tx.InsertRecharge(ctx, &res.Recharge); err != nil {
			return err
		}
		if err := recordBalanceSnapshot(ctx, tx, userID, res.Balance, model.ReasonRecharge, res.Recharge.ID, now); err != nil {
			return err
		}
		return recordAccountValueSnapshot(ctx, tx, userID, model.ReasonRecharge, res.Recharge.ID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("recharge %s: %w", userID, err)
	}

	slog.Info("recharge completed",
		"user_id", userID,
		"amount", amount.StringFixed(2),
		"balance", res.Balance.StringFixed(2),
	)
	return res, nil
}

// ExecuteTrade validates, checks and applies a trade atomically.
//
// A buy moves the notional from buyer to seller; a sell moves it back and
// requires the buyer to hold at least the sold quantity. The seller's
// balance is not checked on a sell and may go negative.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := userWithRole(ctx, e.store, req.BuyerID, model.RoleBuyer); err != nil {
		return nil, err
	}
	if _, err := userWithRole(ctx, e.store, req.SellerID, model.RoleSeller); err != nil {
		return nil, err
	}

	total := req.Notional()
	res := &TradeResult{}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		balances, err := lockBalances(ctx, tx, req.BuyerID, req.SellerID)
		if err != nil {
			return err
		}
		now, err := e.stamp(ctx, tx, req.BuyerID, req.SellerID)
		if err != nil {
			return err
		}
		res.Trade = model.Trade{
			ID:        id.New(now),
			BuyerID:   req.BuyerID,
			SellerID:  req.SellerID,
			Price:     req.Price,
			Quantity:  req.Quantity,
			Side:      req.Side,
			Timestamp: now,
		}
		buyerBal, sellerBal := balances[req.BuyerID], balances[req.SellerID]

		switch req.Side {
		case model.SideBuy:
			if buyerBal.LessThan(total) {
				return &model.InsufficientFundsError{Required: total, Available: buyerBal}
			}
			res.BuyerBalance = buyerBal.Sub(total)
			res.SellerBalance = sellerBal.Add(total)
		case model.SideSell:
			book, err := pairBook(ctx, tx, req.BuyerID, req.SellerID)
			if err != nil {
				return err
			}
			if book.Position < req.Quantity {
				return &model.InsufficientSharesError{Requested: req.Quantity, Held: book.Position}
			}
			res.BuyerBalance = buyerBal.Add(total)
			res.SellerBalance = sellerBal.Sub(total)
		}

		if err := checkBalance(res.BuyerBalance); err != nil {
			return err
		}
		if err := checkBalance(res.SellerBalance); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, req.BuyerID, res.BuyerBalance); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, req.SellerID, res.SellerBalance); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &res.Trade); err != nil {
			return err
		}

		tradeID := res.Trade.ID
		if err := recordBalanceSnapshot(ctx, tx, req.BuyerID, res.BuyerBalance, model.ReasonTrade, tradeID, now); err != nil {
			return err
		}
		if err := recordBalanceSnapshot(ctx, tx, req.SellerID, res.SellerBalance, model.ReasonTrade, tradeID, now); err != nil {
			return err
		}
		return recordAccountValueSnapshot(ctx, tx, req.BuyerID, model.ReasonTrade, tradeID, now)
	})
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) || errors.Is(err, model.ErrInsufficientShares) {
			return nil, err
		}
		return nil, fmt.Errorf("execute trade: %w", err)
	}

	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"buyer_id", req.BuyerID,
		"seller_id", req.SellerID,
		"side", req.Side,
		"price", req.Price.StringFixed(2),
		"quantity", req.Quantity,
		"total", total.StringFixed(2),
	)
	return res, nil
}

// checkBalance rejects a resulting balance the ledger cannot store.
func checkBalance(b decimal.Decimal) error {
	if !model.WithinBound(b, model.MaxAmount) {
		return model.Invalid("resulting balance must stay below %s", model.MaxAmount)
	}
	return nil
}

// lockBalances locks every user's balance in ascending id order so two
// trades over the same pair can never wait on each other in a cycle.
func lockBalances(ctx context.Context, tx store.Tx, userIDs ...string) (map[string]decimal.Decimal, error) {
	ordered := append([]string(nil), userIDs...)
	sort.Strings(ordered)

	balances := make(map[string]decimal.Decimal, len(ordered))
	for _, userID := range ordered {
		if _, ok := balances[userID]; ok {
			continue
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		balances[userID] = bal
	}
	return balances, nil
}

// userWithRole loads a user and checks its role.
func userWithRole(ctx context.Context, r store.Reader, userID string, role model.Role) (*model.User, error) {
	if userID == "" {
		return nil, model.Invalid("%s id is required", role)
	}
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", role, userID, model.ErrNotFound)
		}
		return nil, err
	}
	if u.Role != role {
		return nil, model.Invalid("user %s is not a %s", userID, role)
	}
	return u, nil
}

func settingsEmpty(s model.SellerSettings) bool {
	return !s.BaselineWeight.Valid && !s.BasePrice.Valid && !s.KUp.Valid && !s.KDown.Valid
}

var (
	maxBaselineWeight = decimal.NewFromInt(1000)
	maxSettingValue   = decimal.NewFromInt(100_000_000)
)

func validateSettings(s model.SellerSettings) error {
	fields := []struct {
		name  string
		value decimal.NullDecimal
		limit decimal.Decimal
	}{
		{"baselineWeight", s.BaselineWeight, maxBaselineWeight},
		{"basePrice", s.BasePrice, maxSettingValue},
		{"kUp", s.KUp, maxSettingValue},
		{"kDown", s.KDown, maxSettingValue},
	}
	for _, f := range fields {
		if !f.value.Valid {
			continue
		}
		v := f.value.Decimal
		if v.IsNegative() {
			return model.Invalid("%s must not be negative", f.name)
		}
		if !model.IsCents(v) {
			return model.Invalid("%s must have at most two decimal places", f.name)
		}
		if !v.LessThan(f.limit) {
			return model.Invalid("%s must be less than %s", f.name, f.limit)
		}
	}
	return nil
}
