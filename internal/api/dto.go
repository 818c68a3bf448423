package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/ledger"
	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/pricing"
)

// --- Requests ---

// RegisterRequest is the JSON body for POST /api/v1/users.
type RegisterRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	SettingsRequest
}

// SettingsRequest carries the optional seller pricing parameters.
type SettingsRequest struct {
	BaselineWeight decimal.NullDecimal `json:"baselineWeight"`
	BasePrice      decimal.NullDecimal `json:"basePrice"`
	KUp            decimal.NullDecimal `json:"kUp"`
	KDown          decimal.NullDecimal `json:"kDown"`
}

func (s SettingsRequest) settings() model.SellerSettings {
	return model.SellerSettings{
		BaselineWeight: s.BaselineWeight,
		BasePrice:      s.BasePrice,
		KUp:            s.KUp,
		KDown:          s.KDown,
	}
}

// RechargeRequest is the JSON body for POST /api/v1/buyer/recharge.
type RechargeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /api/v1/buyer/trade.
type TradeRequest struct {
	SellerID string          `json:"sellerId"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Side     string          `json:"side"` // "buy" or "sell"
}

// PriceRequest is the JSON body for POST /api/v1/seller/prices.
type PriceRequest struct {
	Date    string          `json:"date"` // YYYY-MM-DD
	Session string          `json:"session"`
	Price   decimal.Decimal `json:"price"`
}

// --- Responses ---

// SettingsResponse renders seller settings; unset values are null.
type SettingsResponse struct {
	BaselineWeight *model.Amount `json:"baselineWeight"`
	BasePrice      *model.Amount `json:"basePrice"`
	KUp            *model.Amount `json:"kUp"`
	KDown          *model.Amount `json:"kDown"`
}

// UserResponse is a registered user.
type UserResponse struct {
	ID        string            `json:"id"`
	Username  string            `json:"username"`
	Role      model.Role        `json:"role"`
	Settings  *SettingsResponse `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// BalanceResponse is a user's cash balance.
type BalanceResponse struct {
	Balance model.Amount `json:"balance"`
}

// RechargeResponse is a committed deposit.
type RechargeResponse struct {
	ID        string       `json:"id"`
	Amount    model.Amount `json:"amount"`
	Balance   model.Amount `json:"balance"`
	Timestamp time.Time    `json:"timestamp"`
}

// TradeResponse is a committed trade with the buyer's new balance.
type TradeResponse struct {
	ID        string       `json:"id"`
	BuyerID   string       `json:"buyerId"`
	SellerID  string       `json:"sellerId"`
	Price     model.Amount `json:"price"`
	Quantity  int64        `json:"quantity"`
	Side      model.Side   `json:"side"`
	Total     model.Amount `json:"total"`
	Balance   model.Amount `json:"balance"`
	Timestamp time.Time    `json:"timestamp"`
}

// TradeViewResponse is a trade in a history listing.
type TradeViewResponse struct {
	ID               string       `json:"id"`
	BuyerID          string       `json:"buyerId"`
	SellerID         string       `json:"sellerId"`
	CounterpartyName string       `json:"counterpartyName"`
	Price            model.Amount `json:"price"`
	Quantity         int64        `json:"quantity"`
	Side             model.Side   `json:"side"`
	Total            model.Amount `json:"total"`
	Timestamp        time.Time    `json:"timestamp"`
}

// PriceResponse is a posted price.
type PriceResponse struct {
	ID        string        `json:"id"`
	SellerID  string        `json:"sellerId"`
	Date      string        `json:"date"`
	Session   model.Session `json:"session"`
	Price     model.Amount  `json:"price"`
	CreatedAt time.Time     `json:"createdAt"`
}

// UploadResponse is a price upload; Created is false for an overwrite.
type UploadResponse struct {
	PriceResponse
	Created bool `json:"created"`
}

// SellerResponse is a seller in the public directory.
type SellerResponse struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	LatestPrice *PriceResponse `json:"latestPrice"`
}

// FilledSessionsResponse lists the sessions already priced on a date.
type FilledSessionsResponse struct {
	Date     string          `json:"date"`
	Sessions []model.Session `json:"sessions"`
}

// PairPnlResponse is the buyer's position and P&L against one seller.
type PairPnlResponse struct {
	SellerID     string        `json:"sellerId"`
	Position     int64         `json:"position"`
	CostBasis    model.Amount  `json:"costBasis"`
	TotalCost    model.Amount  `json:"totalCost"`
	CurrentPrice *model.Amount `json:"currentPrice"`
	CurrentValue model.Amount  `json:"currentValue"`
	Pnl          model.Amount  `json:"pnl"`
	PnlPercent   model.Amount  `json:"pnlPercent"`
}

// TotalPnlResponse is the buyer's P&L across all sellers.
type TotalPnlResponse struct {
	RealizedPnl   model.Amount `json:"realizedPnl"`
	UnrealizedPnl model.Amount `json:"unrealizedPnl"`
	TotalPnl      model.Amount `json:"totalPnl"`
	TotalInvested model.Amount `json:"totalInvested"`
	ReturnPercent model.Amount `json:"returnPercent"`
}

// DailyPnlResponse is TotalPnlResponse over one reference day.
type DailyPnlResponse struct {
	TotalPnlResponse
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

// EarningsResponse is a seller's cash flow from trades.
type EarningsResponse struct {
	TotalReceived    model.Amount `json:"totalReceived"`
	TotalPaidOut     model.Amount `json:"totalPaidOut"`
	NetEarnings      model.Amount `json:"netEarnings"`
	BuyTransactions  int          `json:"buyTransactions"`
	SellTransactions int          `json:"sellTransactions"`
}

// DailyEarningsResponse is EarningsResponse over one reference day.
type DailyEarningsResponse struct {
	EarningsResponse
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

// HoldingResponse is one open position.
type HoldingResponse struct {
	SellerID     string       `json:"sellerId"`
	SellerName   string       `json:"sellerName"`
	Shares       int64        `json:"shares"`
	CurrentPrice model.Amount `json:"currentPrice"`
	CostBasis    model.Amount `json:"costBasis"`
	TotalCost    model.Amount `json:"totalCost"`
	CurrentValue model.Amount `json:"currentValue"`
	Pnl          model.Amount `json:"pnl"`
	PnlPercent   model.Amount `json:"pnlPercent"`
}

// AccountValueResponse is cash plus mark-to-market equity.
type AccountValueResponse struct {
	CashBalance  model.Amount `json:"cashBalance"`
	EquityValue  model.Amount `json:"equityValue"`
	AccountValue model.Amount `json:"accountValue"`
}

// BalanceHistoryEntry is one balance snapshot.
type BalanceHistoryEntry struct {
	Balance   model.Amount `json:"balance"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    model.Reason `json:"reason"`
	RelatedID string       `json:"relatedId,omitempty"`
}

// AccountValueHistoryEntry is one account value snapshot.
type AccountValueHistoryEntry struct {
	AccountValue model.Amount `json:"accountValue"`
	CashBalance  model.Amount `json:"cashBalance"`
	EquityValue  model.Amount `json:"equityValue"`
	Timestamp    time.Time    `json:"timestamp"`
	Reason       model.Reason `json:"reason"`
	RelatedID    string       `json:"relatedId,omitempty"`
}

// --- Conversions ---

func amount(d decimal.Decimal) model.Amount { return model.NewAmount(d) }

func nullAmount(d decimal.NullDecimal) *model.Amount {
	if !d.Valid {
		return nil
	}
	a := model.NewAmount(d.Decimal)
	return &a
}

func userResponse(u *model.User) UserResponse {
	resp := UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
	if u.Role == model.RoleSeller {
		resp.Settings = settingsResponse(u.Settings)
	}
	return resp
}

func settingsResponse(s model.SellerSettings) *SettingsResponse {
	return &SettingsResponse{
		BaselineWeight: nullAmount(s.BaselineWeight),
		BasePrice:      nullAmount(s.BasePrice),
		KUp:            nullAmount(s.KUp),
		KDown:          nullAmount(s.KDown),
	}
}

func priceResponse(p model.Price) PriceResponse {
	return PriceResponse{
		ID:        p.ID,
		SellerID:  p.SellerID,
		Date:      p.Date,
		Session:   p.Session,
		Price:     amount(p.Price),
		CreatedAt: p.CreatedAt,
	}
}

func priceResponses(prices []model.Price) []PriceResponse {
	out := make([]PriceResponse, 0, len(prices))
	for _, p := range prices {
		out = append(out, priceResponse(p))
	}
	return out
}

func sellerResponses(quotes []pricing.SellerQuote) []SellerResponse {
	out := make([]SellerResponse, 0, len(quotes))
	for _, q := range quotes {
		resp := SellerResponse{ID: q.Seller.ID, Username: q.Seller.Username}
		if q.Latest != nil {
			p := priceResponse(*q.Latest)
			resp.LatestPrice = &p
		}
		out = append(out, resp)
	}
	return out
}

func tradeViewResponses(views []ledger.TradeView) []TradeViewResponse {
	out := make([]TradeViewResponse, 0, len(views))
	for _, v := range views {
		out = append(out, TradeViewResponse{
			ID:               v.ID,
			BuyerID:          v.BuyerID,
			SellerID:         v.SellerID,
			CounterpartyName: v.CounterpartyName,
			Price:            amount(v.Price),
			Quantity:         v.Quantity,
			Side:             v.Side,
			Total:            amount(v.Notional()),
			Timestamp:        v.Timestamp,
		})
	}
	return out
}

func totalPnlResponse(p ledger.TotalPnl) TotalPnlResponse {
	return TotalPnlResponse{
		RealizedPnl:   amount(p.Realized),
		UnrealizedPnl: amount(p.Unrealized),
		TotalPnl:      amount(p.Total),
		TotalInvested: amount(p.Invested),
		ReturnPercent: amount(p.ReturnPercent),
	}
}

func earningsResponse(e ledger.Earnings) EarningsResponse {
	return EarningsResponse{
		TotalReceived:    amount(e.TotalReceived),
		TotalPaidOut:     amount(e.TotalPaidOut),
		NetEarnings:      amount(e.NetEarnings),
		BuyTransactions:  e.BuyTransactions,
		SellTransactions: e.SellTransactions,
	}
}

func balanceHistory(rows []model.BalanceHistory) []BalanceHistoryEntry {
	out := make([]BalanceHistoryEntry, 0, len(rows))
	for _, h := range rows {
		out = append(out, BalanceHistoryEntry{
			Balance:   amount(h.Balance),
			Timestamp: h.Timestamp,
			Reason:    h.Reason,
			RelatedID: h.RelatedID,
		})
	}
	return out
}

func accountValueHistory(rows []model.AccountValueHistory) []AccountValueHistoryEntry {
	out := make([]AccountValueHistoryEntry, 0, len(rows))
	for _, h := range rows {
		out = append(out, AccountValueHistoryEntry{
			AccountValue: amount(h.AccountValue),
			CashBalance:  amount(h.CashBalance),
			EquityValue:  amount(h.EquityValue),
			Timestamp:    h.Timestamp,
			Reason:       h.Reason,
			RelatedID:    h.RelatedID,
		})
	}
	return out
}
