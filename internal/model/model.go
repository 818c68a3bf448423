// Package model defines the core domain types shared across the ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a user's immutable account type.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleBuyer || r == RoleSeller }

// Side is the direction of a trade from the buyer's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Session is the price-quote slot within a calendar day.
// "AM" sorts before "PM", which the store relies on for ordering.
type Session string

const (
	SessionAM Session = "AM"
	SessionPM Session = "PM"
)

// Valid reports whether s is a known session.
func (s Session) Valid() bool { return s == SessionAM || s == SessionPM }

// Reason tags why a history snapshot was written.
type Reason string

const (
	ReasonRecharge Reason = "recharge"
	ReasonTrade    Reason = "trade"
	ReasonSnapshot Reason = "snapshot"
)

// User is an account holder. Role never changes after creation.
type User struct {
	ID        string         `json:"id" db:"id"`
	Username  string         `json:"username" db:"username"`
	Role      Role           `json:"role" db:"role"`
	Settings  SellerSettings `json:"settings" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// SellerSettings holds the optional pricing-formula parameters of a seller.
// The ledger stores them but never interprets them.
type SellerSettings struct {
	BaselineWeight decimal.NullDecimal `json:"baselineWeight"`
	BasePrice      decimal.NullDecimal `json:"basePrice"`
	KUp            decimal.NullDecimal `json:"kUp"`
	KDown          decimal.NullDecimal `json:"kDown"`
}

// Balance is the single mutable cash row of a user.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Recharge is an immutable deposit record.
type Recharge struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Price is a seller's quote for one (date, session) slot.
// Date is a civil date formatted YYYY-MM-DD.
type Price struct {
	ID        string          `json:"id" db:"id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Date      string          `json:"date" db:"date"`
	Session   Session         `json:"session" db:"session"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Trade is an immutable execution record. It is the system of record for
// every position and P&L derivation.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	BuyerID   string          `json:"buyer_id" db:"buyer_id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Side      Side            `json:"side" db:"side"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Notional returns price × quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// BalanceHistory is a post-mutation snapshot of a cash balance.
type BalanceHistory struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Reason    Reason          `json:"reason" db:"reason"`
	RelatedID string          `json:"related_id" db:"related_id"`
}

// AccountValueHistory is a snapshot of cash + mark-to-market equity.
type AccountValueHistory struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	AccountValue decimal.Decimal `json:"account_value" db:"account_value"`
	CashBalance  decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	EquityValue  decimal.Decimal `json:"equity_value" db:"equity_value"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	Reason       Reason          `json:"reason" db:"reason"`
	RelatedID    string          `json:"related_id" db:"related_id"`
}
