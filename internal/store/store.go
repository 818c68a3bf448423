// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache in front of it), and in-memory (for testing and development).
//
// Every mutation happens inside a unit of work opened with Store.InTx. The
// unit of work either commits as a whole or leaves no trace.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = fmt.Errorf("store: %w", model.ErrNotFound)

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint (price key, username).
	ErrConflict = fmt.Errorf("store: unique constraint violated: %w", model.ErrConflict)
)

// TradeFilter selects trades. Empty fields do not filter. Results are
// ordered by (timestamp, id), newest first when Descending is set, and
// truncated to Limit when it is positive.
type TradeFilter struct {
	BuyerID    string
	SellerID   string
	From       time.Time // inclusive
	To         time.Time // inclusive
	Descending bool
	Limit      int
}

// Reader is the read side shared by the store and its units of work.
type Reader interface {
	// --- Users ---

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListSellers returns every seller ordered by username.
	ListSellers(ctx context.Context) ([]model.User, error)

	// --- Balances ---

	// GetBalance returns the committed balance, or zero if no row exists.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// --- Prices ---

	// GetPrice retrieves the price for one (seller, date, session) key.
	GetPrice(ctx context.Context, sellerID, date string, session model.Session) (*model.Price, error)

	// LatestPrice returns the newest price by (date desc, session desc).
	LatestPrice(ctx context.Context, sellerID string) (*model.Price, error)

	// ListPrices returns up to limit prices, newest first.
	ListPrices(ctx context.Context, sellerID string, limit int) ([]model.Price, error)

	// ListPricesForDate returns the prices posted for one date, AM first.
	ListPricesForDate(ctx context.Context, sellerID, date string) ([]model.Price, error)

	// --- Immutable facts ---

	// ListTrades returns trades matching the filter.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// ListBalanceHistory returns snapshots at or after since, oldest first.
	ListBalanceHistory(ctx context.Context, userID string, since time.Time) ([]model.BalanceHistory, error)

	// ListAccountValueHistory returns all account value snapshots, oldest first.
	ListAccountValueHistory(ctx context.Context, userID string) ([]model.AccountValueHistory, error)
}

// Tx is a unit of work. Reads through a Tx observe its own pending writes.
type Tx interface {
	Reader

	// CreateUser inserts a user together with its zero balance row.
	CreateUser(ctx context.Context, u *model.User) error

	// UpdateSellerSettings replaces a seller's pricing parameters.
	UpdateSellerSettings(ctx context.Context, userID string, s model.SellerSettings) error

	// LockBalance takes exclusive ownership of the user's balance row until
	// the unit of work ends and returns its current value. A missing row is
	// created with zero.
	LockBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// SetBalance overwrites a balance previously locked by this unit of work.
	SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error

	// LastSnapshotTime returns the timestamp of the user's newest balance
	// snapshot, or the zero time if there is none. Every recharge and trade
	// writes one, so under the balance lock it bounds the user's facts.
	LastSnapshotTime(ctx context.Context, userID string) (time.Time, error)

	InsertRecharge(ctx context.Context, r *model.Recharge) error
	InsertTrade(ctx context.Context, t *model.Trade) error
	InsertBalanceHistory(ctx context.Context, h *model.BalanceHistory) error
	InsertAccountValueHistory(ctx context.Context, h *model.AccountValueHistory) error

	// InsertPrice adds a new price row, failing with ErrConflict if the
	// (seller, date, session) key already exists.
	InsertPrice(ctx context.Context, p *model.Price) error

	// UpdatePrice overwrites the price of an existing key.
	UpdatePrice(ctx context.Context, p *model.Price) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// InTx runs fn in a unit of work. If fn returns an error, or the commit
	// fails, every write made through the Tx is discarded and all locks are
	// released.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// List limits shared by the paged reads.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ClampLimit maps a requested page size onto [1, MaxListLimit], using
// DefaultListLimit when none was requested.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}
