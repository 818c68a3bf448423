// Package pricing manages the AM/PM price quotes posted by sellers.
//
// A quote is unique per (seller, date, session). Uploading to an existing
// slot overwrites the price and keeps the row's identity.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/calendar"
	"github.com/weightstock/ledger/internal/id"
	"github.com/weightstock/ledger/internal/metrics"
	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/store"
)

// Service uploads and serves seller prices.
type Service struct {
	store store.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a pricing service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload is the outcome of UploadPrice.
type Upload struct {
	Price   model.Price
	Created bool
}

// UploadPrice creates or overwrites the seller's price for (date, session).
func (s *Service) UploadPrice(ctx context.Context, sellerID, date, session string, price decimal.Decimal) (*Upload, error) {
	day, err := calendar.ParseDate(date)
	if err != nil {
		return nil, err
	}
	sess, err := calendar.ParseSession(session)
	if err != nil {
		return nil, err
	}
	if err := validatePrice(price); err != nil {
		return nil, err
	}
	if _, err := s.seller(ctx, sellerID); err != nil {
		return nil, err
	}

	up, err := s.upsert(ctx, sellerID, day, sess, price)
	if errors.Is(err, store.ErrConflict) {
		// Another upload inserted the same slot between our read and our
		// commit. That row exists now, so a second pass updates it.
		metrics.PriceUpsertConflicts.Inc()
		slog.Warn("price insert raced, retrying as update",
			"seller", sellerID, "date", day, "session", sess)
		up, err = s.upsert(ctx, sellerID, day, sess, price)
	}
	if err != nil {
		return nil, fmt.Errorf("upload price: %w", err)
	}

	outcome := "updated"
	if up.Created {
		outcome = "created"
	}
	metrics.PriceUploads.WithLabelValues(outcome).Inc()

	slog.Info("price uploaded",
		"id", up.Price.ID,
		"seller", sellerID,
		"date", day,
		"session", sess,
		"price", price.StringFixed(2),
		"outcome", outcome,
	)
	return up, nil
}

func (s *Service) upsert(ctx context.Context, sellerID, date string, session model.Session, price decimal.Decimal) (*Upload, error) {
	var up Upload
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetPrice(ctx, sellerID, date, session)
		switch {
		case err == nil:
			existing.Price = price
			up = Upload{Price: *existing}
			return tx.UpdatePrice(ctx, existing)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		p := model.Price{
			ID:        id.New(now),
			SellerID:  sellerID,
			Date:      date,
			Session:   session,
			Price:     price,
			CreatedAt: now,
		}
		up = Upload{Price: p, Created: true}
		return tx.InsertPrice(ctx, &p)
	})
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// LatestPrice returns the seller's newest price, or nil if none was posted.
func (s *Service) LatestPrice(ctx context.Context, sellerID string) (*model.Price, error) {
	p, err := s.store.LatestPrice(ctx, sellerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest price %s: %w", sellerID, err)
	}
	return p, nil
}

// FilledSessions returns the sessions already priced on date, AM first.
func (s *Service) FilledSessions(ctx context.Context, sellerID, date string) ([]model.Session, error) {
	day, err := calendar.ParseDate(date)
	if err != nil {
		return nil, err
	}
	prices, err := s.store.ListPricesForDate(ctx, sellerID, day)
	if err != nil {
		return nil, fmt.Errorf("filled sessions %s/%s: %w", sellerID, day, err)
	}
	sessions := make([]model.Session, 0, len(prices))
	for _, p := range prices {
		sessions = append(sessions, p.Session)
	}
	return sessions, nil
}

// ListPrices returns the seller's prices, newest first.
func (s *Service) ListPrices(ctx context.Context, sellerID string, limit int) ([]model.Price, error) {
	prices, err := s.store.ListPrices(ctx, sellerID, store.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list prices %s: %w", sellerID, err)
	}
	return prices, nil
}

// SellerQuote is a seller with its latest price, if any.
type SellerQuote struct {
	Seller model.User
	Latest *model.Price
}

// ListSellers returns every seller whose username contains search
// (case-insensitive), ordered by username.
func (s *Service) ListSellers(ctx context.Context, search string) ([]SellerQuote, error) {
	sellers, err := s.store.ListSellers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sellers: %w", err)
	}

	needle := strings.ToLower(strings.TrimSpace(search))
	quotes := make([]SellerQuote, 0, len(sellers))
	for _, u := range sellers {
		if needle != "" && !strings.Contains(strings.ToLower(u.Username), needle) {
			continue
		}
		latest, err := s.LatestPrice(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, SellerQuote{Seller: u, Latest: latest})
	}
	return quotes, nil
}

func (s *Service) seller(ctx context.Context, sellerID string) (*model.User, error) {
	if sellerID == "" {
		return nil, model.Invalid("seller id is required")
	}
	u, err := s.store.GetUser(ctx, sellerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("seller %s: %w", sellerID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if u.Role != model.RoleSeller {
		return nil, model.Invalid("user %s is not a seller", sellerID)
	}
	return u, nil
}

func validatePrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return model.Invalid("price must be positive")
	}
	if !model.IsCents(p) {
		return model.Invalid("price must have at most two decimal places")
	}
	if !model.WithinBound(p, model.MaxPrice) {
		return model.Invalid("price must be less than %s", model.MaxPrice)
	}
	return nil
}
