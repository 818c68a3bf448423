package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for users and latest prices. Reads inside a unit of work always go
// to the primary; keys touched by a unit of work are invalidated once it
// commits.
//
// Every cached key has a version counter bumped on invalidation. A miss
// fills the cache under WATCH of that counter, so a value read from the
// primary before a commit is never stored after the commit invalidated it.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// InTx runs fn against the primary and invalidates touched keys after commit.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	wrapped := &cacheTx{}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		wrapped.Tx = tx
		return fn(wrapped)
	})
	if err != nil {
		return err
	}
	if len(wrapped.dirty) > 0 {
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, wrapped.dirty...)
			for _, key := range wrapped.dirty {
				p.Incr(ctx, versionKey(key))
			}
			return nil
		})
		if err != nil {
			slog.Warn("cache invalidation failed", "keys", wrapped.dirty, "error", err)
		}
	}
	return nil
}

// cacheTx records which cache keys its writes make stale.
type cacheTx struct {
	Tx
	dirty []string
}

func (t *cacheTx) CreateUser(ctx context.Context, u *model.User) error {
	if err := t.Tx.CreateUser(ctx, u); err != nil {
		return err
	}
	t.dirty = append(t.dirty, userKey(u.ID))
	return nil
}

func (t *cacheTx) UpdateSellerSettings(ctx context.Context, userID string, settings model.SellerSettings) error {
	if err := t.Tx.UpdateSellerSettings(ctx, userID, settings); err != nil {
		return err
	}
	t.dirty = append(t.dirty, userKey(userID))
	return nil
}

func (t *cacheTx) InsertPrice(ctx context.Context, p *model.Price) error {
	if err := t.Tx.InsertPrice(ctx, p); err != nil {
		return err
	}
	t.dirty = append(t.dirty, latestPriceKey(p.SellerID))
	return nil
}

func (t *cacheTx) UpdatePrice(ctx context.Context, p *model.Price) error {
	if err := t.Tx.UpdatePrice(ctx, p); err != nil {
		return err
	}
	t.dirty = append(t.dirty, latestPriceKey(p.SellerID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return readThrough(ctx, s, userKey(id), func() (*model.User, error) {
		return s.primary.GetUser(ctx, id)
	})
}

func (s *CachedStore) LatestPrice(ctx context.Context, sellerID string) (*model.Price, error) {
	return readThrough(ctx, s, latestPriceKey(sellerID), func() (*model.Price, error) {
		return s.primary.LatestPrice(ctx, sellerID)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListSellers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListSellers(ctx)
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) GetPrice(ctx context.Context, sellerID, date string, session model.Session) (*model.Price, error) {
	return s.primary.GetPrice(ctx, sellerID, date, session)
}

func (s *CachedStore) ListPrices(ctx context.Context, sellerID string, limit int) ([]model.Price, error) {
	return s.primary.ListPrices(ctx, sellerID, limit)
}

func (s *CachedStore) ListPricesForDate(ctx context.Context, sellerID, date string) ([]model.Price, error) {
	return s.primary.ListPricesForDate(ctx, sellerID, date)
}

func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, f)
}

func (s *CachedStore) ListBalanceHistory(ctx context.Context, userID string, since time.Time) ([]model.BalanceHistory, error) {
	return s.primary.ListBalanceHistory(ctx, userID, since)
}

func (s *CachedStore) ListAccountValueHistory(ctx context.Context, userID string) ([]model.AccountValueHistory, error) {
	return s.primary.ListAccountValueHistory(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// readThrough serves key from the cache, or loads it and fills the cache
// unless the key was invalidated while loading. Redis failures fall back to
// the primary.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	var cached T
	if s.get(ctx, key, &cached) {
		return &cached, nil
	}

	var (
		v       *T
		loadErr error
		loaded  bool
	)
	err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		v, loadErr = load()
		loaded = true
		if loadErr != nil {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, versionKey(key))
	if !loaded {
		return load()
	}
	if loadErr != nil {
		return nil, loadErr
	}
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		slog.Warn("cache fill failed", "key", key, "error", err)
	}
	return v, nil
}

func userKey(id string) string              { return fmt.Sprintf("user:%s", id) }
func latestPriceKey(sellerID string) string { return fmt.Sprintf("price:latest:%s", sellerID) }
func versionKey(key string) string          { return "version:" + key }
