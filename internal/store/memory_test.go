package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weightstock/ledger/internal/id"
	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/store"
)

var (
	_ store.Store = (*store.MemoryStore)(nil)
	_ store.Store = (*store.PostgresStore)(nil)
	_ store.Store = (*store.CachedStore)(nil)
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func createUser(t *testing.T, s store.Store, name string, role model.Role) *model.User {
	t.Helper()
	u := &model.User{ID: id.NewUser(), Username: name, Role: role, CreatedAt: t0}
	require.NoError(t, s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateUser(context.Background(), u)
	}))
	return u
}

func TestMemoryStore_CreateUserStartsWithZeroBalance(t *testing.T) {
	s := store.NewMemoryStore()
	u := createUser(t, s, "alice", model.RoleBuyer)

	got, err := s.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, model.RoleBuyer, got.Role)

	bal, err := s.GetBalance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestMemoryStore_DuplicateUsername(t *testing.T) {
	s := store.NewMemoryStore()
	createUser(t, s, "alice", model.RoleBuyer)

	err := s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateUser(context.Background(), &model.User{
			ID: id.NewUser(), Username: "ALICE", Role: model.RoleSeller, CreatedAt: t0,
		})
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestMemoryStore_GetUserNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_RollbackDiscardsEveryWrite(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := createUser(t, s, "bob", model.RoleBuyer)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockBalance(ctx, u.ID); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, u.ID, d("100")); err != nil {
			return err
		}
		if err := tx.InsertRecharge(ctx, &model.Recharge{ID: id.New(t0), UserID: u.ID, Amount: d("100"), Timestamp: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := s.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "balance should be untouched, got %s", bal)

	// The lock must have been released.
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockBalance(ctx, u.ID)
		return err
	}))
}

func TestMemoryStore_TxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := createUser(t, s, "carol", model.RoleBuyer)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockBalance(ctx, u.ID)
		require.NoError(t, err)
		require.NoError(t, tx.SetBalance(ctx, u.ID, d("42.50")))

		inside, err := tx.GetBalance(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, inside.Equal(d("42.50")))

		outside, err := s.GetBalance(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, outside.IsZero(), "uncommitted write leaked")
		return nil
	}))

	bal, _ := s.GetBalance(ctx, u.ID)
	assert.True(t, bal.Equal(d("42.50")))
}

func TestMemoryStore_SetBalanceRequiresLock(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := createUser(t, s, "dave", model.RoleBuyer)

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.SetBalance(ctx, u.ID, d("1"))
	})
	assert.Error(t, err)
}

func TestMemoryStore_PriceConflictAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seller := createUser(t, s, "seller", model.RoleSeller)

	p := &model.Price{ID: id.New(t0), SellerID: seller.ID, Date: "2025-03-10", Session: model.SessionAM, Price: d("50"), CreatedAt: t0}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertPrice(ctx, p) }))

	dup := *p
	dup.ID = id.New(t0)
	dup.Price = d("55")
	err := s.InTx(ctx, func(tx store.Tx) error { return tx.InsertPrice(ctx, &dup) })
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.UpdatePrice(ctx, &dup) }))

	got, err := s.GetPrice(ctx, seller.ID, "2025-03-10", model.SessionAM)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(d("55")))
	assert.Equal(t, p.ID, got.ID, "update keeps the original row id")
}

func TestMemoryStore_LatestPriceOrdering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seller := createUser(t, s, "seller", model.RoleSeller)

	_, err := s.LatestPrice(ctx, seller.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	rows := []struct {
		date    string
		session model.Session
		price   string
	}{
		{"2025-03-09", model.SessionPM, "48"},
		{"2025-03-10", model.SessionAM, "50"},
		{"2025-03-10", model.SessionPM, "52"},
		{"2025-03-08", model.SessionAM, "45"},
	}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for _, r := range rows {
			if err := tx.InsertPrice(ctx, &model.Price{
				ID: id.New(t0), SellerID: seller.ID, Date: r.date, Session: r.session, Price: d(r.price), CreatedAt: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	latest, err := s.LatestPrice(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", latest.Date)
	assert.Equal(t, model.SessionPM, latest.Session)

	list, err := s.ListPrices(ctx, seller.ID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.SessionAM, list[1].Session)
	assert.Equal(t, "2025-03-10", list[1].Date)

	day, err := s.ListPricesForDate(ctx, seller.ID, "2025-03-10")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, model.SessionAM, day[0].Session)
}

func TestMemoryStore_ListTradesFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	buyer := createUser(t, s, "buyer", model.RoleBuyer)
	other := createUser(t, s, "other", model.RoleBuyer)
	seller := createUser(t, s, "seller", model.RoleSeller)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for i := 0; i < 5; i++ {
			ts := t0.Add(time.Duration(i) * time.Hour)
			b := buyer.ID
			if i == 2 {
				b = other.ID
			}
			if err := tx.InsertTrade(ctx, &model.Trade{
				ID: id.New(ts), BuyerID: b, SellerID: seller.ID, Price: d("10"),
				Quantity: int64(i + 1), Side: model.SideBuy, Timestamp: ts,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	asc, err := s.ListTrades(ctx, store.TradeFilter{BuyerID: buyer.ID, SellerID: seller.ID})
	require.NoError(t, err)
	require.Len(t, asc, 4)
	assert.Equal(t, int64(1), asc[0].Quantity)
	assert.Equal(t, int64(5), asc[3].Quantity)

	desc, err := s.ListTrades(ctx, store.TradeFilter{SellerID: seller.ID, Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, int64(5), desc[0].Quantity)
	assert.Equal(t, int64(4), desc[1].Quantity)

	window, err := s.ListTrades(ctx, store.TradeFilter{
		BuyerID: buyer.ID, From: t0.Add(time.Hour), To: t0.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, int64(2), window[0].Quantity)
	assert.Equal(t, int64(4), window[1].Quantity)
}

func TestMemoryStore_LockSerializesReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := createUser(t, s, "eve", model.RoleBuyer)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx store.Tx) error {
				bal, err := tx.LockBalance(ctx, u.ID)
				if err != nil {
					return err
				}
				return tx.SetBalance(ctx, u.ID, bal.Add(d("1")))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := s.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(workers)), "got %s", bal)
}

func TestMemoryStore_LockWaitHonorsContext(t *testing.T) {
	s := store.NewMemoryStore()
	u := createUser(t, s, "frank", model.RoleBuyer)

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.InTx(context.Background(), func(tx store.Tx) error {
			if _, err := tx.LockBalance(context.Background(), u.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockBalance(ctx, u.ID)
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_HistoryOrderAndSince(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	u := createUser(t, s, "gina", model.RoleBuyer)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for i := 2; i >= 0; i-- {
			ts := t0.Add(time.Duration(i) * 24 * time.Hour)
			if err := tx.InsertBalanceHistory(ctx, &model.BalanceHistory{
				ID: id.New(ts), UserID: u.ID, Balance: decimal.NewFromInt(int64(i)),
				Timestamp: ts, Reason: model.ReasonRecharge,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := s.ListBalanceHistory(ctx, u.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Before(all[2].Timestamp))

	recent, err := s.ListBalanceHistory(ctx, u.ID, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
