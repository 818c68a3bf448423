package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A unit of work records its writes as operations against a private
// overlay; commit replays them onto a copy of the committed state and swaps
// it in, so a failed commit leaves nothing behind. Balance locks are
// per-user channels held until the unit of work ends.
type MemoryStore struct {
	memReads

	mu    sync.RWMutex
	state *memState

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		state: newMemState(),
		locks: make(map[string]chan struct{}),
	}
	s.memReads = memReads{acquire: func() (*memState, func()) {
		s.mu.RLock()
		return s.state, s.mu.RUnlock
	}}
	return s
}

// InTx runs fn in a unit of work.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{s: s, held: make(map[string]bool)}
	tx.memReads = memReads{acquire: tx.view}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) userLock(userID string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	ch, ok := s.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[userID] = ch
	}
	return ch
}

// --- Unit of work ---

type memOp func(st *memState) error

type memTx struct {
	memReads

	s    *MemoryStore
	ops  []memOp
	held map[string]bool
}

// view returns the committed state with this unit of work's writes applied.
func (tx *memTx) view() (*memState, func()) {
	tx.s.mu.RLock()
	if len(tx.ops) == 0 {
		return tx.s.state, tx.s.mu.RUnlock
	}
	st := tx.s.state.clone()
	tx.s.mu.RUnlock()

	for _, op := range tx.ops {
		// A conflicting commit by another unit of work is reported at our
		// own commit; reads keep going on a best-effort overlay.
		_ = op(st)
	}
	return st, func() {}
}

func (tx *memTx) commit() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()

	next := tx.s.state.clone()
	for _, op := range tx.ops {
		if err := op(next); err != nil {
			return err
		}
	}
	tx.s.state = next
	return nil
}

// release frees every balance lock. Runs after commit has swapped state in,
// so the next owner of a lock always reads the committed value.
func (tx *memTx) release() {
	for userID := range tx.held {
		<-tx.s.userLock(userID)
	}
	tx.held = nil
	tx.ops = nil
}

func (tx *memTx) record(op memOp) error {
	st, done := tx.view()
	// Validate against the current overlay so callers see errors where
	// they would with a database.
	probe := st
	if len(tx.ops) == 0 {
		probe = st.clone()
	}
	err := op(probe)
	done()
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, op)
	return nil
}

func (tx *memTx) CreateUser(_ context.Context, u *model.User) error {
	user := *u
	return tx.record(func(st *memState) error {
		if _, ok := st.users[user.ID]; ok {
			return fmt.Errorf("create user %s: %w", user.ID, ErrConflict)
		}
		for _, existing := range st.users {
			if strings.EqualFold(existing.Username, user.Username) {
				return fmt.Errorf("create user %s: %w", user.Username, ErrConflict)
			}
		}
		st.users[user.ID] = user
		st.balances[user.ID] = decimal.Zero
		return nil
	})
}

func (tx *memTx) UpdateSellerSettings(_ context.Context, userID string, settings model.SellerSettings) error {
	return tx.record(func(st *memState) error {
		u, ok := st.users[userID]
		if !ok {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		u.Settings = settings
		st.users[userID] = u
		return nil
	})
}

func (tx *memTx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if !tx.held[userID] {
		select {
		case tx.s.userLock(userID) <- struct{}{}:
			tx.held[userID] = true
		case <-ctx.Done():
			return decimal.Zero, fmt.Errorf("lock balance %s: %w", userID, ctx.Err())
		}
	}

	st, done := tx.view()
	bal, ok := st.balances[userID]
	done()
	if !ok {
		tx.ops = append(tx.ops, func(st *memState) error {
			if _, ok := st.balances[userID]; !ok {
				st.balances[userID] = decimal.Zero
			}
			return nil
		})
		bal = decimal.Zero
	}
	return bal, nil
}

func (tx *memTx) SetBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	if !tx.held[userID] {
		return fmt.Errorf("set balance %s: balance not locked by this transaction", userID)
	}
	tx.ops = append(tx.ops, func(st *memState) error {
		st.balances[userID] = amount
		return nil
	})
	return nil
}

func (tx *memTx) InsertRecharge(_ context.Context, r *model.Recharge) error {
	rec := *r
	tx.ops = append(tx.ops, func(st *memState) error {
		st.recharges = append(st.recharges, rec)
		return nil
	})
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	trade := *t
	tx.ops = append(tx.ops, func(st *memState) error {
		st.trades = append(st.trades, trade)
		return nil
	})
	return nil
}

func (tx *memTx) LastSnapshotTime(_ context.Context, userID string) (time.Time, error) {
	st, done := tx.acquire()
	defer done()

	var last time.Time
	for _, h := range st.balanceHistory {
		if h.UserID == userID && h.Timestamp.After(last) {
			last = h.Timestamp
		}
	}
	return last, nil
}

func (tx *memTx) InsertBalanceHistory(_ context.Context, h *model.BalanceHistory) error {
	row := *h
	tx.ops = append(tx.ops, func(st *memState) error {
		st.balanceHistory = append(st.balanceHistory, row)
		return nil
	})
	return nil
}

func (tx *memTx) InsertAccountValueHistory(_ context.Context, h *model.AccountValueHistory) error {
	row := *h
	tx.ops = append(tx.ops, func(st *memState) error {
		st.accountHistory = append(st.accountHistory, row)
		return nil
	})
	return nil
}

func (tx *memTx) InsertPrice(_ context.Context, p *model.Price) error {
	price := *p
	return tx.record(func(st *memState) error {
		key := priceKey{price.SellerID, price.Date, price.Session}
		if _, ok := st.prices[key]; ok {
			return fmt.Errorf("insert price %s/%s/%s: %w", price.SellerID, price.Date, price.Session, ErrConflict)
		}
		st.prices[key] = price
		return nil
	})
}

func (tx *memTx) UpdatePrice(_ context.Context, p *model.Price) error {
	price := *p
	return tx.record(func(st *memState) error {
		key := priceKey{price.SellerID, price.Date, price.Session}
		existing, ok := st.prices[key]
		if !ok {
			return fmt.Errorf("update price %s/%s/%s: %w", price.SellerID, price.Date, price.Session, ErrNotFound)
		}
		existing.Price = price.Price
		st.prices[key] = existing
		return nil
	})
}

// --- State ---

type priceKey struct {
	sellerID string
	date     string
	session  model.Session
}

type memState struct {
	users          map[string]model.User
	balances       map[string]decimal.Decimal
	prices         map[priceKey]model.Price
	trades         []model.Trade
	recharges      []model.Recharge
	balanceHistory []model.BalanceHistory
	accountHistory []model.AccountValueHistory
}

func newMemState() *memState {
	return &memState{
		users:    make(map[string]model.User),
		balances: make(map[string]decimal.Decimal),
		prices:   make(map[priceKey]model.Price),
	}
}

// clone copies the maps. Fact slices are append-only, so capping their
// capacity is enough to keep appends on the copy from leaking back.
func (st *memState) clone() *memState {
	c := &memState{
		users:          make(map[string]model.User, len(st.users)),
		balances:       make(map[string]decimal.Decimal, len(st.balances)),
		prices:         make(map[priceKey]model.Price, len(st.prices)),
		trades:         st.trades[:len(st.trades):len(st.trades)],
		recharges:      st.recharges[:len(st.recharges):len(st.recharges)],
		balanceHistory: st.balanceHistory[:len(st.balanceHistory):len(st.balanceHistory)],
		accountHistory: st.accountHistory[:len(st.accountHistory):len(st.accountHistory)],
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.prices {
		c.prices[k] = v
	}
	return c
}

// --- Reads ---

type memReads struct {
	acquire func() (*memState, func())
}

func (r memReads) GetUser(_ context.Context, id string) (*model.User, error) {
	st, done := r.acquire()
	defer done()

	u, ok := st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (r memReads) ListSellers(_ context.Context) ([]model.User, error) {
	st, done := r.acquire()
	defer done()

	var sellers []model.User
	for _, u := range st.users {
		if u.Role == model.RoleSeller {
			sellers = append(sellers, u)
		}
	}
	sort.Slice(sellers, func(i, j int) bool { return sellers[i].Username < sellers[j].Username })
	return sellers, nil
}

func (r memReads) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	st, done := r.acquire()
	defer done()

	return st.balances[userID], nil
}

func (r memReads) GetPrice(_ context.Context, sellerID, date string, session model.Session) (*model.Price, error) {
	st, done := r.acquire()
	defer done()

	p, ok := st.prices[priceKey{sellerID, date, session}]
	if !ok {
		return nil, fmt.Errorf("price %s/%s/%s: %w", sellerID, date, session, ErrNotFound)
	}
	return &p, nil
}

func (r memReads) LatestPrice(ctx context.Context, sellerID string) (*model.Price, error) {
	prices, err := r.ListPrices(ctx, sellerID, 1)
	if err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("latest price for %s: %w", sellerID, ErrNotFound)
	}
	return &prices[0], nil
}

func (r memReads) ListPrices(_ context.Context, sellerID string, limit int) ([]model.Price, error) {
	st, done := r.acquire()
	defer done()

	var prices []model.Price
	for _, p := range st.prices {
		if p.SellerID == sellerID {
			prices = append(prices, p)
		}
	}
	sort.Slice(prices, func(i, j int) bool {
		if prices[i].Date != prices[j].Date {
			return prices[i].Date > prices[j].Date
		}
		return prices[i].Session > prices[j].Session
	})
	if limit > 0 && len(prices) > limit {
		prices = prices[:limit]
	}
	return prices, nil
}

func (r memReads) ListPricesForDate(_ context.Context, sellerID, date string) ([]model.Price, error) {
	st, done := r.acquire()
	defer done()

	var prices []model.Price
	for _, session := range []model.Session{model.SessionAM, model.SessionPM} {
		if p, ok := st.prices[priceKey{sellerID, date, session}]; ok {
			prices = append(prices, p)
		}
	}
	return prices, nil
}

func (r memReads) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	st, done := r.acquire()
	defer done()

	var trades []model.Trade
	for _, t := range st.trades {
		if f.BuyerID != "" && t.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && t.SellerID != f.SellerID {
			continue
		}
		if !f.From.IsZero() && t.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && t.Timestamp.After(f.To) {
			continue
		}
		trades = append(trades, t)
	}
	sort.SliceStable(trades, func(i, j int) bool {
		if f.Descending {
			return tradeLess(trades[j], trades[i])
		}
		return tradeLess(trades[i], trades[j])
	})
	if f.Limit > 0 && len(trades) > f.Limit {
		trades = trades[:f.Limit]
	}
	return trades, nil
}

func (r memReads) ListBalanceHistory(_ context.Context, userID string, since time.Time) ([]model.BalanceHistory, error) {
	st, done := r.acquire()
	defer done()

	var rows []model.BalanceHistory
	for _, h := range st.balanceHistory {
		if h.UserID == userID && !h.Timestamp.Before(since) {
			rows = append(rows, h)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return snapshotLess(rows[i].Timestamp, rows[i].ID, rows[j].Timestamp, rows[j].ID)
	})
	return rows, nil
}

func (r memReads) ListAccountValueHistory(_ context.Context, userID string) ([]model.AccountValueHistory, error) {
	st, done := r.acquire()
	defer done()

	var rows []model.AccountValueHistory
	for _, h := range st.accountHistory {
		if h.UserID == userID {
			rows = append(rows, h)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return snapshotLess(rows[i].Timestamp, rows[i].ID, rows[j].Timestamp, rows[j].ID)
	})
	return rows, nil
}

func tradeLess(a, b model.Trade) bool {
	return snapshotLess(a.Timestamp, a.ID, b.Timestamp, b.ID)
}

func snapshotLess(ta time.Time, ida string, tb time.Time, idb string) bool {
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return ida < idb
}
