package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgQueries
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. A positive
// lockTimeout bounds how long a unit of work waits for a row lock.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		pgQueries:   pgQueries{q: pool},
		pool:        pool,
		lockTimeout: lockTimeout,
	}
}

// InTx runs fn inside a READ COMMITTED transaction. Balance rows are
// serialized with SELECT ... FOR UPDATE.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(&pgTx{pgQueries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	committed = true
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	q querier
}

type pgTx struct {
	pgQueries
}

// --- Reads ---

const userColumns = `id, username, role,
	baseline_weight::TEXT, base_price::TEXT, k_up::TEXT, k_down::TEXT,
	created_at`

func (s pgQueries) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapPgError(err))
	}
	return u, nil
}

func (s pgQueries) ListSellers(ctx context.Context) ([]model.User, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY username`, model.RoleSeller)
	if err != nil {
		return nil, fmt.Errorf("list sellers: %w", err)
	}
	defer rows.Close()

	var sellers []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		sellers = append(sellers, *u)
	}
	return sellers, rows.Err()
}

func (s pgQueries) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal string
	err := s.q.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return decimal.NewFromString(bal)
}

const priceColumns = `id, seller_id, date::TEXT, session, price::TEXT, created_at`

func (s pgQueries) GetPrice(ctx context.Context, sellerID, date string, session model.Session) (*model.Price, error) {
	p, err := scanPrice(s.q.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM prices
		 WHERE seller_id = $1 AND date = $2::DATE AND session = $3`,
		sellerID, date, session))
	if err != nil {
		return nil, fmt.Errorf("get price %s/%s/%s: %w", sellerID, date, session, mapPgError(err))
	}
	return p, nil
}

func (s pgQueries) LatestPrice(ctx context.Context, sellerID string) (*model.Price, error) {
	p, err := scanPrice(s.q.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM prices
		 WHERE seller_id = $1
		 ORDER BY date DESC, session DESC
		 LIMIT 1`, sellerID))
	if err != nil {
		return nil, fmt.Errorf("latest price for %s: %w", sellerID, mapPgError(err))
	}
	return p, nil
}

func (s pgQueries) ListPrices(ctx context.Context, sellerID string, limit int) ([]model.Price, error) {
	sql := `SELECT ` + priceColumns + ` FROM prices
		 WHERE seller_id = $1
		 ORDER BY date DESC, session DESC`
	args := []any{sellerID}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryPrices(ctx, sql, args...)
}

func (s pgQueries) ListPricesForDate(ctx context.Context, sellerID, date string) ([]model.Price, error) {
	return s.queryPrices(ctx,
		`SELECT `+priceColumns+` FROM prices
		 WHERE seller_id = $1 AND date = $2::DATE
		 ORDER BY session`, sellerID, date)
}

func (s pgQueries) queryPrices(ctx context.Context, sql string, args ...any) ([]model.Price, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var prices []model.Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		prices = append(prices, *p)
	}
	return prices, rows.Err()
}

func (s pgQueries) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.BuyerID != "" {
		add("buyer_id = $%d", f.BuyerID)
	}
	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}

	sql := `SELECT id, buyer_id, seller_id, price::TEXT, quantity, side, timestamp FROM trades`
	if len(conds) > 0 {
		sql += ` WHERE ` + strings.Join(conds, " AND ")
	}
	if f.Descending {
		sql += ` ORDER BY timestamp DESC, id DESC`
	} else {
		sql += ` ORDER BY timestamp, id`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS string
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &priceS,
			&t.Quantity, &t.Side, &t.Timestamp); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s pgQueries) ListBalanceHistory(ctx context.Context, userID string, since time.Time) ([]model.BalanceHistory, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, balance::TEXT, timestamp, reason, COALESCE(related_id, '')
		 FROM balance_history
		 WHERE user_id = $1 AND timestamp >= $2
		 ORDER BY timestamp, id`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list balance history: %w", err)
	}
	defer rows.Close()

	var history []model.BalanceHistory
	for rows.Next() {
		var h model.BalanceHistory
		var balS string
		if err := rows.Scan(&h.ID, &h.UserID, &balS, &h.Timestamp, &h.Reason, &h.RelatedID); err != nil {
			return nil, err
		}
		if h.Balance, err = decimal.NewFromString(balS); err != nil {
			return nil, fmt.Errorf("balance history %s: %w", h.ID, err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s pgQueries) ListAccountValueHistory(ctx context.Context, userID string) ([]model.AccountValueHistory, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, account_value::TEXT, cash_balance::TEXT, equity_value::TEXT,
		        timestamp, reason, COALESCE(related_id, '')
		 FROM account_value_history
		 WHERE user_id = $1
		 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list account value history: %w", err)
	}
	defer rows.Close()

	var history []model.AccountValueHistory
	for rows.Next() {
		var h model.AccountValueHistory
		var valueS, cashS, equityS string
		if err := rows.Scan(&h.ID, &h.UserID, &valueS, &cashS, &equityS,
			&h.Timestamp, &h.Reason, &h.RelatedID); err != nil {
			return nil, err
		}
		if err := parseAccountValue(&h, valueS, cashS, equityS); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func parseAccountValue(h *model.AccountValueHistory, valueS, cashS, equityS string) error {
	var err error
	if h.AccountValue, err = decimal.NewFromString(valueS); err != nil {
		return fmt.Errorf("account value history %s: account value: %w", h.ID, err)
	}
	if h.CashBalance, err = decimal.NewFromString(cashS); err != nil {
		return fmt.Errorf("account value history %s: cash balance: %w", h.ID, err)
	}
	if h.EquityValue, err = decimal.NewFromString(equityS); err != nil {
		return fmt.Errorf("account value history %s: equity value: %w", h.ID, err)
	}
	return nil
}

// --- Writes (unit of work only) ---

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, username, role, baseline_weight, base_price, k_up, k_down, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		u.ID, u.Username, u.Role,
		nullNumeric(u.Settings.BaselineWeight), nullNumeric(u.Settings.BasePrice),
		nullNumeric(u.Settings.KUp), nullNumeric(u.Settings.KDown),
		u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, mapPgError(err))
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO balances (user_id, balance, updated_at) VALUES ($1, 0, $2)`,
		u.ID, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create balance %s: %w", u.ID, mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdateSellerSettings(ctx context.Context, userID string, s model.SellerSettings) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users
		 SET baseline_weight = $2::NUMERIC, base_price = $3::NUMERIC,
		     k_up = $4::NUMERIC, k_down = $5::NUMERIC
		 WHERE id = $1`,
		userID,
		nullNumeric(s.BaselineWeight), nullNumeric(s.BasePrice),
		nullNumeric(s.KUp), nullNumeric(s.KDown),
	)
	if err != nil {
		return fmt.Errorf("update settings %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LastSnapshotTime(ctx context.Context, userID string) (time.Time, error) {
	var ts time.Time
	err := t.q.QueryRow(ctx,
		`SELECT timestamp FROM balance_history
		 WHERE user_id = $1
		 ORDER BY timestamp DESC
		 LIMIT 1`, userID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last snapshot %s: %w", userID, err)
	}
	return ts.UTC(), nil
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO balances (user_id, balance, updated_at) VALUES ($1, 0, now())
		 ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return decimal.Zero, fmt.Errorf("ensure balance %s: %w", userID, mapPgError(err))
	}

	var bal string
	if err := t.q.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&bal); err != nil {
		return decimal.Zero, fmt.Errorf("lock balance %s: %w", userID, mapPgError(err))
	}
	return decimal.NewFromString(bal)
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE balances SET balance = $2::NUMERIC, updated_at = now() WHERE user_id = $1`,
		userID, amount.String())
	if err != nil {
		return fmt.Errorf("set balance %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertRecharge(ctx context.Context, r *model.Recharge) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO recharges (id, user_id, amount, timestamp) VALUES ($1, $2, $3::NUMERIC, $4)`,
		r.ID, r.UserID, r.Amount.String(), r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert recharge: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, buyer_id, seller_id, price, quantity, side, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		tr.ID, tr.BuyerID, tr.SellerID, tr.Price.String(), tr.Quantity, tr.Side, tr.Timestamp)
	if err != nil {
		return fmt.Errorf("insert trade: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) InsertBalanceHistory(ctx context.Context, h *model.BalanceHistory) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO balance_history (id, user_id, balance, timestamp, reason, related_id)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, NULLIF($6, ''))`,
		h.ID, h.UserID, h.Balance.String(), h.Timestamp, h.Reason, h.RelatedID)
	if err != nil {
		return fmt.Errorf("insert balance history: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) InsertAccountValueHistory(ctx context.Context, h *model.AccountValueHistory) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO account_value_history
		   (id, user_id, account_value, cash_balance, equity_value, timestamp, reason, related_id)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, NULLIF($8, ''))`,
		h.ID, h.UserID, h.AccountValue.String(), h.CashBalance.String(), h.EquityValue.String(),
		h.Timestamp, h.Reason, h.RelatedID)
	if err != nil {
		return fmt.Errorf("insert account value history: %w", mapPgError(err))
	}
	return nil
}

func (t *pgTx) InsertPrice(ctx context.Context, p *model.Price) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO prices (id, seller_id, date, session, price, created_at)
		 VALUES ($1, $2, $3::DATE, $4, $5::NUMERIC, $6)`,
		p.ID, p.SellerID, p.Date, p.Session, p.Price.String(), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert price %s/%s/%s: %w", p.SellerID, p.Date, p.Session, mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdatePrice(ctx context.Context, p *model.Price) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE prices SET price = $4::NUMERIC
		 WHERE seller_id = $1 AND date = $2::DATE AND session = $3`,
		p.SellerID, p.Date, p.Session, p.Price.String())
	if err != nil {
		return fmt.Errorf("update price %s/%s/%s: %w", p.SellerID, p.Date, p.Session, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update price %s/%s/%s: %w", p.SellerID, p.Date, p.Session, ErrNotFound)
	}
	return nil
}

// --- Scan helpers ---

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var baseline, basePrice, kUp, kDown *string
	if err := row.Scan(&u.ID, &u.Username, &u.Role,
		&baseline, &basePrice, &kUp, &kDown, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Settings = model.SellerSettings{
		BaselineWeight: parseNullNumeric(baseline),
		BasePrice:      parseNullNumeric(basePrice),
		KUp:            parseNullNumeric(kUp),
		KDown:          parseNullNumeric(kDown),
	}
	return &u, nil
}

func scanPrice(row pgx.Row) (*model.Price, error) {
	var p model.Price
	var priceS string
	if err := row.Scan(&p.ID, &p.SellerID, &p.Date, &p.Session, &priceS, &p.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Price, err = decimal.NewFromString(priceS); err != nil {
		return nil, fmt.Errorf("price %s: %w", p.ID, err)
	}
	return &p, nil
}

func nullNumeric(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullNumeric(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// mapPgError translates driver errors into store sentinels.
func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
