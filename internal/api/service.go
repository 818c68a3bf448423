// Package api provides the HTTP handlers for registration, the seller
// directory, and the buyer and seller workspaces.
//
// All monetary values use shopspring/decimal and cross the wire as JSON
// numbers with two fractional digits.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weightstock/ledger/internal/calendar"
	"github.com/weightstock/ledger/internal/ledger"
	"github.com/weightstock/ledger/internal/metrics"
	"github.com/weightstock/ledger/internal/model"
	"github.com/weightstock/ledger/internal/pricing"
)

// Service serves the ledger over HTTP.
type Service struct {
	engine *ledger.Engine
	prices *pricing.Service
	auth   *Authenticator
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(engine *ledger.Engine, prices *pricing.Service, auth *Authenticator, hub *WSHub) *Service {
	return &Service{
		engine: engine,
		prices: prices,
		auth:   auth,
		wsHub:  hub,
	}
}

// Routes mounts the REST routes on r. The WebSocket endpoint is mounted
// separately from WSHub.HandleWS.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.Register)
	r.Get("/sellers", s.ListSellers)
	r.Get("/sellers/{sellerID}/prices", s.ListSellerPrices)

	r.Route("/buyer", func(r chi.Router) {
		r.Use(s.auth.Authenticate, RequireRole(model.RoleBuyer))
		r.Post("/recharge", s.Recharge)
		r.Post("/trade", s.ExecuteTrade)
		r.Get("/trades", s.BuyerTrades)
		r.Get("/balance", s.GetBalance)
		r.Get("/pnl/{sellerID}", s.GetPairPnl)
		r.Get("/total-pnl", s.GetTotalPnl)
		r.Get("/daily-pnl", s.GetDailyPnl)
		r.Get("/holdings", s.GetHoldings)
		r.Get("/account-value", s.GetAccountValue)
		r.Get("/balance-history", s.GetBalanceHistory)
		r.Get("/account-value-history", s.GetAccountValueHistory)
	})

	r.Route("/seller", func(r chi.Router) {
		r.Use(s.auth.Authenticate, RequireRole(model.RoleSeller))
		r.Post("/prices", s.UploadPrice)
		r.Get("/prices", s.OwnPrices)
		r.Get("/filled-sessions", s.FilledSessions)
		r.Get("/balance", s.GetBalance)
		r.Get("/earnings", s.GetEarnings)
		r.Get("/daily-earnings", s.GetDailyEarnings)
		r.Get("/trades", s.SellerTrades)
		r.Get("/balance-history", s.GetBalanceHistory)
		r.Get("/settings", s.GetSettings)
		r.Put("/settings", s.UpdateSettings)
	})
}

// --- Public ---

// Register handles POST /api/v1/users
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	role := model.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	u, err := s.engine.Register(r.Context(), req.Username, role, req.settings())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse(u))
}

// ListSellers handles GET /api/v1/sellers
// Optionally filtered by ?search=<substring of username>.
func (s *Service) ListSellers(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.prices.ListSellers(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sellerResponses(quotes))
}

// ListSellerPrices handles GET /api/v1/sellers/{sellerID}/prices
func (s *Service) ListSellerPrices(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerID")
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	u, err := s.engine.User(r.Context(), sellerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if u.Role != model.RoleSeller {
		writeError(w, "seller not found", http.StatusNotFound)
		return
	}
	s.writePrices(w, r, sellerID, limit)
}

// --- Shared workspace ---

// GetBalance handles GET /api/v1/{buyer,seller}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.engine.Balance(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: amount(bal)})
}

// GetBalanceHistory handles GET /api/v1/{buyer,seller}/balance-history?period=
func (s *Service) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	period, err := calendar.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	rows, err := s.engine.BalanceHistory(r.Context(), callerID(r), period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceHistory(rows))
}

// --- Buyer ---

// Recharge handles POST /api/v1/buyer/recharge
func (s *Service) Recharge(w http.ResponseWriter, r *http.Request) {
	var req RechargeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.engine.Recharge(r.Context(), callerID(r), req.Amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	metrics.RechargesTotal.Inc()

	writeJSON(w, http.StatusCreated, RechargeResponse{
		ID:        res.Recharge.ID,
		Amount:    amount(res.Recharge.Amount),
		Balance:   amount(res.Balance),
		Timestamp: res.Recharge.Timestamp,
	})
}

// ExecuteTrade handles POST /api/v1/buyer/trade
// Buys from or sells back to a seller at the given price.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decodeJSON(w, r, &req) {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return
	}

	side := model.Side(strings.ToLower(strings.TrimSpace(req.Side)))
	start := time.Now()
	res, err := s.engine.ExecuteTrade(r.Context(), ledger.TradeRequest{
		BuyerID:  callerID(r),
		SellerID: req.SellerID,
		Price:    req.Price,
		Quantity: req.Quantity,
		Side:     side,
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeServiceError(w, r, err)
		return
	}

	t := res.Trade
	metrics.TradesTotal.WithLabelValues(string(t.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(t.Side)).Observe(time.Since(start).Seconds())
	metrics.TradeNotional.WithLabelValues(string(t.Side)).Add(t.Notional().InexactFloat64())

	// Broadcast the execution via WebSocket.
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      EventTradeExecuted,
			SellerID:  t.SellerID,
			Price:     amount(t.Price),
			Side:      t.Side,
			Quantity:  t.Quantity,
			Timestamp: t.Timestamp,
		})
	}

	writeJSON(w, http.StatusCreated, TradeResponse{
		ID:        t.ID,
		BuyerID:   t.BuyerID,
		SellerID:  t.SellerID,
		Price:     amount(t.Price),
		Quantity:  t.Quantity,
		Side:      t.Side,
		Total:     amount(t.Notional()),
		Balance:   amount(res.BuyerBalance),
		Timestamp: t.Timestamp,
	})
}

// BuyerTrades handles GET /api/v1/buyer/trades?sellerId=&limit=
func (s *Service) BuyerTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	views, err := s.engine.BuyerTrades(r.Context(), callerID(r), r.URL.Query().Get("sellerId"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeViewResponses(views))
}

// GetPairPnl handles GET /api/v1/buyer/pnl/{sellerID}
func (s *Service) GetPairPnl(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "sellerID")
	p, err := s.engine.CalculatePnl(r.Context(), callerID(r), sellerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PairPnlResponse{
		SellerID:     sellerID,
		Position:     p.Position,
		CostBasis:    amount(p.CostBasis),
		TotalCost:    amount(p.TotalCost),
		CurrentPrice: nullAmount(p.CurrentPrice),
		CurrentValue: amount(p.CurrentValue),
		Pnl:          amount(p.Pnl),
		PnlPercent:   amount(p.PnlPercent),
	})
}

// GetTotalPnl handles GET /api/v1/buyer/total-pnl
func (s *Service) GetTotalPnl(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.CalculateTotalPnl(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totalPnlResponse(*p))
}

// GetDailyPnl handles GET /api/v1/buyer/daily-pnl
func (s *Service) GetDailyPnl(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.CalculateDailyPnl(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DailyPnlResponse{
		TotalPnlResponse: totalPnlResponse(p.TotalPnl),
		PeriodStart:      p.PeriodStart,
		PeriodEnd:        p.PeriodEnd,
	})
}

// GetHoldings handles GET /api/v1/buyer/holdings
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.engine.Holdings(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]HoldingResponse, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, HoldingResponse{
			SellerID:     h.SellerID,
			SellerName:   h.SellerName,
			Shares:       h.Shares,
			CurrentPrice: amount(h.CurrentPrice),
			CostBasis:    amount(h.CostBasis),
			TotalCost:    amount(h.TotalCost),
			CurrentValue: amount(h.CurrentValue),
			Pnl:          amount(h.Pnl),
			PnlPercent:   amount(h.PnlPercent),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAccountValue handles GET /api/v1/buyer/account-value
func (s *Service) GetAccountValue(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.AccountValue(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountValueResponse{
		CashBalance:  amount(v.CashBalance),
		EquityValue:  amount(v.EquityValue),
		AccountValue: amount(v.AccountValue),
	})
}

// GetAccountValueHistory handles GET /api/v1/buyer/account-value-history
func (s *Service) GetAccountValueHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.AccountValueHistory(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountValueHistory(rows))
}

// --- Seller ---

// UploadPrice handles POST /api/v1/seller/prices
// Returns 201 for a new (date, session) slot and 200 for an overwrite.
func (s *Service) UploadPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	up, err := s.prices.UploadPrice(r.Context(), callerID(r), req.Date, req.Session, req.Price)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      EventPriceUploaded,
			SellerID:  up.Price.SellerID,
			Date:      up.Price.Date,
			Session:   up.Price.Session,
			Price:     amount(up.Price.Price),
			Timestamp: up.Price.CreatedAt,
		})
	}

	status := http.StatusOK
	if up.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, UploadResponse{PriceResponse: priceResponse(up.Price), Created: up.Created})
}

// OwnPrices handles GET /api/v1/seller/prices?limit=
func (s *Service) OwnPrices(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	s.writePrices(w, r, callerID(r), limit)
}

func (s *Service) writePrices(w http.ResponseWriter, r *http.Request, sellerID string, limit int) {
	prices, err := s.prices.ListPrices(r.Context(), sellerID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponses(prices))
}

// FilledSessions handles GET /api/v1/seller/filled-sessions?date=
func (s *Service) FilledSessions(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	sessions, err := s.prices.FilledSessions(r.Context(), callerID(r), date)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FilledSessionsResponse{Date: strings.TrimSpace(date), Sessions: sessions})
}

// GetEarnings handles GET /api/v1/seller/earnings
func (s *Service) GetEarnings(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.CalculateSellerEarnings(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, earningsResponse(*e))
}

// GetDailyEarnings handles GET /api/v1/seller/daily-earnings
func (s *Service) GetDailyEarnings(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.CalculateDailyEarnings(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DailyEarningsResponse{
		EarningsResponse: earningsResponse(e.Earnings),
		PeriodStart:      e.PeriodStart,
		PeriodEnd:        e.PeriodEnd,
	})
}

// SellerTrades handles GET /api/v1/seller/trades?limit=
func (s *Service) SellerTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	views, err := s.engine.SellerTrades(r.Context(), callerID(r), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeViewResponses(views))
}

// GetSettings handles GET /api/v1/seller/settings
func (s *Service) GetSettings(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.User(r.Context(), callerID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse(u.Settings))
}

// UpdateSettings handles PUT /api/v1/seller/settings
// Replaces all four parameters; omitted ones are cleared.
func (s *Service) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := s.engine.UpdateSellerSettings(r.Context(), callerID(r), req.settings())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse(u.Settings))
}

// rejectionReason labels a failed trade for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
