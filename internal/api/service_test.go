package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/weightstock/ledger/internal/api"
	"github.com/weightstock/ledger/internal/ledger"
	"github.com/weightstock/ledger/internal/pricing"
	"github.com/weightstock/ledger/internal/store"
)

// newTestEnv creates a Service over an in-memory store and mounts it on a
// chi router the way the server does.
func newTestEnv(t *testing.T, hub *api.WSHub) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := ledger.NewEngine(ms)
	svc := api.NewService(engine, pricing.NewService(ms), api.NewAuthenticator(engine, time.Minute), hub)

	r := chi.NewRouter()
	if hub != nil {
		r.Get("/api/v1/ws", hub.HandleWS)
	}
	r.Route("/api/v1", svc.Routes)
	return r
}

func do(t *testing.T, router http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(api.UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func register(t *testing.T, router http.Handler, username, role string) string {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/users", "", `{"username":"`+username+`","role":"`+role+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", username, w.Code, w.Body.String())
	}
	var resp api.UserResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.ID
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func expectBody(t *testing.T, w *httptest.ResponseRecorder, fragments ...string) {
	t.Helper()
	body := w.Body.String()
	for _, f := range fragments {
		if !strings.Contains(body, f) {
			t.Errorf("expected body to contain %s, got %s", f, body)
		}
	}
}

// --- Registration ---

func TestRegister(t *testing.T) {
	router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/users", "",
		`{"username":"farmer","role":"seller","baselineWeight":100,"basePrice":50.5}`)
	expectStatus(t, w, http.StatusCreated)
	expectBody(t, w, `"role":"seller"`, `"baselineWeight":100.00`, `"basePrice":50.50`, `"kUp":null`)

	w = do(t, router, "POST", "/api/v1/users", "", `{"username":"FARMER","role":"buyer"}`)
	expectStatus(t, w, http.StatusConflict)

	w = do(t, router, "POST", "/api/v1/users", "", `{"username":"trader","role":"admin"}`)
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/users", "", `{"username":"trader","role":"buyer","kUp":1}`)
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, router, "POST", "/api/v1/users", "", `{"username":`)
	expectStatus(t, w, http.StatusBadRequest)
	expectBody(t, w, `"error":"invalid request body"`)
}

// --- Identity ---

func TestIdentity(t *testing.T) {
	router := newTestEnv(t, nil)
	buyer := register(t, router, "trader", "buyer")
	seller := register(t, router, "farmer", "seller")

	expectStatus(t, do(t, router, "GET", "/api/v1/buyer/balance", "", ""), http.StatusUnauthorized)
	expectStatus(t, do(t, router, "GET", "/api/v1/buyer/balance", "no-such-user", ""), http.StatusUnauthorized)
	expectStatus(t, do(t, router, "GET", "/api/v1/buyer/balance", seller, ""), http.StatusForbidden)
	expectStatus(t, do(t, router, "GET", "/api/v1/seller/balance", buyer, ""), http.StatusForbidden)

	w := do(t, router, "GET", "/api/v1/buyer/balance", buyer, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"balance":0.00`)
}

// --- Buyer workspace ---

func TestBuyerFlow(t *testing.T) {
	router := newTestEnv(t, nil)
	buyer := register(t, router, "trader", "buyer")
	seller := register(t, router, "farmer", "seller")

	w := do(t, router, "POST", "/api/v1/seller/prices", seller, `{"date":"2025-03-10","session":"AM","price":50}`)
	expectStatus(t, w, http.StatusCreated)
	expectBody(t, w, `"created":true`, `"price":50.00`)

	w = do(t, router, "POST", "/api/v1/buyer/recharge", buyer, `{"amount":1000}`)
	expectStatus(t, w, http.StatusCreated)
	expectBody(t, w, `"balance":1000.00`)

	w = do(t, router, "POST", "/api/v1/buyer/trade", buyer,
		`{"sellerId":"`+seller+`","price":50,"quantity":10,"side":"buy"}`)
	expectStatus(t, w, http.StatusCreated)
	expectBody(t, w, `"total":500.00`, `"balance":500.00`, `"side":"buy"`)

	w = do(t, router, "POST", "/api/v1/seller/prices", seller, `{"date":"2025-03-10","session":"PM","price":55}`)
	expectStatus(t, w, http.StatusCreated)

	w = do(t, router, "GET", "/api/v1/buyer/pnl/"+seller, buyer, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w,
		`"position":10`,
		`"costBasis":50.00`,
		`"currentPrice":55.00`,
		`"currentValue":550.00`,
		`"pnl":50.00`,
		`"pnlPercent":10.00`,
	)

	w = do(t, router, "POST", "/api/v1/buyer/trade", buyer,
		`{"sellerId":"`+seller+`","price":55,"quantity":4,"side":"sell"}`)
	expectStatus(t, w, http.StatusCreated)
	expectBody(t, w, `"balance":720.00`)

	w = do(t, router, "GET", "/api/v1/buyer/total-pnl", buyer, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"realizedPnl":20.00`, `"unrealizedPnl":30.00`, `"totalPnl":50.00`, `"totalInvested":500.00`)

	w = do(t, router, "GET", "/api/v1/buyer/account-value", buyer, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"cashBalance":720.00`, `"equityValue":330.00`, `"accountValue":1050.00`)

	w = do(t, router, "GET", "/api/v1/buyer/holdings", buyer, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"sellerName":"farmer"`, `"shares":6`)

	w = do(t, router, "GET", "/api/v1/buyer/trades?sellerId="+seller+"&limit=1", buyer, "")
	expectStatus(t, w, http.StatusOK)
	var views []api.TradeViewResponse
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Side != "sell" || views[0].CounterpartyName != "farmer" {
		t.Errorf("expected the latest sell against farmer, got %+v", views)
	}

	w = do(t, router, "GET", "/api/v1/buyer/balance-history?period=ALL", buyer, "")
	expectStatus(t, w, http.StatusOK)
	var hist []api.BalanceHistoryEntry
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(hist))
	}
	if hist[0].Reason != "recharge" || hist[2].Reason != "trade" {
		t.Errorf("unexpected reasons %+v", hist)
	}

	w = do(t, router, "GET", "/api/v1/buyer/account-value-history", buyer, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"accountValue":1050.00`)

	expectStatus(t, do(t, router, "GET", "/api/v1/buyer/balance-history?period=5D", buyer, ""), http.StatusBadRequest)
	expectStatus(t, do(t, router, "GET", "/api/v1/buyer/daily-pnl", buyer, ""), http.StatusOK)

	// Seller side of the same trades.
	w = do(t, router, "GET", "/api/v1/seller/earnings", seller, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"totalReceived":500.00`, `"totalPaidOut":220.00`, `"netEarnings":280.00`,
		`"buyTransactions":1`, `"sellTransactions":1`)

	w = do(t, router, "GET", "/api/v1/seller/balance", seller, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"balance":280.00`)

	w = do(t, router, "GET", "/api/v1/seller/trades", seller, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"counterpartyName":"trader"`)

	expectStatus(t, do(t, router, "GET", "/api/v1/seller/daily-earnings", seller, ""), http.StatusOK)
}

func TestExecuteTrade_InsufficientFunds(t *testing.T) {
	router := newTestEnv(t, nil)
	buyer := register(t, router, "trader", "buyer")
	seller := register(t, router, "farmer", "seller")

	expectStatus(t, do(t, router, "POST", "/api/v1/buyer/recharge", buyer, `{"amount":100}`), http.StatusCreated)

	w := do(t, router, "POST", "/api/v1/buyer/trade", buyer,
		`{"sellerId":"`+seller+`","price":50,"quantity":3,"side":"buy"}`)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	expectBody(t, w, `"required":150.00`, `"available":100.00`)

	w = do(t, router, "GET", "/api/v1/buyer/balance", buyer, "")
	expectBody(t, w, `"balance":100.00`)
}

func TestExecuteTrade_InsufficientShares(t *testing.T) {
	router := newTestEnv(t, nil)
	buyer := register(t, router, "trader", "buyer")
	seller := register(t, router, "farmer", "seller")

	expectStatus(t, do(t, router, "POST", "/api/v1/buyer/recharge", buyer, `{"amount":100}`), http.StatusCreated)
	expectStatus(t, do(t, router, "POST", "/api/v1/buyer/trade", buyer,
		`{"sellerId":"`+seller+`","price":10,"quantity":2,"side":"buy"}`), http.StatusCreated)

	w := do(t, router, "POST", "/api/v1/buyer/trade", buyer,
		`{"sellerId":"`+seller+`","price":10,"quantity":5,"side":"sell"}`)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	expectBody(t, w, `"requested":5`, `"held":2`)
}

func TestExecuteTrade_Rejections(t *testing.T) {
	router := newTestEnv(t, nil)
	buyer := register(t, router, "trader", "buyer")
	seller := register(t, router, "farmer", "seller")
	other := register(t, router, "other", "buyer")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{"sellerId":`, http.StatusBadRequest},
		{"fractional quantity", `{"sellerId":"` + seller + `","price":10,"quantity":1.5,"side":"buy"}`, http.StatusBadRequest},
		{"bad side", `{"sellerId":"` + seller + `","price":10,"quantity":1,"side":"hold"}`, http.StatusBadRequest},
		{"sub-cent price", `{"sellerId":"` + seller + `","price":10.001,"quantity":1,"side":"buy"}`, http.StatusBadRequest},
		{"price out of range", `{"sellerId":"` + seller + `","price":500000000,"quantity":1,"side":"buy"}`, http.StatusBadRequest},
		{"unknown seller", `{"sellerId":"nobody","price":10,"quantity":1,"side":"buy"}`, http.StatusNotFound},
		{"counterparty is a buyer", `{"sellerId":"` + other + `","price":10,"quantity":1,"side":"buy"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, router, "POST", "/api/v1/buyer/trade", buyer, tt.body), tt.want)
		})
	}
}

func TestRecharge_OutOfRange(t *testing.T) {
	router := newTestEnv(t, nil)
	buyer := register(t, router, "trader", "buyer")

	w := do(t, router, "POST", "/api/v1/buyer/recharge", buyer, `{"amount":1e20}`)
	expectStatus(t, w, http.StatusBadRequest)
	expectBody(t, w, "amount must be less than")

	w = do(t, router, "GET", "/api/v1/buyer/balance", buyer, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"balance":0.00`)
}

// --- Seller workspace ---

func TestUploadPrice_OverwriteAndFilledSessions(t *testing.T) {
	router := newTestEnv(t, nil)
	seller := register(t, router, "farmer", "seller")

	expectStatus(t, do(t, router, "POST", "/api/v1/seller/prices", seller,
		`{"date":"2025-03-10","session":"AM","price":50}`), http.StatusCreated)

	w := do(t, router, "POST", "/api/v1/seller/prices", seller, `{"date":"2025-03-10","session":"am","price":51.5}`)
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"created":false`, `"price":51.50`)

	w = do(t, router, "GET", "/api/v1/seller/filled-sessions?date=2025-03-10", seller, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"sessions":["AM"]`)

	w = do(t, router, "GET", "/api/v1/seller/prices", seller, "")
	expectStatus(t, w, http.StatusOK)
	var prices []api.PriceResponse
	if err := json.NewDecoder(w.Body).Decode(&prices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(prices) != 1 {
		t.Fatalf("expected one price row, got %d", len(prices))
	}

	expectStatus(t, do(t, router, "POST", "/api/v1/seller/prices", seller,
		`{"date":"2025-03-10","session":"NOON","price":50}`), http.StatusBadRequest)
	expectStatus(t, do(t, router, "POST", "/api/v1/seller/prices", seller,
		`{"date":"2025-03-10","session":"PM","price":0}`), http.StatusBadRequest)
	expectStatus(t, do(t, router, "GET", "/api/v1/seller/prices?limit=abc", seller, ""), http.StatusBadRequest)
}

func TestSettings(t *testing.T) {
	router := newTestEnv(t, nil)
	seller := register(t, router, "farmer", "seller")

	w := do(t, router, "GET", "/api/v1/seller/settings", seller, "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"baselineWeight":null`)

	w = do(t, router, "PUT", "/api/v1/seller/settings", seller, `{"baselineWeight":72.5,"kUp":1.25,"kDown":0.75}`)
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"baselineWeight":72.50`, `"basePrice":null`, `"kUp":1.25`, `"kDown":0.75`)

	expectStatus(t, do(t, router, "PUT", "/api/v1/seller/settings", seller, `{"kUp":-1}`), http.StatusBadRequest)
	expectStatus(t, do(t, router, "PUT", "/api/v1/seller/settings", seller, `{"baselineWeight":1000}`), http.StatusBadRequest)
}

// --- Public directory ---

func TestSellerDirectory(t *testing.T) {
	router := newTestEnv(t, nil)
	alpha := register(t, router, "AlphaFarm", "seller")
	register(t, router, "betaranch", "seller")
	buyer := register(t, router, "trader", "buyer")

	expectStatus(t, do(t, router, "POST", "/api/v1/seller/prices", alpha,
		`{"date":"2025-03-10","session":"PM","price":42}`), http.StatusCreated)

	w := do(t, router, "GET", "/api/v1/sellers?search=farm", "", "")
	expectStatus(t, w, http.StatusOK)
	var sellers []api.SellerResponse
	if err := json.NewDecoder(w.Body).Decode(&sellers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sellers) != 1 || sellers[0].ID != alpha {
		t.Fatalf("expected only AlphaFarm, got %+v", sellers)
	}
	if sellers[0].LatestPrice == nil || sellers[0].LatestPrice.Session != "PM" {
		t.Errorf("expected latest PM price, got %+v", sellers[0].LatestPrice)
	}

	w = do(t, router, "GET", "/api/v1/sellers", "", "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"latestPrice":null`)

	w = do(t, router, "GET", "/api/v1/sellers/"+alpha+"/prices", "", "")
	expectStatus(t, w, http.StatusOK)
	expectBody(t, w, `"price":42.00`)

	expectStatus(t, do(t, router, "GET", "/api/v1/sellers/"+buyer+"/prices", "", ""), http.StatusNotFound)
	expectStatus(t, do(t, router, "GET", "/api/v1/sellers/nobody/prices", "", ""), http.StatusNotFound)
}

// --- WebSocket ---

func TestWebSocket_BroadcastsPriceUpload(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	router := newTestEnv(t, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	seller := register(t, router, "farmer", "seller")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	expectStatus(t, do(t, router, "POST", "/api/v1/seller/prices", seller,
		`{"date":"2025-03-10","session":"AM","price":47.25}`), http.StatusCreated)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != api.EventPriceUploaded || msg.SellerID != seller || msg.Session != "AM" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Price.String() != "47.25" {
		t.Errorf("expected price 47.25, got %s", msg.Price)
	}
}
