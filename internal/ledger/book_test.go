package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var epoch = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func trades(legs ...model.Trade) []model.Trade {
	for i := range legs {
		legs[i].Timestamp = epoch.Add(time.Duration(i) * time.Minute)
		legs[i].BuyerID = "buyer"
		legs[i].SellerID = "seller"
	}
	return legs
}

func buy(qty int64, price float64) model.Trade {
	return model.Trade{Side: model.SideBuy, Quantity: qty, Price: d(price)}
}

func sell(qty int64, price float64) model.Trade {
	return model.Trade{Side: model.SideSell, Quantity: qty, Price: d(price)}
}

func TestReplay_Empty(t *testing.T) {
	b := Replay(nil)
	if b.Position != 0 || !b.TotalCost.IsZero() || !b.CostBasis().IsZero() {
		t.Errorf("expected empty book, got %+v", b)
	}
}

func TestReplay_BuyThenPartialSell(t *testing.T) {
	b := Replay(trades(buy(10, 50), sell(4, 60)))

	if b.Position != 6 {
		t.Errorf("expected position 6, got %d", b.Position)
	}
	if !b.TotalCost.Equal(d(300)) {
		t.Errorf("expected total cost 300, got %s", b.TotalCost)
	}
	if !b.CostBasis().Equal(d(50)) {
		t.Errorf("expected cost basis 50, got %s", b.CostBasis())
	}
	if !b.Realized.Equal(d(40)) {
		t.Errorf("expected realized 40, got %s", b.Realized)
	}
	if !b.Invested.Equal(d(500)) {
		t.Errorf("expected invested 500, got %s", b.Invested)
	}
	if b.Buys != 1 || b.Sells != 1 {
		t.Errorf("expected 1 buy and 1 sell, got %d/%d", b.Buys, b.Sells)
	}
}

func TestReplay_AverageCostAcrossBuys(t *testing.T) {
	b := Replay(trades(buy(10, 50), buy(10, 70), sell(5, 80)))

	// avg 60, 15 shares left at 900.
	if b.Position != 15 {
		t.Errorf("expected position 15, got %d", b.Position)
	}
	if !b.TotalCost.Equal(d(900)) {
		t.Errorf("expected total cost 900, got %s", b.TotalCost)
	}
	if !b.Realized.Equal(d(100)) {
		t.Errorf("expected realized 100, got %s", b.Realized)
	}
}

func TestReplay_FullExitResetsCost(t *testing.T) {
	b := Replay(trades(buy(3, 10.01), sell(3, 9)))

	if b.Position != 0 {
		t.Errorf("expected flat position, got %d", b.Position)
	}
	if !b.TotalCost.IsZero() {
		t.Errorf("expected cost reset to 0, got %s", b.TotalCost)
	}
	if !b.Realized.Equal(d(-3.03)) {
		t.Errorf("expected realized -3.03, got %s", b.Realized)
	}
	if b.Open() {
		t.Error("flat book reported open")
	}
}

func TestReplay_RepeatingFractionKeepsCostConserved(t *testing.T) {
	// 30.02 / 3 does not terminate; the cost removed across both sells
	// must still add up to exactly 30.02.
	b := Replay(trades(buy(1, 10), buy(2, 10.01), sell(1, 11), sell(2, 12)))

	if !b.TotalCost.IsZero() {
		t.Errorf("expected cost reset, got %s", b.TotalCost)
	}
	if !b.Realized.Equal(d(4.98)) {
		t.Errorf("expected realized 4.98, got %s", b.Realized)
	}
}

func TestReplay_SellWithoutPositionIsTolerated(t *testing.T) {
	b := Replay(trades(sell(5, 20), buy(2, 10)))

	if b.Position != -3 {
		t.Errorf("expected signed position -3, got %d", b.Position)
	}
	if !b.TotalCost.Equal(d(20)) {
		t.Errorf("expected total cost 20 (the buy only), got %s", b.TotalCost)
	}
	if !b.Realized.IsZero() {
		t.Errorf("expected no realized P&L from an unbacked sell, got %s", b.Realized)
	}
	if !b.CostBasis().IsZero() {
		t.Errorf("expected zero cost basis for a negative position, got %s", b.CostBasis())
	}
}

func TestReplay_Oversell(t *testing.T) {
	b := Replay(trades(buy(2, 10), sell(5, 12)))

	if b.Position != -3 {
		t.Errorf("expected position -3, got %d", b.Position)
	}
	if !b.TotalCost.IsZero() {
		t.Errorf("expected cost reset, got %s", b.TotalCost)
	}
	// 60 sell value against 5 × avg 10.
	if !b.Realized.Equal(d(10)) {
		t.Errorf("expected realized 10, got %s", b.Realized)
	}
}

func TestBook_MarkToMarket(t *testing.T) {
	b := Replay(trades(buy(10, 50)))

	if !b.MarketValue(d(55)).Equal(d(550)) {
		t.Errorf("expected market value 550, got %s", b.MarketValue(d(55)))
	}
	if !b.Unrealized(d(55)).Equal(d(50)) {
		t.Errorf("expected unrealized 50, got %s", b.Unrealized(d(55)))
	}

	flat := Replay(trades(buy(1, 5), sell(1, 5)))
	if !flat.MarketValue(d(99)).IsZero() || !flat.Unrealized(d(99)).IsZero() {
		t.Error("flat book should carry no value")
	}
}

func TestGroupBySeller_FirstTradedOrder(t *testing.T) {
	ts := []model.Trade{
		{SellerID: "b", Side: model.SideBuy, Quantity: 1},
		{SellerID: "a", Side: model.SideBuy, Quantity: 2},
		{SellerID: "b", Side: model.SideSell, Quantity: 1},
	}
	order, bySeller := groupBySeller(ts)

	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("unexpected order %v", order)
	}
	if len(bySeller["b"]) != 2 || bySeller["b"][1].Side != model.SideSell {
		t.Errorf("unexpected grouping %+v", bySeller["b"])
	}
}
