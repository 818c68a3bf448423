package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/weightstock/ledger/internal/store"
)

type recordingTx struct {
	store.Tx
	locked []string
}

func (r *recordingTx) LockBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	r.locked = append(r.locked, userID)
	return decimal.NewFromInt(int64(len(r.locked))), nil
}

func TestLockBalances_AscendingOrder(t *testing.T) {
	for _, ids := range [][]string{{"b", "a"}, {"a", "b"}} {
		tx := &recordingTx{}
		balances, err := lockBalances(context.Background(), tx, ids...)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(tx.locked) != 2 || tx.locked[0] != "a" || tx.locked[1] != "b" {
			t.Errorf("locks taken out of order: %v", tx.locked)
		}
		if !balances["a"].Equal(decimal.NewFromInt(1)) {
			t.Errorf("expected a to be locked first, got balances %v", balances)
		}
	}
}

func TestLockBalances_Deduplicates(t *testing.T) {
	tx := &recordingTx{}
	if _, err := lockBalances(context.Background(), tx, "a", "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tx.locked) != 1 {
		t.Errorf("expected one lock, got %v", tx.locked)
	}
}
