package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/kai/ledger-engine/internal/model"
)

func TestCachedStore_BalanceCacheHit(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	// The primary is empty: a hit must be served from the cache alone.
	cs := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	cached := model.UserBalance{UserID: "alice", AvailableTokens: 100, Version: 3}
	data, err := json.Marshal(cached)
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectGet("balance:alice").SetVal(string(data))

	b, err := cs.GetBalance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.AvailableTokens != 100 || b.Version != 3 {
		t.Errorf("cached balance lost: %+v", b)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_ApplyInvalidates(t *testing.T) {
	primary := NewMemoryStore()
	seedBalance(t, primary, "alice", 100)
	rdb, mock := redismock.NewClientMock()
	cs := NewCachedStore(primary, rdb, time.Minute)

	mock.ExpectDel("balance:alice").SetVal(1)

	updated := &model.UserBalance{UserID: "alice", AvailableTokens: 150, Version: 2}
	txn := &model.Transaction{ID: "t1", UserID: "alice", Type: model.TxnPurchase,
		Amount: 50, Status: model.TxnCompleted, Timestamp: time.Now().UTC()}
	if err := cs.ApplyAdjustment(context.Background(), updated, 1, txn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_ConflictInvalidates(t *testing.T) {
	primary := NewMemoryStore()
	seedBalance(t, primary, "alice", 100)
	rdb, mock := redismock.NewClientMock()
	cs := NewCachedStore(primary, rdb, time.Minute)

	// A lost version race must also drop the cached balance, or every
	// retry of the compare-and-swap re-reads the same stale version.
	mock.ExpectDel("balance:alice").SetVal(1)

	stale := &model.UserBalance{UserID: "alice", AvailableTokens: 999, Version: 3}
	err := cs.ApplyAdjustment(context.Background(), stale, 2,
		&model.Transaction{ID: "t1", UserID: "alice"})
	if !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
