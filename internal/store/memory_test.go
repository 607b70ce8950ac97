package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kai/ledger-engine/internal/model"
)

func seedBalance(t *testing.T, s *MemoryStore, userID string, available int64) *model.UserBalance {
	t.Helper()
	b := &model.UserBalance{
		UserID:          userID,
		AvailableTokens: available,
		Version:         1,
		LastUpdated:     time.Now().UTC(),
	}
	if err := s.CreateBalance(context.Background(), b); err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
	return b
}

func TestApplyAdjustment_VersionGate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedBalance(t, s, "alice", 100)

	updated := &model.UserBalance{UserID: "alice", AvailableTokens: 150, Version: 2}
	txn := &model.Transaction{ID: "t1", UserID: "alice", Type: model.TxnPurchase,
		Amount: 50, Status: model.TxnCompleted, Timestamp: time.Now().UTC()}

	if err := s.ApplyAdjustment(ctx, updated, 1, txn); err != nil {
		t.Fatalf("matching version rejected: %v", err)
	}

	// A stale expected version must lose.
	stale := &model.UserBalance{UserID: "alice", AvailableTokens: 999, Version: 2}
	err := s.ApplyAdjustment(ctx, stale, 1, &model.Transaction{ID: "t2", UserID: "alice"})
	if !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The losing write must leave no trace.
	bal, _ := s.GetBalance(ctx, "alice")
	if bal.AvailableTokens != 150 || bal.Version != 2 {
		t.Errorf("conflicting write leaked: %+v", bal)
	}
	if _, err := s.GetTransaction(ctx, "t2"); !errors.Is(err, model.ErrNotFound) {
		t.Error("conflicting write appended its transaction")
	}
}

func TestApplyAdjustment_UnknownUser(t *testing.T) {
	s := NewMemoryStore()
	err := s.ApplyAdjustment(context.Background(),
		&model.UserBalance{UserID: "ghost", Version: 2}, 1, &model.Transaction{ID: "t1"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetBalance_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedBalance(t, s, "alice", 100)

	b, _ := s.GetBalance(ctx, "alice")
	b.AvailableTokens = 999999

	again, _ := s.GetBalance(ctx, "alice")
	if again.AvailableTokens != 100 {
		t.Error("mutating a returned balance changed the store")
	}
}

func TestCreateBalance_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	seedBalance(t, s, "alice", 0)
	err := s.CreateBalance(context.Background(), &model.UserBalance{UserID: "alice"})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestHasRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedBalance(t, s, "alice", 100)

	commitTxn := &model.Transaction{ID: "t1", UserID: "alice", Type: model.TxnCommit,
		Amount: -50, Status: model.TxnCompleted, Timestamp: time.Now().UTC()}
	if err := s.ApplyAdjustment(ctx, &model.UserBalance{UserID: "alice", Version: 2}, 1, commitTxn); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.HasRollback(ctx, "t1"); got {
		t.Error("rollback reported before one exists")
	}

	rb := &model.Transaction{ID: "t2", UserID: "alice", Type: model.TxnRollback,
		RelatedID: "t1", Amount: 50, Status: model.TxnCompleted, Timestamp: time.Now().UTC()}
	if err := s.ApplyAdjustment(ctx, &model.UserBalance{UserID: "alice", Version: 3}, 2, rb); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.HasRollback(ctx, "t1"); !got {
		t.Error("rollback not found")
	}
}

func TestApplyAdjustment_DuplicateRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedBalance(t, s, "alice", 100)

	commitTxn := &model.Transaction{ID: "t1", UserID: "alice", Type: model.TxnCommit,
		Amount: -50, Status: model.TxnCompleted, Timestamp: time.Now().UTC()}
	if err := s.ApplyAdjustment(ctx, &model.UserBalance{UserID: "alice", AvailableTokens: 50, CommittedTokens: 50, Version: 2}, 1, commitTxn); err != nil {
		t.Fatal(err)
	}

	rb := &model.Transaction{ID: "t2", UserID: "alice", Type: model.TxnRollback,
		RelatedID: "t1", Amount: 50, Status: model.TxnCompleted, Timestamp: time.Now().UTC()}
	if err := s.ApplyAdjustment(ctx, &model.UserBalance{UserID: "alice", AvailableTokens: 100, Version: 3}, 2, rb); err != nil {
		t.Fatal(err)
	}

	// A second rollback of t1 must lose even with a fresh expected version.
	dup := &model.Transaction{ID: "t3", UserID: "alice", Type: model.TxnRollback,
		RelatedID: "t1", Amount: 50, Status: model.TxnCompleted, Timestamp: time.Now().UTC()}
	err := s.ApplyAdjustment(ctx, &model.UserBalance{UserID: "alice", AvailableTokens: 150, Version: 4}, 3, dup)
	if !errors.Is(err, model.ErrAlreadyRolledBack) {
		t.Fatalf("expected ErrAlreadyRolledBack, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, "alice")
	if bal.AvailableTokens != 100 || bal.Version != 3 {
		t.Errorf("duplicate rollback mutated the balance: %+v", bal)
	}
	if _, err := s.GetTransaction(ctx, "t3"); !errors.Is(err, model.ErrNotFound) {
		t.Error("duplicate rollback appended its transaction")
	}
}

func TestListCommitments(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	seed := []model.Commitment{
		{ID: "c1", UserID: "alice", MarketID: "m1", Status: model.CommitmentActive, CommittedAt: base},
		{ID: "c2", UserID: "alice", MarketID: "m2", Status: model.CommitmentActive, CommittedAt: base.Add(time.Second)},
		{ID: "c3", UserID: "bob", MarketID: "m1", Status: model.CommitmentActive, CommittedAt: base.Add(2 * time.Second)},
	}
	for i := range seed {
		if err := s.CreateCommitment(ctx, &seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	byMarket, _ := s.ListCommitmentsByMarket(ctx, "m1")
	if len(byMarket) != 2 || byMarket[0].ID != "c1" || byMarket[1].ID != "c3" {
		t.Errorf("by market: %+v", byMarket)
	}
	byUser, _ := s.ListCommitmentsByUser(ctx, "alice")
	if len(byUser) != 2 {
		t.Errorf("by user: %+v", byUser)
	}
	both, _ := s.ListCommitmentsByUserMarket(ctx, "alice", "m2")
	if len(both) != 1 || both[0].ID != "c2" {
		t.Errorf("by user+market: %+v", both)
	}
}

func TestUpdateCommitmentStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateCommitment(ctx, &model.Commitment{
		ID: "c1", UserID: "alice", Status: model.CommitmentActive, CommittedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := s.UpdateCommitmentStatus(ctx, "c1", model.CommitmentWon, &now); err != nil {
		t.Fatal(err)
	}
	c, _ := s.GetCommitment(ctx, "c1")
	if c.Status != model.CommitmentWon || c.ResolvedAt == nil {
		t.Errorf("status update lost: %+v", c)
	}

	if err := s.UpdateCommitmentStatus(ctx, "ghost", model.CommitmentWon, &now); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPayoutJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	j := &model.PayoutJob{ID: "j1", MarketID: "m1", Status: model.JobPending,
		MaxRetries: 3, StartedAt: time.Now().UTC()}
	if err := s.CreatePayoutJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	j.Status = model.JobCompleted
	if err := s.UpdatePayoutJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetPayoutJob(ctx, "j1")
	if got.Status != model.JobCompleted {
		t.Errorf("update lost: %+v", got)
	}

	pending, _ := s.ListPayoutJobsByStatus(ctx, model.JobPending)
	if len(pending) != 0 {
		t.Errorf("completed job still listed pending: %+v", pending)
	}
	completed, _ := s.ListPayoutJobsByStatus(ctx, model.JobCompleted)
	if len(completed) != 1 {
		t.Errorf("completed job not listed: %+v", completed)
	}
}
