package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kai/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	balances    map[string]*model.UserBalance
	txns        []model.Transaction
	txnByID     map[string]int
	commitments map[string]*model.Commitment
	markets     map[string]*model.Market
	jobs        map[string]*model.PayoutJob
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*model.UserBalance),
		txnByID:     make(map[string]int),
		commitments: make(map[string]*model.Commitment),
		markets:     make(map[string]*model.Market),
		jobs:        make(map[string]*model.PayoutJob),
	}
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) CreateBalance(_ context.Context, b *model.UserBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.balances[b.UserID]; ok {
		return model.ErrAlreadyExists
	}
	copy := *b
	s.balances[b.UserID] = &copy
	return nil
}

func (s *MemoryStore) ApplyAdjustment(_ context.Context, b *model.UserBalance, expectedVersion int64, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.balances[b.UserID]
	if !ok {
		return model.ErrNotFound
	}
	// Rollback uniqueness is enforced here, under the same lock as the
	// balance write, so two racing rollbacks of one transaction cannot
	// both land.
	if txn.Type == model.TxnRollback && txn.RelatedID != "" {
		for _, t := range s.txns {
			if t.Type == model.TxnRollback && t.RelatedID == txn.RelatedID {
				return model.ErrAlreadyRolledBack
			}
		}
	}
	if cur.Version != expectedVersion {
		return model.ErrVersionConflict
	}

	balCopy := *b
	s.balances[b.UserID] = &balCopy

	txnCopy := *txn
	s.txnByID[txn.ID] = len(s.txns)
	s.txns = append(s.txns, txnCopy)
	return nil
}

// --- Transaction log ---

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.txnByID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	copy := s.txns[idx]
	return &copy, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txns {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) HasRollback(_ context.Context, txnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.txns {
		if t.Type == model.TxnRollback && t.RelatedID == txnID {
			return true, nil
		}
	}
	return false, nil
}

// --- Commitments ---

func (s *MemoryStore) CreateCommitment(_ context.Context, c *model.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commitments[c.ID]; ok {
		return model.ErrAlreadyExists
	}
	copy := *c
	s.commitments[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetCommitment(_ context.Context, id string) (*model.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commitments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListCommitmentsByMarket(_ context.Context, marketID string) ([]model.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Commitment
	for _, c := range s.commitments {
		if c.MarketID == marketID {
			result = append(result, *c)
		}
	}
	sortCommitments(result)
	return result, nil
}

func (s *MemoryStore) ListCommitmentsByUser(_ context.Context, userID string) ([]model.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Commitment
	for _, c := range s.commitments {
		if c.UserID == userID {
			result = append(result, *c)
		}
	}
	sortCommitments(result)
	return result, nil
}

func (s *MemoryStore) ListCommitmentsByUserMarket(_ context.Context, userID, marketID string) ([]model.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Commitment
	for _, c := range s.commitments {
		if c.UserID == userID && c.MarketID == marketID {
			result = append(result, *c)
		}
	}
	sortCommitments(result)
	return result, nil
}

func (s *MemoryStore) UpdateCommitmentStatus(_ context.Context, id, status string, resolvedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commitments[id]
	if !ok {
		return model.ErrNotFound
	}
	c.Status = status
	c.ResolvedAt = resolvedAt
	return nil
}

// sortCommitments orders by commit time for deterministic iteration.
func sortCommitments(cs []model.Commitment) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CommittedAt.Equal(cs[j].CommittedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CommittedAt.Before(cs[j].CommittedAt)
	})
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return model.ErrAlreadyExists
	}
	copy := *m
	copy.Options = append([]model.MarketOption(nil), m.Options...)
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	copy := *m
	copy.Options = append([]model.MarketOption(nil), m.Options...)
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		copy := *m
		copy.Options = append([]model.MarketOption(nil), m.Options...)
		markets = append(markets, copy)
	}
	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return model.ErrNotFound
	}
	copy := *m
	copy.Options = append([]model.MarketOption(nil), m.Options...)
	s.markets[m.ID] = &copy
	return nil
}

// --- Payout jobs ---

func (s *MemoryStore) CreatePayoutJob(_ context.Context, j *model.PayoutJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return model.ErrAlreadyExists
	}
	copy := *j
	copy.Evidence = append([]string(nil), j.Evidence...)
	s.jobs[j.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPayoutJob(_ context.Context, id string) (*model.PayoutJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	copy := *j
	copy.Evidence = append([]string(nil), j.Evidence...)
	return &copy, nil
}

func (s *MemoryStore) UpdatePayoutJob(_ context.Context, j *model.PayoutJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return model.ErrNotFound
	}
	copy := *j
	copy.Evidence = append([]string(nil), j.Evidence...)
	s.jobs[j.ID] = &copy
	return nil
}

func (s *MemoryStore) ListPayoutJobsByStatus(_ context.Context, status string) ([]model.PayoutJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PayoutJob
	for _, j := range s.jobs {
		if j.Status == status {
			copy := *j
			copy.Evidence = append([]string(nil), j.Evidence...)
			result = append(result, copy)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}
