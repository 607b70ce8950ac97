package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kai/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balance and market reads. Writes go to the primary store and
// invalidate the cache. The ledger never depends on the cache for
// correctness: a stale balance read only costs one extra compare-and-swap
// round trip, because ApplyAdjustment invalidates on every write and on
// every lost version race.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID)).Bytes()
	if err == nil {
		var b model.UserBalance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, balanceKey(userID), b)
	return b, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, marketKey(id), m)
	return m, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateBalance(ctx context.Context, b *model.UserBalance) error {
	if err := s.primary.CreateBalance(ctx, b); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(b.UserID))
	return nil
}

func (s *CachedStore) ApplyAdjustment(ctx context.Context, b *model.UserBalance, expectedVersion int64, txn *model.Transaction) error {
	if err := s.primary.ApplyAdjustment(ctx, b, expectedVersion, txn); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			// A racing reader can re-cache the pre-write balance right
			// after the winner's invalidation. Drop it so the conflict
			// retry reads the primary instead of the stale version for
			// the rest of the TTL.
			s.rdb.Del(ctx, balanceKey(b.UserID))
		}
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, balanceKey(b.UserID))
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheSet(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpdateMarket(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) HasRollback(ctx context.Context, txnID string) (bool, error) {
	return s.primary.HasRollback(ctx, txnID)
}

func (s *CachedStore) CreateCommitment(ctx context.Context, c *model.Commitment) error {
	return s.primary.CreateCommitment(ctx, c)
}

func (s *CachedStore) GetCommitment(ctx context.Context, id string) (*model.Commitment, error) {
	return s.primary.GetCommitment(ctx, id)
}

func (s *CachedStore) ListCommitmentsByMarket(ctx context.Context, marketID string) ([]model.Commitment, error) {
	return s.primary.ListCommitmentsByMarket(ctx, marketID)
}

func (s *CachedStore) ListCommitmentsByUser(ctx context.Context, userID string) ([]model.Commitment, error) {
	return s.primary.ListCommitmentsByUser(ctx, userID)
}

func (s *CachedStore) ListCommitmentsByUserMarket(ctx context.Context, userID, marketID string) ([]model.Commitment, error) {
	return s.primary.ListCommitmentsByUserMarket(ctx, userID, marketID)
}

func (s *CachedStore) UpdateCommitmentStatus(ctx context.Context, id, status string, resolvedAt *time.Time) error {
	return s.primary.UpdateCommitmentStatus(ctx, id, status, resolvedAt)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) CreatePayoutJob(ctx context.Context, j *model.PayoutJob) error {
	return s.primary.CreatePayoutJob(ctx, j)
}

func (s *CachedStore) GetPayoutJob(ctx context.Context, id string) (*model.PayoutJob, error) {
	return s.primary.GetPayoutJob(ctx, id)
}

func (s *CachedStore) UpdatePayoutJob(ctx context.Context, j *model.PayoutJob) error {
	return s.primary.UpdatePayoutJob(ctx, j)
}

func (s *CachedStore) ListPayoutJobsByStatus(ctx context.Context, status string) ([]model.PayoutJob, error) {
	return s.primary.ListPayoutJobsByStatus(ctx, status)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func balanceKey(userID string) string { return fmt.Sprintf("balance:%s", userID) }
func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
