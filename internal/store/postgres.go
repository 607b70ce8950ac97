package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kai/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Token amounts are BIGINT; odds and fee rates are stored as NUMERIC for
// exact decimal precision. Market options and job evidence are JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	var b model.UserBalance
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, available_tokens, committed_tokens, total_earned, total_spent, version, last_updated
		 FROM balances WHERE user_id = $1`, userID).
		Scan(&b.UserID, &b.AvailableTokens, &b.CommittedTokens,
			&b.TotalEarned, &b.TotalSpent, &b.Version, &b.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return &b, nil
}

func (s *PostgresStore) CreateBalance(ctx context.Context, b *model.UserBalance) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, available_tokens, committed_tokens, total_earned, total_spent, version, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO NOTHING`,
		b.UserID, b.AvailableTokens, b.CommittedTokens,
		b.TotalEarned, b.TotalSpent, b.Version, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("create balance %s: %w", b.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) ApplyAdjustment(ctx context.Context, b *model.UserBalance, expectedVersion int64, txn *model.Transaction) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("apply adjustment: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE balances
		 SET available_tokens = $3, committed_tokens = $4,
		     total_earned = $5, total_spent = $6,
		     version = $7, last_updated = $8
		 WHERE user_id = $1 AND version = $2`,
		b.UserID, expectedVersion,
		b.AvailableTokens, b.CommittedTokens,
		b.TotalEarned, b.TotalSpent,
		b.Version, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("apply adjustment %s: %w", b.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or another writer won the race.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM balances WHERE user_id = $1)`, b.UserID).
			Scan(&exists); err != nil {
			return fmt.Errorf("apply adjustment %s: %w", b.UserID, err)
		}
		if !exists {
			return model.ErrNotFound
		}
		return model.ErrVersionConflict
	}

	// The schema carries a partial unique index on (related_id) WHERE
	// type = 'rollback', so a second rollback of the same transaction
	// fails here, inside the same transaction as the balance write.
	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, balance_before, balance_after, related_id, status, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.UserID, txn.Type, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter,
		txn.RelatedID, txn.Status, txn.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if txn.Type == model.TxnRollback && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.ErrAlreadyRolledBack
		}
		return fmt.Errorf("append transaction %s: %w", txn.ID, err)
	}

	return tx.Commit(ctx)
}

// --- Transaction log ---

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, type, amount, balance_before, balance_after, related_id, status, timestamp
		 FROM transactions WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &t.Type, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter, &t.RelatedID, &t.Status, &t.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount, balance_before, balance_after, related_id, status, timestamp
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount,
			&t.BalanceBefore, &t.BalanceAfter, &t.RelatedID, &t.Status, &t.Timestamp); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) HasRollback(ctx context.Context, txnID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE type = 'rollback' AND related_id = $1)`,
		txnID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has rollback %s: %w", txnID, err)
	}
	return exists, nil
}

// --- Commitments ---

func (s *PostgresStore) CreateCommitment(ctx context.Context, c *model.Commitment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commitments (id, user_id, market_id, option_id, position, tokens_committed, odds, potential_winning, status, commit_txn_id, committed_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, c.MarketID, c.OptionID, c.Position,
		c.TokensCommitted, c.Odds.String(), c.PotentialWinning,
		c.Status, c.CommitTxnID, c.CommittedAt, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create commitment %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCommitment(ctx context.Context, id string) (*model.Commitment, error) {
	row := s.pool.QueryRow(ctx, commitmentSelect+` WHERE id = $1`, id)
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get commitment %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListCommitmentsByMarket(ctx context.Context, marketID string) ([]model.Commitment, error) {
	rows, err := s.pool.Query(ctx,
		commitmentSelect+` WHERE market_id = $1 ORDER BY committed_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitments(rows)
}

func (s *PostgresStore) ListCommitmentsByUser(ctx context.Context, userID string) ([]model.Commitment, error) {
	rows, err := s.pool.Query(ctx,
		commitmentSelect+` WHERE user_id = $1 ORDER BY committed_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitments(rows)
}

func (s *PostgresStore) ListCommitmentsByUserMarket(ctx context.Context, userID, marketID string) ([]model.Commitment, error) {
	rows, err := s.pool.Query(ctx,
		commitmentSelect+` WHERE user_id = $1 AND market_id = $2 ORDER BY committed_at, id`,
		userID, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitments(rows)
}

func (s *PostgresStore) UpdateCommitmentStatus(ctx context.Context, id, status string, resolvedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE commitments SET status = $2, resolved_at = $3 WHERE id = $1`,
		id, status, resolvedAt)
	if err != nil {
		return fmt.Errorf("update commitment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

const commitmentSelect = `SELECT id, user_id, market_id, option_id, position, tokens_committed, odds::TEXT, potential_winning, status, commit_txn_id, committed_at, resolved_at
	 FROM commitments`

type pgxRow interface {
	Scan(dest ...any) error
}

func scanCommitment(row pgxRow) (*model.Commitment, error) {
	var c model.Commitment
	var odds string
	if err := row.Scan(&c.ID, &c.UserID, &c.MarketID, &c.OptionID, &c.Position,
		&c.TokensCommitted, &odds, &c.PotentialWinning,
		&c.Status, &c.CommitTxnID, &c.CommittedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.Odds, _ = decimal.NewFromString(odds)
	return &c, nil
}

func scanCommitments(rows pgx.Rows) ([]model.Commitment, error) {
	var cs []model.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		cs = append(cs, *c)
	}
	return cs, rows.Err()
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	opts, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("create market %s: encode options: %w", m.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, creator_id, status, options, total_tokens_staked, total_participants, winning_option_id, total_payout, winner_count, ends_at, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.Title, m.CreatorID, m.Status, opts,
		m.TotalTokensStaked, m.TotalParticipants,
		m.WinningOptionID, m.TotalPayout, m.WinnerCount,
		m.EndsAt, m.CreatedAt, m.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	var opts []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, creator_id, status, options, total_tokens_staked, total_participants, winning_option_id, total_payout, winner_count, ends_at, created_at, resolved_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Title, &m.CreatorID, &m.Status, &opts,
			&m.TotalTokensStaked, &m.TotalParticipants,
			&m.WinningOptionID, &m.TotalPayout, &m.WinnerCount,
			&m.EndsAt, &m.CreatedAt, &m.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	if err := json.Unmarshal(opts, &m.Options); err != nil {
		return nil, fmt.Errorf("get market %s: decode options: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, creator_id, status, options, total_tokens_staked, total_participants, winning_option_id, total_payout, winner_count, ends_at, created_at, resolved_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var opts []byte
		if err := rows.Scan(&m.ID, &m.Title, &m.CreatorID, &m.Status, &opts,
			&m.TotalTokensStaked, &m.TotalParticipants,
			&m.WinningOptionID, &m.TotalPayout, &m.WinnerCount,
			&m.EndsAt, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(opts, &m.Options); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	opts, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("update market %s: encode options: %w", m.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET title = $2, status = $3, options = $4::JSONB,
		     total_tokens_staked = $5, total_participants = $6,
		     winning_option_id = $7, total_payout = $8, winner_count = $9,
		     ends_at = $10, resolved_at = $11
		 WHERE id = $1`,
		m.ID, m.Title, m.Status, opts,
		m.TotalTokensStaked, m.TotalParticipants,
		m.WinningOptionID, m.TotalPayout, m.WinnerCount,
		m.EndsAt, m.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// --- Payout jobs ---

func (s *PostgresStore) CreatePayoutJob(ctx context.Context, j *model.PayoutJob) error {
	ev, err := json.Marshal(j.Evidence)
	if err != nil {
		return fmt.Errorf("create payout job %s: encode evidence: %w", j.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO payout_jobs (id, market_id, winning_option_id, admin_id, evidence, creator_fee_rate, refund, status, retry_count, max_retries, last_error, total_payout, winner_count, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		j.ID, j.MarketID, j.WinningOptionID, j.AdminID, ev,
		j.CreatorFeeRate.String(), j.Refund, j.Status,
		j.RetryCount, j.MaxRetries, j.LastError,
		j.TotalPayout, j.WinnerCount, j.StartedAt, j.CompletedAt)
	if err != nil {
		return fmt.Errorf("create payout job %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPayoutJob(ctx context.Context, id string) (*model.PayoutJob, error) {
	row := s.pool.QueryRow(ctx, jobSelect+` WHERE id = $1`, id)
	j, err := scanPayoutJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get payout job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) UpdatePayoutJob(ctx context.Context, j *model.PayoutJob) error {
	ev, err := json.Marshal(j.Evidence)
	if err != nil {
		return fmt.Errorf("update payout job %s: encode evidence: %w", j.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE payout_jobs
		 SET status = $2, retry_count = $3, last_error = $4,
		     total_payout = $5, winner_count = $6, completed_at = $7, evidence = $8::JSONB
		 WHERE id = $1`,
		j.ID, j.Status, j.RetryCount, j.LastError,
		j.TotalPayout, j.WinnerCount, j.CompletedAt, ev)
	if err != nil {
		return fmt.Errorf("update payout job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPayoutJobsByStatus(ctx context.Context, status string) ([]model.PayoutJob, error) {
	rows, err := s.pool.Query(ctx, jobSelect+` WHERE status = $1 ORDER BY started_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.PayoutJob
	for rows.Next() {
		j, err := scanPayoutJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

const jobSelect = `SELECT id, market_id, winning_option_id, admin_id, evidence, creator_fee_rate::TEXT, refund, status, retry_count, max_retries, last_error, total_payout, winner_count, started_at, completed_at
	 FROM payout_jobs`

func scanPayoutJob(row pgxRow) (*model.PayoutJob, error) {
	var j model.PayoutJob
	var ev []byte
	var rate string
	if err := row.Scan(&j.ID, &j.MarketID, &j.WinningOptionID, &j.AdminID, &ev,
		&rate, &j.Refund, &j.Status, &j.RetryCount, &j.MaxRetries,
		&j.LastError, &j.TotalPayout, &j.WinnerCount, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ev, &j.Evidence); err != nil {
		return nil, err
	}
	j.CreatorFeeRate, _ = decimal.NewFromString(rate)
	return &j, nil
}
