// Package ledger is the durable state of the gateway.
//
// PostgreSQL is the single source of truth for users, app accounts,
// submissions, API keys and credit requests. The hot-state cache (see
// internal/hotstate) is advisory: if it disagrees with the ledger, the
// ledger wins.
//
// The package owns the three writes the rest of the system hangs off:
//
//  1. Finalize: the submission row gains its chain fields, the payload is
//     cleared, and the account/user balances are debited - all in one
//     transaction. A finalized submission is terminal.
//  2. Error: a single-statement write of a stable error-kind string. The
//     payload stays in place so the fallback reconciler can retry.
//  3. Retry claim: an atomic compare-and-increment of retry_count. The
//     "0 rows affected" result is how two reconciler passes avoid driving
//     the same submission twice.
//
// Balance columns use NUMERIC and are mapped to shopspring decimals; credit
// arithmetic never touches floats.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// SubmissionState is derived from the row, never stored.
type SubmissionState string

const (
	StatePending   SubmissionState = "Pending"
	StateFinalized SubmissionState = "Finalized"
	StateError     SubmissionState = "Error"
)

// User is a top-level customer. Invariant: GlobalCreditBalance >=
// AllocatedCreditBalance >= 0, and GlobalCreditUsed only grows.
type User struct {
	UserID                 string
	GlobalCreditBalance    decimal.Decimal
	GlobalCreditUsed       decimal.Decimal
	AllocatedCreditBalance decimal.Decimal
}

// AppAccount is a sub-account under a user with its own credit bucket.
type AppAccount struct {
	AppAccountID    string
	UserID          string
	ChainAppID      int32
	CreditBalance   decimal.Decimal
	CreditUsed      decimal.Decimal
	CreditSelection int16
}

// Submission is one customer payload on its way to the DA chain.
type Submission struct {
	SubmissionID   string
	AppAccountID   string
	UserID         string
	AmountData     string
	Payload        []byte // nil once finalized
	BlockNumber    sql.NullInt64
	BlockHash      sql.NullString
	TxHash         sql.NullString
	DataHash       sql.NullString
	ExtrinsicIndex sql.NullInt64
	ToAddress      sql.NullString
	Fees           decimal.NullDecimal
	ConvertedFees  decimal.NullDecimal
	Error          sql.NullString
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// State derives the lifecycle state from the chain-hash and error columns.
func (s *Submission) State() SubmissionState {
	switch {
	case s.Error.Valid:
		return StateError
	case s.BlockHash.Valid:
		return StateFinalized
	default:
		return StatePending
	}
}

// CreditRequest is a pending user-initiated top-up. The deposit pipeline
// owns its lifecycle; the gateway only inserts.
type CreditRequest struct {
	RequestID string
	UserID    string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// FinalizeParams carries everything the single finalization transaction
// writes: the chain fields for the submission row and the debit split the
// credit engine computed.
type FinalizeParams struct {
	SubmissionID   string
	AppAccountID   string
	UserID         string
	BlockNumber    int64
	BlockHash      string
	TxHash         string
	DataHash       string
	ExtrinsicIndex int64
	ToAddress      string
	Fees           decimal.Decimal // chain units
	ConvertedFees  decimal.Decimal // credit units, == AccountDebit + UserDebit
	AccountDebit   decimal.Decimal
	UserDebit      decimal.Decimal

	// Spill marks an account-then-user billing: the debit fields above are
	// provisional (computed from a gate-time balance snapshot) and Finalize
	// recomputes the split from the live account balance, under row lock,
	// so concurrent spills cannot drive credit_balance negative.
	Spill bool
}

// Store is the PostgreSQL-backed ledger.
//
// Thread safety: all methods are safe for concurrent use; database/sql
// pools connections internally.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New opens the ledger with pool settings tuned for many short
// transactions from the worker pool plus the reconciler batch.
func New(databaseURL string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info().Msg("ledger connection established")

	return &Store{
		db:  db,
		log: logger.With().Str("component", "ledger").Logger(),
	}, nil
}

// DB exposes the underlying pool for the CLI and seeder.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// InsertSubmission persists a fresh Pending row. The row must exist before
// the dispatch message is published so a GET right after intake always
// finds it.
func (s *Store) InsertSubmission(ctx context.Context, sub *Submission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			submission_id, app_account_id, user_id, amount_data,
			payload, retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW())
	`, sub.SubmissionID, sub.AppAccountID, sub.UserID, sub.AmountData, sub.Payload)
	if err != nil {
		return fmt.Errorf("insert submission failed: %w", err)
	}
	return nil
}

const submissionColumns = `
	submission_id, app_account_id, user_id, amount_data, payload,
	block_number, block_hash, tx_hash, data_hash, extrinsic_index,
	to_address, fees, converted_fees, error, retry_count,
	created_at, updated_at`

func scanSubmission(row interface{ Scan(...interface{}) error }) (*Submission, error) {
	var sub Submission
	err := row.Scan(
		&sub.SubmissionID, &sub.AppAccountID, &sub.UserID, &sub.AmountData,
		&sub.Payload, &sub.BlockNumber, &sub.BlockHash, &sub.TxHash,
		&sub.DataHash, &sub.ExtrinsicIndex, &sub.ToAddress, &sub.Fees,
		&sub.ConvertedFees, &sub.Error, &sub.RetryCount,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan submission failed: %w", err)
	}
	return &sub, nil
}

// GetSubmission reads one row by id.
func (s *Store) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions WHERE submission_id = $1
	`, submissionID)
	return scanSubmission(row)
}

// CountUnresolved counts a user's submissions that have not finalized
// yet. Backs the intake cap on in-flight requests.
func (s *Store) CountUnresolved(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions
		WHERE user_id = $1 AND block_hash IS NULL
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved failed: %w", err)
	}
	return n, nil
}

// Finalize writes the inclusion result and bills the account in one
// transaction. The WHERE block_hash IS NULL guard makes re-finalization a
// no-op: a Finalized submission is terminal.
func (s *Store) Finalize(ctx context.Context, p FinalizeParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE submissions SET
			block_number = $1, block_hash = $2, tx_hash = $3,
			data_hash = $4, extrinsic_index = $5, to_address = $6,
			fees = $7, converted_fees = $8,
			payload = NULL, error = NULL, updated_at = NOW()
		WHERE submission_id = $9 AND block_hash IS NULL
	`, p.BlockNumber, p.BlockHash, p.TxHash, p.DataHash, p.ExtrinsicIndex,
		p.ToAddress, p.Fees, p.ConvertedFees, p.SubmissionID)
	if err != nil {
		return fmt.Errorf("finalize submission failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already finalized elsewhere; do not bill twice.
		return nil
	}

	accountDebit, userDebit := p.AccountDebit, p.UserDebit
	if p.Spill {
		var balance decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT credit_balance FROM app_accounts
			WHERE app_account_id = $1
			FOR UPDATE
		`, p.AppAccountID).Scan(&balance)
		if err != nil {
			return fmt.Errorf("lock app account failed: %w", err)
		}
		accountDebit, userDebit = spillSplit(p.ConvertedFees, balance)
	}

	if accountDebit.IsPositive() {
		_, err = tx.ExecContext(ctx, `
			UPDATE app_accounts SET
				credit_balance = credit_balance - $1,
				credit_used = credit_used + $1,
				updated_at = NOW()
			WHERE app_account_id = $2
		`, accountDebit, p.AppAccountID)
		if err != nil {
			return fmt.Errorf("debit app account failed: %w", err)
		}
	}

	if userDebit.IsPositive() {
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET
				global_credit_balance = global_credit_balance - $1,
				global_credit_used = global_credit_used + $1,
				updated_at = NOW()
			WHERE user_id = $2
		`, userDebit, p.UserID)
		if err != nil {
			return fmt.Errorf("debit user failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finalize commit failed: %w", err)
	}

	s.log.Info().
		Str("submission_id", p.SubmissionID).
		Int64("block_number", p.BlockNumber).
		Str("account_debit", accountDebit.String()).
		Str("user_debit", userDebit.String()).
		Msg("submission finalized")
	return nil
}

// spillSplit drains the account bucket first and bills the remainder to
// the user bucket, clamped so the account debit never exceeds what the
// account currently holds. credit_balance stays >= 0 no matter how many
// spills were admitted against the same balance snapshot.
func spillSplit(cost, balance decimal.Decimal) (accountDebit, userDebit decimal.Decimal) {
	accountDebit = decimal.Min(cost, balance)
	if accountDebit.IsNegative() {
		accountDebit = decimal.Zero
	}
	return accountDebit, cost.Sub(accountDebit)
}

// MarkError records a stable error-kind string. The payload is left in
// place for the reconciler. Finalized rows are never overwritten.
func (s *Store) MarkError(ctx context.Context, submissionID, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET error = $1, updated_at = NOW()
		WHERE submission_id = $2 AND block_hash IS NULL
	`, kind, submissionID)
	if err != nil {
		return fmt.Errorf("mark error failed: %w", err)
	}
	return nil
}

// ClearError removes the error column, used when a retry is about to run.
func (s *Store) ClearError(ctx context.Context, submissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET error = NULL, updated_at = NOW()
		WHERE submission_id = $1 AND block_hash IS NULL
	`, submissionID)
	if err != nil {
		return fmt.Errorf("clear error failed: %w", err)
	}
	return nil
}

// ClaimRetry atomically increments retry_count from an expected value. It
// returns false when another reconciler pass got there first (0 rows
// affected) and the incremented count otherwise.
func (s *Store) ClaimRetry(ctx context.Context, submissionID string, expectedCount int) (bool, int, error) {
	var newCount int
	err := s.db.QueryRowContext(ctx, `
		UPDATE submissions SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE submission_id = $1 AND retry_count = $2 AND block_hash IS NULL
		RETURNING retry_count
	`, submissionID, expectedCount).Scan(&newCount)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("claim retry failed: %w", err)
	}
	return true, newCount, nil
}

// RetryCandidates returns submissions the reconciler should look at:
// errored rows plus rows that still carry a payload but have sat pending
// longer than olderThan. Ordered newest-first, capped at limit.
func (s *Store) RetryCandidates(ctx context.Context, olderThan time.Duration, maxRetries, limit int) ([]*Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE block_hash IS NULL
		  AND (error IS NOT NULL
		       OR (payload IS NOT NULL AND created_at < NOW() - $1::interval))
		  AND retry_count < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("retry candidate query failed: %w", err)
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AccountWithUser resolves an app account and its parent user in one
// round trip. Used by the credit gate, so it stays a single-row join.
func (s *Store) AccountWithUser(ctx context.Context, appAccountID string) (*AppAccount, *User, error) {
	var acc AppAccount
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT a.app_account_id, a.user_id, a.chain_app_id,
		       a.credit_balance, a.credit_used, a.credit_selection,
		       u.user_id, u.global_credit_balance, u.global_credit_used,
		       u.allocated_credit_balance
		FROM app_accounts a
		JOIN users u ON u.user_id = a.user_id
		WHERE a.app_account_id = $1
	`, appAccountID).Scan(
		&acc.AppAccountID, &acc.UserID, &acc.ChainAppID,
		&acc.CreditBalance, &acc.CreditUsed, &acc.CreditSelection,
		&u.UserID, &u.GlobalCreditBalance, &u.GlobalCreditUsed,
		&u.AllocatedCreditBalance,
	)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("account join query failed: %w", err)
	}
	return &acc, &u, nil
}

// CreateAppAccount inserts a sub-account for a user.
func (s *Store) CreateAppAccount(ctx context.Context, acc *AppAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_accounts (
			app_account_id, user_id, chain_app_id,
			credit_balance, credit_used, credit_selection,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, $5, NOW(), NOW())
	`, acc.AppAccountID, acc.UserID, acc.ChainAppID, acc.CreditBalance, acc.CreditSelection)
	if err != nil {
		return fmt.Errorf("create app account failed: %w", err)
	}
	return nil
}

// DeleteAppAccount removes a sub-account, first returning its spent
// credits to the parent user's global balance.
func (s *Store) DeleteAppAccount(ctx context.Context, appAccountID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	var used decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT credit_used FROM app_accounts
		WHERE app_account_id = $1 AND user_id = $2
		FOR UPDATE
	`, appAccountID, userID).Scan(&used)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock app account failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET
			global_credit_balance = global_credit_balance + $1,
			updated_at = NOW()
		WHERE user_id = $2
	`, used, userID)
	if err != nil {
		return fmt.Errorf("return credits to user failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM app_accounts WHERE app_account_id = $1
	`, appAccountID)
	if err != nil {
		return fmt.Errorf("delete app account failed: %w", err)
	}

	return tx.Commit()
}

// ListAppAccounts returns all sub-accounts for a user.
func (s *Store) ListAppAccounts(ctx context.Context, userID string) ([]*AppAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_account_id, user_id, chain_app_id,
		       credit_balance, credit_used, credit_selection
		FROM app_accounts WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list app accounts failed: %w", err)
	}
	defer rows.Close()

	var out []*AppAccount
	for rows.Next() {
		var acc AppAccount
		if err := rows.Scan(&acc.AppAccountID, &acc.UserID, &acc.ChainAppID,
			&acc.CreditBalance, &acc.CreditUsed, &acc.CreditSelection); err != nil {
			return nil, fmt.Errorf("scan app account failed: %w", err)
		}
		out = append(out, &acc)
	}
	return out, rows.Err()
}

// GetUser reads one user row.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, global_credit_balance, global_credit_used,
		       allocated_credit_balance
		FROM users WHERE user_id = $1
	`, userID).Scan(&u.UserID, &u.GlobalCreditBalance, &u.GlobalCreditUsed,
		&u.AllocatedCreditBalance)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return &u, nil
}

// ListUsers returns up to limit users, newest first.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, global_credit_balance, global_credit_used,
		       allocated_credit_balance
		FROM users ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users failed: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.GlobalCreditBalance,
			&u.GlobalCreditUsed, &u.AllocatedCreditBalance); err != nil {
			return nil, fmt.Errorf("scan user failed: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// InsertAPIKey stores a hashed key binding. The plaintext never reaches
// the database.
func (s *Store) InsertAPIKey(ctx context.Context, keyHash, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (api_key_hash, user_id, created_at)
		VALUES ($1, $2, NOW())
	`, keyHash, userID)
	if err != nil {
		return fmt.Errorf("insert api key failed: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a key binding by hash, scoped to its owner.
func (s *Store) DeleteAPIKey(ctx context.Context, keyHash, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM api_keys WHERE api_key_hash = $1 AND user_id = $2
	`, keyHash, userID)
	if err != nil {
		return fmt.Errorf("delete api key failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupAPIKey resolves a key hash to its user id.
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM api_keys WHERE api_key_hash = $1
	`, keyHash).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("api key lookup failed: %w", err)
	}
	return userID, nil
}

// ListAPIKeyHashes returns all key hashes, used to warm the hot-state
// cache at startup.
func (s *Store) ListAPIKeyHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT api_key_hash, user_id FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("list api keys failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var hash, userID string
		if err := rows.Scan(&hash, &userID); err != nil {
			return nil, fmt.Errorf("scan api key failed: %w", err)
		}
		out[hash] = userID
	}
	return out, rows.Err()
}

// InsertCreditRequest records a pending top-up. The external deposit
// pipeline resolves it; the gateway never updates the row.
func (s *Store) InsertCreditRequest(ctx context.Context, req *CreditRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_requests (request_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, NOW())
	`, req.RequestID, req.UserID, req.Amount)
	if err != nil {
		return fmt.Errorf("insert credit request failed: %w", err)
	}
	return nil
}
