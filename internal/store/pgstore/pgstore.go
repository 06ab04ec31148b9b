// Package pgstore executes the credits procedures against PostgreSQL with
// explicit SQL over a pgx pool. It is the production counterpart of
// gormstore; both implement the same procedure surface.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackmint/creditweb/pkg/credits"
)

const (
	constraintUserReference = "uniq_credit_tx_user_reference"
	pgUniqueViolationCode   = "23505"

	errorOperationStore     = "store"
	errorSubjectCredits     = "credits"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeGet            = "get"
	errorCodeNotFound       = "not_found"
	errorCodeInsufficient   = "insufficient"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
	errorCodeUpdate         = "update"
	errorCodeList           = "list"
	errorCodeInvalid        = "invalid"

	sqlCreateSchema = `
		create table if not exists user_credits (
			user_id uuid primary key,
			current_credits bigint not null default 0,
			total_earned_credits bigint not null default 0,
			total_spent_credits bigint not null default 0,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create table if not exists credit_transactions (
			transaction_id uuid primary key default gen_random_uuid(),
			user_id uuid not null,
			type text not null,
			amount bigint not null,
			balance_before bigint not null,
			balance_after bigint not null,
			description text not null default '',
			reference_id text,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null
		);
		create index if not exists idx_credit_tx_user_created
			on credit_transactions(user_id, created_at);
		create unique index if not exists uniq_credit_tx_user_reference
			on credit_transactions(user_id, reference_id);
	`

	sqlSelectAggregate = `
		select current_credits, total_earned_credits, total_spent_credits, created_at, updated_at
		from user_credits
		where user_id = $1
	`

	sqlSelectAggregateForUpdate = sqlSelectAggregate + `
		for update
	`

	sqlInsertAggregateIfAbsent = `
		insert into user_credits(user_id, current_credits, total_earned_credits, total_spent_credits, created_at, updated_at)
		values ($1, 0, 0, 0, $2, $2)
		on conflict (user_id) do nothing
	`

	sqlApplyCredit = `
		update user_credits
		set current_credits = current_credits + $2,
			total_earned_credits = total_earned_credits + $2,
			updated_at = $3
		where user_id = $1
	`

	sqlApplyDebit = `
		update user_credits
		set current_credits = current_credits - $2,
			total_spent_credits = total_spent_credits + $2,
			updated_at = $3
		where user_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			user_id, type, amount, balance_before, balance_after, description, reference_id, metadata, created_at
		)
		values ($1, $2, $3, $4, $5, $6, nullif($7,''), $8::jsonb, $9)
	`

	sqlListTransactions = `
		select transaction_id::text, type, amount, balance_before, balance_after,
			description, coalesce(reference_id,''), metadata::text, created_at
		from credit_transactions
		where user_id = $1 and ($2 = '' or type = $2)
		order by created_at desc
		limit $3 offset $4
	`
)

// Store executes the credits procedures against a pgx connection pool.
type Store struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{pool: pool, nowFn: now}
}

// Migrate creates the credits tables and indexes.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlCreateSchema); err != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeInsert, err)
	}
	return nil
}

// GetUserCredits returns the aggregate row for userID.
func (store *Store) GetUserCredits(ctx context.Context, userID string) (credits.UserCredits, error) {
	var aggregate credits.UserCredits
	err := store.pool.QueryRow(ctx, sqlSelectAggregate, userID).Scan(
		&aggregate.CurrentCredits,
		&aggregate.TotalEarnedCredits,
		&aggregate.TotalSpentCredits,
		&aggregate.CreatedAt,
		&aggregate.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.UserCredits{}, wrapStoreError(errorSubjectCredits, errorCodeNotFound, credits.ErrLedgerNotFound)
		}
		return credits.UserCredits{}, wrapStoreError(errorSubjectCredits, errorCodeGet, err)
	}
	return aggregate, nil
}

// SpendCredits atomically decrements the balance and appends a spend
// transaction. Insufficient balance rejects the whole procedure.
func (store *Store) SpendCredits(ctx context.Context, userID string, params credits.SpendParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return store.withTx(ctx, func(tx pgx.Tx) error {
		return store.debit(ctx, tx, userID, credits.TransactionSpend, params.Amount, params.Description, params.ReferenceID, params.Metadata)
	})
}

// EarnCredits atomically increments the balance and appends an earn
// transaction, creating the aggregate row on first use.
func (store *Store) EarnCredits(ctx context.Context, userID string, params credits.EarnParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return store.withTx(ctx, func(tx pgx.Tx) error {
		return store.credit(ctx, tx, userID, credits.TransactionEarn, params.Amount, params.Description, params.ReferenceID, params.Metadata)
	})
}

// GrantBonus credits the balance with a bonus transaction.
func (store *Store) GrantBonus(ctx context.Context, userID string, params credits.EarnParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return store.withTx(ctx, func(tx pgx.Tx) error {
		return store.credit(ctx, tx, userID, credits.TransactionBonus, params.Amount, params.Description, params.ReferenceID, params.Metadata)
	})
}

// GetCreditHistory returns a newest-first page of transactions for userID.
func (store *Store) GetCreditHistory(ctx context.Context, userID string, params credits.HistoryParams) ([]credits.CreditTransaction, error) {
	normalized, err := params.Normalize()
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	rows, err := store.pool.Query(ctx, sqlListTransactions,
		userID,
		normalized.FilterType.String(),
		normalized.PageSize,
		normalized.PageOffset,
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) credit(ctx context.Context, tx pgx.Tx, userID string, transactionType credits.TransactionType, amount int64, description string, referenceID string, metadata map[string]any) error {
	now := store.nowFn()
	if _, err := tx.Exec(ctx, sqlInsertAggregateIfAbsent, userID, now); err != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeInsert, err)
	}
	balanceBefore, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, sqlApplyCredit, userID, amount, now); err != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeUpdate, err)
	}
	return insertTransaction(ctx, tx, userID, transactionType, amount, balanceBefore, balanceBefore+amount, description, referenceID, metadata, now)
}

func (store *Store) debit(ctx context.Context, tx pgx.Tx, userID string, transactionType credits.TransactionType, amount int64, description string, referenceID string, metadata map[string]any) error {
	now := store.nowFn()
	balanceBefore, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return err
	}
	if balanceBefore < amount {
		return wrapStoreError(errorSubjectCredits, errorCodeInsufficient, credits.ErrInsufficientBalance)
	}
	if _, err := tx.Exec(ctx, sqlApplyDebit, userID, amount, now); err != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeUpdate, err)
	}
	return insertTransaction(ctx, tx, userID, transactionType, amount, balanceBefore, balanceBefore-amount, description, referenceID, metadata, now)
}

func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	var aggregate credits.UserCredits
	err := tx.QueryRow(ctx, sqlSelectAggregateForUpdate, userID).Scan(
		&aggregate.CurrentCredits,
		&aggregate.TotalEarnedCredits,
		&aggregate.TotalSpentCredits,
		&aggregate.CreatedAt,
		&aggregate.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectCredits, errorCodeNotFound, credits.ErrLedgerNotFound)
		}
		return 0, wrapStoreError(errorSubjectCredits, errorCodeGet, err)
	}
	return aggregate.CurrentCredits, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID string, transactionType credits.TransactionType, amount int64, balanceBefore int64, balanceAfter int64, description string, referenceID string, metadata map[string]any, now time.Time) error {
	_, err := tx.Exec(ctx, sqlInsertTransaction,
		userID,
		transactionType.String(),
		amount,
		balanceBefore,
		balanceAfter,
		description,
		referenceID,
		marshalMetadata(metadata),
		now,
	)
	if isReferenceConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]credits.CreditTransaction, error) {
	transactions := make([]credits.CreditTransaction, 0, 32)
	for rows.Next() {
		var (
			transaction credits.CreditTransaction
			rawType     string
			rawMetadata string
		)
		if err := rows.Scan(
			&transaction.ID,
			&rawType,
			&transaction.Amount,
			&transaction.BalanceBefore,
			&transaction.BalanceAfter,
			&transaction.Description,
			&transaction.ReferenceID,
			&rawMetadata,
			&transaction.CreatedAt,
		); err != nil {
			return nil, err
		}
		transactionType, err := credits.ParseTransactionType(rawType)
		if err != nil {
			return nil, err
		}
		transaction.TransactionType = transactionType
		metadata := map[string]any{}
		if rawMetadata != "" {
			if err := json.Unmarshal([]byte(rawMetadata), &metadata); err != nil {
				return nil, err
			}
		}
		transaction.Metadata = metadata
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func marshalMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUserReference
	}
	return false
}
