package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stackmint/creditweb/pkg/credits"
)

const (
	constraintUserReference = "uniq_credit_tx_user_reference"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19

	errorOperationStore     = "store"
	errorSubjectCredits     = "credits"
	errorSubjectTransaction = "transaction"
	errorCodeGet            = "get"
	errorCodeNotFound       = "not_found"
	errorCodeInsufficient   = "insufficient"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
	errorCodeUpdate         = "update"
	errorCodeList           = "list"
	errorCodeInvalid        = "invalid"
)

// Store executes the credits procedures against a GORM database. Every
// mutation runs its balance check, aggregate update, and transaction append
// inside one database transaction.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, nowFn: now}
}

// Migrate creates the credits tables.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&UserCredits{}, &CreditTransaction{})
}

// GetUserCredits returns the aggregate row for userID.
func (store *Store) GetUserCredits(ctx context.Context, userID string) (credits.UserCredits, error) {
	var row UserCredits
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.UserCredits{}, wrapStoreError(errorSubjectCredits, errorCodeNotFound, credits.ErrLedgerNotFound)
		}
		return credits.UserCredits{}, wrapStoreError(errorSubjectCredits, errorCodeGet, err)
	}
	return mapUserCredits(row), nil
}

// SpendCredits atomically decrements the balance and appends a spend
// transaction. Insufficient balance rejects the whole procedure: no row is
// written and the aggregate is untouched.
func (store *Store) SpendCredits(ctx context.Context, userID string, params credits.SpendParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return store.debit(ctx, userID, credits.TransactionSpend, params.Amount, params.Description, params.ReferenceID, params.Metadata)
}

// EarnCredits atomically increments the balance and appends an earn
// transaction, creating the aggregate row on first use.
func (store *Store) EarnCredits(ctx context.Context, userID string, params credits.EarnParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return store.credit(ctx, userID, credits.TransactionEarn, params.Amount, params.Description, params.ReferenceID, params.Metadata)
}

// GrantBonus credits the balance with a bonus transaction. Used for the
// signup allowance.
func (store *Store) GrantBonus(ctx context.Context, userID string, params credits.EarnParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return store.credit(ctx, userID, credits.TransactionBonus, params.Amount, params.Description, params.ReferenceID, params.Metadata)
}

// GetCreditHistory returns a newest-first page of transactions for userID.
func (store *Store) GetCreditHistory(ctx context.Context, userID string, params credits.HistoryParams) ([]credits.CreditTransaction, error) {
	normalized, err := params.Normalize()
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(normalized.PageSize).
		Offset(normalized.PageOffset)
	if normalized.FilterType != "" {
		query = query.Where("type = ?", normalized.FilterType.String())
	}
	var rows []CreditTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) credit(ctx context.Context, userID string, transactionType credits.TransactionType, amount int64, description string, referenceID string, metadata map[string]any) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockOrCreateAggregate(tx, userID, store.nowFn())
		if err != nil {
			return err
		}
		balanceBefore := row.CurrentCredits
		balanceAfter := balanceBefore + amount
		updates := map[string]any{
			"current_credits":      balanceAfter,
			"total_earned_credits": row.TotalEarnedCredits + amount,
			"updated_at":           store.nowFn(),
		}
		if err := applyAggregateUpdate(tx, userID, updates); err != nil {
			return err
		}
		return store.appendTransaction(tx, userID, transactionType, amount, balanceBefore, balanceAfter, description, referenceID, metadata)
	})
}

func (store *Store) debit(ctx context.Context, userID string, transactionType credits.TransactionType, amount int64, description string, referenceID string, metadata map[string]any) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row UserCredits
		err := lockForUpdate(tx).
			Where("user_id = ?", userID).
			Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return wrapStoreError(errorSubjectCredits, errorCodeNotFound, credits.ErrLedgerNotFound)
			}
			return wrapStoreError(errorSubjectCredits, errorCodeGet, err)
		}
		if row.CurrentCredits < amount {
			return wrapStoreError(errorSubjectCredits, errorCodeInsufficient, credits.ErrInsufficientBalance)
		}
		balanceBefore := row.CurrentCredits
		balanceAfter := balanceBefore - amount
		updates := map[string]any{
			"current_credits":     balanceAfter,
			"total_spent_credits": row.TotalSpentCredits + amount,
			"updated_at":          store.nowFn(),
		}
		if err := applyAggregateUpdate(tx, userID, updates); err != nil {
			return err
		}
		return store.appendTransaction(tx, userID, transactionType, amount, balanceBefore, balanceAfter, description, referenceID, metadata)
	})
}

func (store *Store) appendTransaction(tx *gorm.DB, userID string, transactionType credits.TransactionType, amount int64, balanceBefore int64, balanceAfter int64, description string, referenceID string, metadata map[string]any) error {
	var reference *string
	if referenceID != "" {
		reference = &referenceID
	}
	row := CreditTransaction{
		UserID:        userID,
		Type:          transactionType.String(),
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Description:   description,
		ReferenceID:   reference,
		Metadata:      marshalMetadata(metadata),
		CreatedAt:     store.nowFn(),
	}
	err := tx.Create(&row).Error
	if isReferenceConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func lockOrCreateAggregate(tx *gorm.DB, userID string, now time.Time) (UserCredits, error) {
	seed := UserCredits{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil && !isConstraintViolation(err) {
		return UserCredits{}, wrapStoreError(errorSubjectCredits, errorCodeInsert, err)
	}
	var row UserCredits
	err := lockForUpdate(tx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if err != nil {
		return UserCredits{}, wrapStoreError(errorSubjectCredits, errorCodeGet, err)
	}
	return row, nil
}

// lockForUpdate takes a row lock on dialects that support it. SQLite has no
// FOR UPDATE and serializes writers on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func applyAggregateUpdate(tx *gorm.DB, userID string, updates map[string]any) error {
	result := tx.Model(&UserCredits{}).Where("user_id = ?", userID).Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectCredits, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCredits, errorCodeNotFound, credits.ErrLedgerNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapUserCredits(row UserCredits) credits.UserCredits {
	return credits.UserCredits{
		CurrentCredits:     row.CurrentCredits,
		TotalEarnedCredits: row.TotalEarnedCredits,
		TotalSpentCredits:  row.TotalSpentCredits,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}

func mapCreditTransaction(row CreditTransaction) (credits.CreditTransaction, error) {
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.CreditTransaction{}, err
	}
	metadata := map[string]any{}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return credits.CreditTransaction{}, err
		}
	}
	var referenceID string
	if row.ReferenceID != nil {
		referenceID = *row.ReferenceID
	}
	return credits.CreditTransaction{
		ID:              row.TransactionID,
		TransactionType: transactionType,
		Amount:          row.Amount,
		BalanceBefore:   row.BalanceBefore,
		BalanceAfter:    row.BalanceAfter,
		Description:     row.Description,
		ReferenceID:     referenceID,
		Metadata:        metadata,
		CreatedAt:       row.CreatedAt,
	}, nil
}

func marshalMetadata(metadata map[string]any) datatypes.JSON {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON(raw)
}

func isReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUserReference
	}
	return isSQLiteConstraint(err)
}

func isConstraintViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return isSQLiteConstraint(err)
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
