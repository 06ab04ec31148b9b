package credits

import (
	"fmt"
	"strings"
	"time"
)

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionEarn    TransactionType = "earn"
	TransactionSpend   TransactionType = "spend"
	TransactionRefund  TransactionType = "refund"
	TransactionBonus   TransactionType = "bonus"
	TransactionPenalty TransactionType = "penalty"
)

// String returns the wire representation of the transaction type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsCredit reports whether the type increases the balance.
func (transactionType TransactionType) IsCredit() bool {
	switch transactionType {
	case TransactionEarn, TransactionRefund, TransactionBonus:
		return true
	}
	return false
}

// ParseTransactionType validates a raw transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionEarn:
		return TransactionEarn, nil
	case TransactionSpend:
		return TransactionSpend, nil
	case TransactionRefund:
		return TransactionRefund, nil
	case TransactionBonus:
		return TransactionBonus, nil
	case TransactionPenalty:
		return TransactionPenalty, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// UserCredits is the per-user balance aggregate owned by the remote store.
// current_credits always equals total_earned_credits minus total_spent_credits.
type UserCredits struct {
	CurrentCredits     int64     `json:"current_credits"`
	TotalEarnedCredits int64     `json:"total_earned_credits"`
	TotalSpentCredits  int64     `json:"total_spent_credits"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// A single immutable line in the ledger.
type CreditTransaction struct {
	ID              string          `json:"id"`
	TransactionType TransactionType `json:"transaction_type"`
	Amount          int64           `json:"amount"`
	BalanceBefore   int64           `json:"balance_before"`
	BalanceAfter    int64           `json:"balance_after"`
	Description     string          `json:"description"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Metadata        map[string]any  `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SpendParams describes a spend request.
type SpendParams struct {
	Amount      int64
	Description string
	ReferenceID string
	Metadata    map[string]any
}

// Validate ensures the spend request is well formed.
func (params SpendParams) Validate() error {
	if params.Amount <= 0 {
		return fmt.Errorf("%w: spend amount must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

// EarnParams describes an earn request.
type EarnParams struct {
	Amount      int64
	Description string
	ReferenceID string
	Metadata    map[string]any
}

// Validate ensures the earn request is well formed.
func (params EarnParams) Validate() error {
	if params.Amount <= 0 {
		return fmt.Errorf("%w: earn amount must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

// HistoryParams selects a page of the transaction history.
// Pages are offsets over a newest-first ordering, so concurrent inserts can
// shift page boundaries between requests.
type HistoryParams struct {
	PageSize   int
	PageOffset int
	FilterType TransactionType
}

// Normalize applies defaults and validates the filter.
func (params HistoryParams) Normalize() (HistoryParams, error) {
	if params.PageSize <= 0 {
		params.PageSize = DefaultHistoryPageSize
	}
	if params.PageOffset < 0 {
		params.PageOffset = 0
	}
	if params.FilterType != "" {
		filter, err := ParseTransactionType(params.FilterType.String())
		if err != nil {
			return HistoryParams{}, err
		}
		params.FilterType = filter
	}
	return params, nil
}

// SpendResult is the non-exceptional outcome of TrySpendCredits.
type SpendResult struct {
	Success        bool
	CurrentCredits int64
	Err            error
}
