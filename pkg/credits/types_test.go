package credits

import (
	"errors"
	"testing"
)

func TestParseTransactionType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal TransactionType
	}{
		{name: "earn", input: "earn", wantVal: TransactionEarn},
		{name: "spend with whitespace", input: " spend ", wantVal: TransactionSpend},
		{name: "bonus", input: "bonus", wantVal: TransactionBonus},
		{name: "unknown", input: "transfer", wantErr: ErrInvalidTransactionType},
		{name: "empty", input: "", wantErr: ErrInvalidTransactionType},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := ParseTransactionType(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result)
			}
		})
	}
}

func TestTransactionTypeIsCredit(t *testing.T) {
	t.Parallel()
	credits := []TransactionType{TransactionEarn, TransactionRefund, TransactionBonus}
	for _, transactionType := range credits {
		if !transactionType.IsCredit() {
			t.Fatalf("expected %q to be a credit", transactionType)
		}
	}
	debits := []TransactionType{TransactionSpend, TransactionPenalty}
	for _, transactionType := range debits {
		if transactionType.IsCredit() {
			t.Fatalf("expected %q to be a debit", transactionType)
		}
	}
}

func TestSpendParamsValidate(t *testing.T) {
	t.Parallel()
	if err := (SpendParams{Amount: 1}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (SpendParams{Amount: 0}).Validate(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := (SpendParams{Amount: -3}).Validate(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestEarnParamsValidate(t *testing.T) {
	t.Parallel()
	if err := (EarnParams{Amount: 10}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (EarnParams{Amount: -1}).Validate(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestHistoryParamsNormalize(t *testing.T) {
	t.Parallel()
	normalized, err := HistoryParams{}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if normalized.PageSize != DefaultHistoryPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultHistoryPageSize, normalized.PageSize)
	}
	if normalized.PageOffset != 0 {
		t.Fatalf("expected zero offset, got %d", normalized.PageOffset)
	}

	normalized, err = HistoryParams{PageSize: 5, PageOffset: -2, FilterType: TransactionSpend}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if normalized.PageSize != 5 || normalized.PageOffset != 0 || normalized.FilterType != TransactionSpend {
		t.Fatalf("unexpected normalized params: %+v", normalized)
	}

	_, err = HistoryParams{FilterType: TransactionType("bogus")}.Normalize()
	if !errors.Is(err, ErrInvalidTransactionType) {
		t.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}
