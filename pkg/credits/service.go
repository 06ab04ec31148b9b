package credits

import (
	"context"
	"errors"
	"fmt"
)

// Service is the typed, error-normalized interface to the remote credits
// store. It never computes balances locally; every mutation is executed
// atomically by the store's procedures.
type Service struct {
	caller Caller
	logger OperationLogger
}

// NewService wires a Service around a remote caller.
func NewService(caller Caller, options ...ServiceOption) (*Service, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: caller dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{caller: caller}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetUserCredits returns the caller's balance aggregate. ErrLedgerNotFound
// means the account ledger was never initialized, a provisioning gap rather
// than a normal runtime failure.
func (service *Service) GetUserCredits(ctx context.Context) (UserCredits, error) {
	return service.caller.GetUserCredits(ctx)
}

// SpendCredits asks the store to atomically decrement the balance and append
// a spend transaction. The store enforces sufficiency under its own lock.
func (service *Service) SpendCredits(ctx context.Context, params SpendParams) (bool, error) {
	success, err := service.caller.SpendCredits(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:   operationSpend,
		Amount:      params.Amount,
		ReferenceID: params.ReferenceID,
		Metadata:    params.Metadata,
		Error:       err,
	})
	return success, err
}

// EarnCredits asks the store to atomically increment the balance and append
// an earn transaction.
func (service *Service) EarnCredits(ctx context.Context, params EarnParams) (bool, error) {
	success, err := service.caller.EarnCredits(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:   operationEarn,
		Amount:      params.Amount,
		ReferenceID: params.ReferenceID,
		Metadata:    params.Metadata,
		Error:       err,
	})
	return success, err
}

// InitializeUserCredits provisions the caller's ledger with the signup
// allowance. Safe to call more than once; the store deduplicates the grant.
func (service *Service) InitializeUserCredits(ctx context.Context) (bool, error) {
	success, err := service.caller.InitializeUserCredits(ctx)
	service.logOperation(ctx, OperationLog{
		Operation: operationInitialize,
		Error:     err,
	})
	return success, err
}

// GetCreditHistory returns one page of transactions, newest first.
func (service *Service) GetCreditHistory(ctx context.Context, params HistoryParams) ([]CreditTransaction, error) {
	return service.caller.GetCreditHistory(ctx, params)
}

// HasEnoughCredits reports whether the current balance covers amount. Any
// fetch failure yields false: the predicate gates spend-eligible UI actions,
// so it fails closed instead of propagating the error.
func (service *Service) HasEnoughCredits(ctx context.Context, amount int64) bool {
	userCredits, err := service.caller.GetUserCredits(ctx)
	if err != nil {
		return false
	}
	return userCredits.CurrentCredits >= amount
}

// TrySpendCredits checks sufficiency, spends when sufficient, then re-fetches
// the balance. The pre-check and the spend are separate round trips: a
// concurrent spend between them can still make the spend itself fail with
// ErrInsufficientBalance, and that rejection is authoritative over the
// pre-check. The result is a record rather than an error so callers have a
// non-exceptional path to render insufficient-balance messaging.
func (service *Service) TrySpendCredits(ctx context.Context, params SpendParams) SpendResult {
	result := service.trySpendCredits(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:   operationTrySpend,
		Amount:      params.Amount,
		ReferenceID: params.ReferenceID,
		Metadata:    params.Metadata,
		Status:      trySpendStatus(result),
		Error:       result.Err,
	})
	return result
}

func (service *Service) trySpendCredits(ctx context.Context, params SpendParams) SpendResult {
	if err := params.Validate(); err != nil {
		return SpendResult{Err: err}
	}
	userCredits, err := service.caller.GetUserCredits(ctx)
	if err != nil {
		return SpendResult{Err: err}
	}
	if userCredits.CurrentCredits < params.Amount {
		return SpendResult{
			CurrentCredits: userCredits.CurrentCredits,
			Err: WrapError(operationTrySpend, "balance", "precheck", fmt.Errorf(
				"%w: have %d, need %d", ErrInsufficientBalance, userCredits.CurrentCredits, params.Amount,
			)),
		}
	}
	if _, err := service.caller.SpendCredits(ctx, params); err != nil {
		result := SpendResult{Err: err}
		if errors.Is(err, ErrInsufficientBalance) {
			result.CurrentCredits = userCredits.CurrentCredits
		}
		return result
	}
	updated, err := service.caller.GetUserCredits(ctx)
	if err != nil {
		// The spend itself committed; only the confirming read failed.
		return SpendResult{Success: true, Err: err}
	}
	return SpendResult{Success: true, CurrentCredits: updated.CurrentCredits}
}

// SpendOneCredit performs the dashboard's single-credit test spend.
func (service *Service) SpendOneCredit(ctx context.Context) SpendResult {
	return service.TrySpendCredits(ctx, SpendParams{
		Amount:      1,
		Description: spendOneDescription,
		Metadata:    map[string]any{metadataKeySource: sourceTestButton},
	})
}

// ResetCredits converges the balance to target by issuing a single earn or
// spend for the difference. A zero difference issues no transaction.
func (service *Service) ResetCredits(ctx context.Context, target int64) error {
	err := service.resetCredits(ctx, target)
	service.logOperation(ctx, OperationLog{
		Operation: operationReset,
		Amount:    target,
		Metadata:  map[string]any{metadataKeySource: sourceAdminReset},
		Error:     err,
	})
	return err
}

func (service *Service) resetCredits(ctx context.Context, target int64) error {
	if target < 0 {
		return fmt.Errorf("%w: reset target must not be negative", ErrInvalidAmount)
	}
	userCredits, err := service.caller.GetUserCredits(ctx)
	if err != nil {
		return err
	}
	difference := target - userCredits.CurrentCredits
	switch {
	case difference == 0:
		return nil
	case difference > 0:
		_, err = service.caller.EarnCredits(ctx, EarnParams{
			Amount:      difference,
			Description: resetDescription,
			Metadata:    map[string]any{metadataKeySource: sourceAdminReset},
		})
	default:
		_, err = service.caller.SpendCredits(ctx, SpendParams{
			Amount:      -difference,
			Description: resetDescription,
			Metadata:    map[string]any{metadataKeySource: sourceAdminReset},
		})
	}
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func trySpendStatus(result SpendResult) string {
	if result.Success {
		return operationStatusOK
	}
	return operationStatusError
}
