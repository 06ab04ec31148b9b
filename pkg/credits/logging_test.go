package credits

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsSpendOperation(test *testing.T) {
	test.Parallel()
	caller := &stubCaller{balance: 10}
	logger := &recorderLogger{}
	service := mustNewService(test, caller, WithOperationLogger(logger))

	if _, err := service.SpendCredits(context.Background(), SpendParams{Amount: 3, ReferenceID: "spend-1"}); err != nil {
		test.Fatalf("spend failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationSpend || entry.Amount != 3 || entry.ReferenceID != "spend-1" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsTrySpendStatus(test *testing.T) {
	test.Parallel()
	caller := &stubCaller{balance: 1}
	logger := &recorderLogger{}
	service := mustNewService(test, caller, WithOperationLogger(logger))

	result := service.TrySpendCredits(context.Background(), SpendParams{Amount: 5})
	if result.Success {
		test.Fatalf("expected rejected spend, got %+v", result)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationTrySpend || entry.Status != operationStatusError {
		test.Fatalf("expected error status try spend entry, got %+v", entry)
	}
	if !errors.Is(entry.Error, ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance in log entry, got %v", entry.Error)
	}
}

func TestServiceLogsResetOperation(test *testing.T) {
	test.Parallel()
	caller := &stubCaller{balance: 2}
	logger := &recorderLogger{}
	service := mustNewService(test, caller, WithOperationLogger(logger))

	if err := service.ResetCredits(context.Background(), DefaultResetTarget); err != nil {
		test.Fatalf("reset failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationReset || entry.Error != nil {
		test.Fatalf("unexpected reset log entry: %+v", entry)
	}
}

func TestServiceWithoutLoggerDoesNotPanic(test *testing.T) {
	test.Parallel()
	caller := &stubCaller{balance: 5}
	service := mustNewService(test, caller)
	if _, err := service.EarnCredits(context.Background(), EarnParams{Amount: 1}); err != nil {
		test.Fatalf("earn failed: %v", err)
	}
}
