package reward

import (
	"errors"
	"testing"
)

func TestWrapErrorKeepsSentinelChain(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "reward", "duplicate", ErrDuplicateReward)
	if !errors.Is(wrapped, ErrDuplicateReward) {
		test.Fatalf("expected wrapped sentinel, got %v", wrapped)
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "reward" || operationError.Code() != "duplicate" {
		test.Fatalf("unexpected segments: %v", operationError)
	}
	if wrapped.Error() != "store.reward.duplicate: duplicate reward" {
		test.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestWrapErrorNilPassthrough(test *testing.T) {
	test.Parallel()
	if wrapped := WrapError("store", "reward", "insert", nil); wrapped != nil {
		test.Fatalf("expected nil, got %v", wrapped)
	}
}
