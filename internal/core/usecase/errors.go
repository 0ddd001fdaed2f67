package usecase

import (
	"context"
	"errors"

	"github.com/Nzyazin/ledger/internal/core/repository"
)

type Kind int

const (
	KindInternal Kind = iota
	// KindValidation is the caller's fault: bad amount, self transfer.
	KindValidation
	KindNotFound
	// KindConflict covers state that forbids the operation right now:
	// insufficient funds, an already resolved request, a lock timeout.
	KindConflict
	// KindDependency is a failed side effect (notification, event fan-out).
	// It is logged and never returned from a financial operation.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Error carries a stable code that is safe to show to API clients.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return e.Message }

var (
	ErrInvalidAmount         = &Error{Kind: KindValidation, Code: "invalid_amount", Message: "amount must be positive with at most 3 decimal places"}
	ErrSameAccountTransfer   = &Error{Kind: KindValidation, Code: "same_account_transfer", Message: "cannot transfer to the same account"}
	ErrInvalidCommissionRate = &Error{Kind: KindValidation, Code: "invalid_commission_rate", Message: "commission rate must be greater than 0 and at most 1"}
	ErrInvalidRequest        = &Error{Kind: KindValidation, Code: "invalid_request", Message: "invalid request"}

	ErrWalletNotFound      = &Error{Kind: KindNotFound, Code: "wallet_not_found", Message: "wallet not found"}
	ErrDestinationNotFound = &Error{Kind: KindNotFound, Code: "destination_not_found", Message: "recipient not found"}
	ErrWithdrawalNotFound  = &Error{Kind: KindNotFound, Code: "withdrawal_not_found", Message: "withdrawal request not found"}

	ErrInsufficientFunds = &Error{Kind: KindConflict, Code: "insufficient_funds", Message: "insufficient funds"}
	ErrAlreadyResolved   = &Error{Kind: KindConflict, Code: "already_resolved", Message: "withdrawal request is already resolved"}
	ErrLockTimeout       = &Error{Kind: KindConflict, Code: "lock_timeout", Message: "wallet is busy, retry the operation", Retryable: true}
)

// KindOf classifies err. Anything outside the taxonomy is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the same call may succeed if repeated.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// storeError maps store failures onto the taxonomy. notFound is the error
// to use when the missing row is the subject of the call.
func storeError(err error, notFound *Error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrLockTimeout):
		return ErrLockTimeout
	case errors.Is(err, repository.ErrNegativeBalance):
		return ErrInsufficientFunds
	case notFound != nil && errors.Is(err, repository.ErrNotFound):
		return notFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// a cancelled lock wait is as retryable as a timed out one
		return ErrLockTimeout
	}
	return err
}
