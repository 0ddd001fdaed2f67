package models

import (
	"time"

	"github.com/google/uuid"
)

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

func (s WithdrawalStatus) Valid() bool {
	return s == WithdrawalPending || s == WithdrawalApproved || s == WithdrawalRejected
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalApproved || s == WithdrawalRejected
}

type WithdrawalRequest struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	UserID       string           `json:"user_id" db:"user_id"`
	WalletID     uuid.UUID        `json:"wallet_id" db:"wallet_id"`
	Amount       int64            `json:"amount" db:"amount"`
	Status       WithdrawalStatus `json:"status" db:"status"`
	RequestedAt  time.Time        `json:"requested_at" db:"requested_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
	AdminMessage *string          `json:"admin_message,omitempty" db:"admin_message"`
}

// WithdrawalFilter drives the admin listing. Search matches the user id or
// the admin message.
type WithdrawalFilter struct {
	Status *WithdrawalStatus
	Search string
	Limit  int
	Offset int
}
