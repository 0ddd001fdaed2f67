package models

import "time"

type EventType string

const (
	EventDeposit           EventType = "deposit"
	EventWithdraw          EventType = "withdraw"
	EventWithdrawRequested EventType = "withdraw_requested"
	EventWithdrawApproved  EventType = "withdraw_approved"
	EventWithdrawRejected  EventType = "withdraw_rejected"
	EventTransferIn        EventType = "transfer_in"
	EventTransferOut       EventType = "transfer_out"
	EventCommission        EventType = "commission"
	EventPurchase          EventType = "purchase"
)

// WalletEvent is pushed to live subscribers after a commit. It is a
// notification only; the ledger remains the source of truth.
type WalletEvent struct {
	Type          EventType `json:"type"`
	UserID        string    `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	Amount        string    `json:"amount"`
	Balance       string    `json:"balance"`
	Description   string    `json:"description"`
	OccurredAt    time.Time `json:"occurred_at"`
}
