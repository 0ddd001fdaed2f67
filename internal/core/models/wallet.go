package models

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is a user's single monetary account. Balance is a cache of the fold
// over the wallet's transactions and is only changed together with a new entry.
type Wallet struct {
	ID            uuid.UUID `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	AccountNumber string    `json:"account_number" db:"account_number"`
	Balance       int64     `json:"balance" db:"balance"` // baisa
	ContactHint   string    `json:"-" db:"contact_hint"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Balances is the pair returned to callers that must not spend held funds.
type Balances struct {
	Balance          int64 `json:"balance"`
	AvailableBalance int64 `json:"available_balance"`
}

// WalletOperation is a single-wallet request decoded at the HTTP boundary.
type WalletOperation struct {
	AccountNumber string `json:"account_number"`
	Amount        string `json:"amount"`
	Description   string `json:"description"`
}

// TransferOperation addresses both wallets by account number only.
type TransferOperation struct {
	ToAccountNumber string `json:"to_account_number"`
	Amount          string `json:"amount"`
	Description     string `json:"description"`
}
