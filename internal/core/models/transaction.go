package models

import (
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TransactionDeposit     TransactionType = "deposit"
	TransactionWithdraw    TransactionType = "withdraw"
	TransactionTransferIn  TransactionType = "transfer_in"
	TransactionTransferOut TransactionType = "transfer_out"
	TransactionHold        TransactionType = "hold"
	TransactionRelease     TransactionType = "release"
	TransactionCommission  TransactionType = "commission"
)

// Delta is the effect of an entry of this type on the wallet balance.
// Holds and releases only annotate the ledger; they never move balance.
func (t TransactionType) Delta(amount int64) int64 {
	switch t {
	case TransactionDeposit, TransactionTransferIn, TransactionCommission:
		return amount
	case TransactionWithdraw, TransactionTransferOut:
		return -amount
	default:
		return 0
	}
}

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdraw, TransactionTransferIn, TransactionTransferOut,
		TransactionHold, TransactionRelease, TransactionCommission:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID                        uuid.UUID       `json:"id" db:"id"`
	Seq                       int64           `json:"seq" db:"seq"`
	WalletID                  uuid.UUID       `json:"wallet_id" db:"wallet_id"`
	Type                      TransactionType `json:"type" db:"type"`
	Amount                    int64           `json:"amount" db:"amount"`
	BalanceAfter              int64           `json:"balance_after" db:"balance_after"`
	Description               string          `json:"description" db:"description"`
	CounterpartyAccountNumber *string         `json:"counterparty_account_number,omitempty" db:"counterparty_account_number"`
	CreatedAt                 time.Time       `json:"created_at" db:"created_at"`
}

func (t *Transaction) SignedAmount() int64 {
	return t.Type.Delta(t.Amount)
}

// Fold replays entries in commit order and returns the resulting balance.
// It reports the first entry whose BalanceAfter disagrees with the running sum.
func Fold(entries []Transaction) (int64, *Transaction) {
	var balance int64
	for i := range entries {
		balance += entries[i].SignedAmount()
		if entries[i].BalanceAfter != balance {
			return balance, &entries[i]
		}
	}
	return balance, nil
}
