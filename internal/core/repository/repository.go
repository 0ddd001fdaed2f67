package repository

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout means a wallet lock could not be taken in time. The
	// operation had no effect and may be retried.
	ErrLockTimeout = errors.New("wallet lock timeout")
	// ErrNegativeBalance is returned by AppendEntry when the entry would take
	// the wallet below zero.
	ErrNegativeBalance        = errors.New("balance would become negative")
	ErrDuplicateAccountNumber = errors.New("account number already taken")
)

// MinLockTimeout is the shortest lock wait a store honours. A zero wait would
// mean no bound at all in Postgres.
const MinLockTimeout = time.Millisecond

// BoundLockTimeout raises d to MinLockTimeout.
func BoundLockTimeout(d time.Duration) time.Duration {
	if d < MinLockTimeout {
		return MinLockTimeout
	}
	return d
}

// Store is the only component allowed to persist balance state.
// Reads never wait on wallet locks. Every mutation of a balance, a withdrawal
// request or a commission happens inside WithLock.
type Store interface {
	// WithLock runs fn while holding exclusive locks on walletIDs, taken in
	// ascending order. Everything fn writes through tx commits together when
	// fn returns nil and is discarded otherwise.
	WithLock(ctx context.Context, walletIDs []uuid.UUID, fn func(ctx context.Context, tx Tx) error) error

	// CreateWallet inserts w unless the user already owns a wallet, and
	// returns whichever wallet is stored for w.UserID.
	CreateWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, error)
	GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	GetWalletByUserID(ctx context.Context, userID string) (*models.Wallet, error)
	GetWalletByAccountNumber(ctx context.Context, accountNumber string) (*models.Wallet, error)

	// ListTransactions returns entries in commit order. limit <= 0 means all.
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error)
	PendingWithdrawalTotal(ctx context.Context, userID string) (int64, error)

	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error)
	CountWithdrawals(ctx context.Context, filter models.WithdrawalFilter) (int64, error)

	GetCommissionBySubscription(ctx context.Context, subscriptionID string) (*models.Commission, error)
	ListAgentCommissions(ctx context.Context, agentUserID string, limit, offset int) ([]models.Commission, error)
	AgentStats(ctx context.Context, agentUserID string) (*models.AgentStats, error)
}

// Tx is the write side of a locked unit of work.
type Tx interface {
	// Wallet returns the current state of a locked wallet.
	Wallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	// AppendEntry applies entry.Type's delta to the wallet balance, fills in
	// BalanceAfter, Seq and CreatedAt, and records the entry.
	AppendEntry(ctx context.Context, entry *models.Transaction) error

	PendingWithdrawalTotal(ctx context.Context, userID string) (int64, error)
	InsertWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error
	WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	ResolveWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error

	// InsertCommission returns false when a commission for the same
	// subscription already exists; nothing is written in that case.
	InsertCommission(ctx context.Context, c *models.Commission) (bool, error)
	CommissionBySubscription(ctx context.Context, subscriptionID string) (*models.Commission, error)
}

// LockOrder returns ids deduplicated in ascending byte order. Every Store
// acquires wallet locks in this order.
func LockOrder(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
