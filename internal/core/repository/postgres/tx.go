package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// pgTx works on rows locked by Store.WithLock. locked mirrors each wallet row
// as this transaction last wrote it.
type pgTx struct {
	tx     *sqlx.Tx
	locked map[uuid.UUID]*models.Wallet
}

func (t *pgTx) lockedWallet(id uuid.UUID) (*models.Wallet, error) {
	w, ok := t.locked[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s is not locked by this unit of work", id)
	}
	return w, nil
}

func (t *pgTx) Wallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	w, err := t.lockedWallet(id)
	if err != nil {
		return nil, err
	}
	out := *w
	return &out, nil
}

func (t *pgTx) AppendEntry(ctx context.Context, entry *models.Transaction) error {
	if !entry.Type.Valid() {
		return fmt.Errorf("unknown transaction type %q", entry.Type)
	}
	if entry.Amount <= 0 {
		return fmt.Errorf("entry amount must be positive, got %d", entry.Amount)
	}
	w, err := t.lockedWallet(entry.WalletID)
	if err != nil {
		return err
	}

	newBalance := w.Balance + entry.Type.Delta(entry.Amount)
	if newBalance < 0 {
		return repository.ErrNegativeBalance
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	var updatedAt = w.UpdatedAt
	if err := t.tx.GetContext(ctx, &updatedAt, `
		UPDATE wallets SET balance = $1, updated_at = now()
		WHERE id = $2
		RETURNING updated_at`, newBalance, w.ID); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	row := t.tx.QueryRowxContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, type, amount, balance_after, description, counterparty_account_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, created_at`,
		entry.ID, entry.WalletID, entry.Type, entry.Amount, newBalance, entry.Description, entry.CounterpartyAccountNumber)
	if err := row.Scan(&entry.Seq, &entry.CreatedAt); err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}

	entry.BalanceAfter = newBalance
	w.Balance = newBalance
	w.UpdatedAt = updatedAt
	return nil
}

func (t *pgTx) PendingWithdrawalTotal(ctx context.Context, userID string) (int64, error) {
	return pendingTotal(ctx, t.tx, userID)
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	err := t.tx.GetContext(ctx, &req.RequestedAt, `
		INSERT INTO withdrawal_requests (id, user_id, wallet_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING requested_at`,
		req.ID, req.UserID, req.WalletID, req.Amount, req.Status)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (t *pgTx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := t.tx.GetContext(ctx, &req, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: withdrawal %s", repository.ErrNotFound, id)
		}
		return nil, fmt.Errorf("lock withdrawal: %w", err)
	}
	return &req, nil
}

func (t *pgTx) ResolveWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = $1, resolved_at = $2, admin_message = $3
		WHERE id = $4`,
		req.Status, req.ResolvedAt, req.AdminMessage, req.ID)
	if err != nil {
		return fmt.Errorf("resolve withdrawal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: withdrawal %s", repository.ErrNotFound, req.ID)
	}
	return nil
}

func (t *pgTx) InsertCommission(ctx context.Context, c *models.Commission) (bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := t.tx.GetContext(ctx, &c.CreatedAt, `
		INSERT INTO agent_commissions
			(id, agent_user_id, client_user_id, subscription_id, amount, base_amount, commission_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscription_id) DO NOTHING
		RETURNING created_at`,
		c.ID, c.AgentUserID, c.ClientUserID, c.SubscriptionID, c.Amount, c.BaseAmount, c.CommissionRate)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert commission: %w", err)
	}
	return true, nil
}

func (t *pgTx) CommissionBySubscription(ctx context.Context, subscriptionID string) (*models.Commission, error) {
	return commissionBySubscription(ctx, t.tx, subscriptionID)
}
