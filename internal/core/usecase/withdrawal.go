package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// WithdrawalWorkflow drives cash-out requests through
// pending -> approved | rejected. Funds stay in the balance while a request
// is pending and are excluded from the available balance; approval debits
// them.
type WithdrawalWorkflow struct {
	store  repository.Store
	engine *BalanceEngine
	log    logger.Logger
	now    func() time.Time
}

func NewWithdrawalWorkflow(store repository.Store, engine *BalanceEngine, log logger.Logger) *WithdrawalWorkflow {
	return &WithdrawalWorkflow{
		store:  store,
		engine: engine,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (w *WithdrawalWorkflow) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal) (*models.WithdrawalRequest, error) {
	minor, err := w.engine.toMinorUnits(amount)
	if err != nil {
		return nil, err
	}
	wallet, err := w.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, storeError(err, ErrWalletNotFound)
	}

	var req *models.WithdrawalRequest
	err = w.engine.run(ctx, "withdrawal_request", []uuid.UUID{wallet.ID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.Wallet(ctx, wallet.ID)
		if err != nil {
			return err
		}
		pending, err := tx.PendingWithdrawalTotal(ctx, userID)
		if err != nil {
			return err
		}
		if current.Balance-pending < minor {
			w.log.Warn("Withdrawal exceeds available balance",
				logger.StringField("user_id", userID),
				logger.Int64Field("balance", current.Balance),
				logger.Int64Field("held", pending),
				logger.Int64Field("requested", minor))
			return ErrInsufficientFunds
		}

		req = &models.WithdrawalRequest{
			ID:       uuid.New(),
			UserID:   userID,
			WalletID: wallet.ID,
			Amount:   minor,
			Status:   models.WithdrawalPending,
		}
		if err := tx.InsertWithdrawal(ctx, req); err != nil {
			return err
		}
		_, err = w.engine.Hold(ctx, tx, wallet.ID, minor, "Withdrawal request "+req.ID.String())
		wallet = current
		return err
	})
	if err != nil {
		return nil, err
	}

	w.log.Info("Withdrawal requested",
		logger.StringField("request_id", req.ID.String()),
		logger.StringField("user_id", userID),
		logger.Int64Field("amount", minor))
	w.engine.emit(ctx, wallet, models.EventWithdrawRequested, minor, "Withdrawal request submitted")
	return req, nil
}

// ApproveWithdrawalRequest debits the wallet and closes the request in one
// unit of work. A request that is no longer pending is left untouched.
func (w *WithdrawalWorkflow) ApproveWithdrawalRequest(ctx context.Context, requestID uuid.UUID, adminMessage *string) (*models.WithdrawalRequest, *models.Transaction, error) {
	existing, err := w.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, nil, storeError(err, ErrWithdrawalNotFound)
	}

	var (
		req    *models.WithdrawalRequest
		entry  *models.Transaction
		wallet *models.Wallet
	)
	err = w.engine.run(ctx, "withdrawal_approve", []uuid.UUID{existing.WalletID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		var err error
		req, err = tx.WithdrawalForUpdate(ctx, requestID)
		if err != nil {
			return storeError(err, ErrWithdrawalNotFound)
		}
		if req.Status != models.WithdrawalPending {
			return ErrAlreadyResolved
		}

		entry, wallet, err = w.engine.withdrawInTx(ctx, tx, req.WalletID, req.Amount, "Withdrawal "+req.ID.String())
		if err != nil {
			return err
		}

		resolvedAt := w.now()
		req.Status = models.WithdrawalApproved
		req.ResolvedAt = &resolvedAt
		req.AdminMessage = cleanMessage(adminMessage)
		return tx.ResolveWithdrawal(ctx, req)
	})
	if err != nil {
		return nil, nil, err
	}

	w.log.Info("Withdrawal approved",
		logger.StringField("request_id", req.ID.String()),
		logger.StringField("user_id", req.UserID),
		logger.Int64Field("amount", req.Amount))
	cur := w.engine.currency
	w.engine.emit(ctx, wallet, models.EventWithdrawApproved, req.Amount, "Withdrawal approved")
	w.engine.notify(wallet, fmt.Sprintf("Your withdrawal of %s %s was approved. Balance: %s %s.%s",
		cur.Format(req.Amount), cur.Code, cur.Format(wallet.Balance), cur.Code, messageSuffix(req.AdminMessage)))
	return req, entry, nil
}

// RejectWithdrawalRequest closes a pending request without touching the
// balance; the held amount becomes available again.
func (w *WithdrawalWorkflow) RejectWithdrawalRequest(ctx context.Context, requestID uuid.UUID, adminMessage *string) (*models.WithdrawalRequest, error) {
	existing, err := w.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, storeError(err, ErrWithdrawalNotFound)
	}

	var (
		req    *models.WithdrawalRequest
		wallet *models.Wallet
	)
	err = w.engine.run(ctx, "withdrawal_reject", []uuid.UUID{existing.WalletID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		var err error
		req, err = tx.WithdrawalForUpdate(ctx, requestID)
		if err != nil {
			return storeError(err, ErrWithdrawalNotFound)
		}
		if req.Status != models.WithdrawalPending {
			return ErrAlreadyResolved
		}
		if wallet, err = tx.Wallet(ctx, req.WalletID); err != nil {
			return err
		}

		resolvedAt := w.now()
		req.Status = models.WithdrawalRejected
		req.ResolvedAt = &resolvedAt
		req.AdminMessage = cleanMessage(adminMessage)
		if err := tx.ResolveWithdrawal(ctx, req); err != nil {
			return err
		}
		_, err = w.engine.Release(ctx, tx, req.WalletID, req.Amount, "Withdrawal rejected "+req.ID.String())
		return err
	})
	if err != nil {
		return nil, err
	}

	w.log.Info("Withdrawal rejected",
		logger.StringField("request_id", req.ID.String()),
		logger.StringField("user_id", req.UserID))
	cur := w.engine.currency
	w.engine.emit(ctx, wallet, models.EventWithdrawRejected, req.Amount, "Withdrawal rejected")
	w.engine.notify(wallet, fmt.Sprintf("Your withdrawal of %s %s was rejected.%s",
		cur.Format(req.Amount), cur.Code, messageSuffix(req.AdminMessage)))
	return req, nil
}

func (w *WithdrawalWorkflow) GetAllWithdrawalRequests(ctx context.Context, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, ErrInvalidRequest
	}
	filter.Limit, filter.Offset = NormalizePage(filter.Limit, filter.Offset)
	list, err := w.store.ListWithdrawals(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	return list, nil
}

func (w *WithdrawalWorkflow) CountWithdrawalRequests(ctx context.Context, filter models.WithdrawalFilter) (int64, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return 0, ErrInvalidRequest
	}
	n, err := w.store.CountWithdrawals(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count withdrawals: %w", err)
	}
	return n, nil
}

// NormalizePage applies the default page size and caps it.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cleanMessage(msg *string) *string {
	if msg == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*msg)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func messageSuffix(msg *string) string {
	if msg == nil {
		return ""
	}
	return " " + *msg
}
