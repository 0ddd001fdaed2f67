package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/metrics"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrLedgerMismatch = &Error{Kind: KindInternal, Code: "ledger_mismatch", Message: "wallet balance does not match its transaction history"}

// EventPublisher fans committed changes out to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, userID string, event models.WalletEvent) error
}

// Notifier hands a pre-formatted message to an external channel. It must not
// block the caller.
type Notifier interface {
	Notify(userID, contact, message string)
}

type WalletUsecase interface {
	Deposit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*models.Transaction, error)
	Withdraw(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*models.Transaction, error)
	Transfer(ctx context.Context, fromAccountNumber, toAccountNumber string, amount decimal.Decimal, description string) (*models.Transaction, *models.Transaction, error)
	GetAvailableBalance(ctx context.Context, userID string) (*models.Balances, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error)
}

// BalanceEngine is the only code path that changes a wallet balance. Each
// mutation runs inside Store.WithLock so it commits entirely or not at all.
type BalanceEngine struct {
	store    repository.Store
	events   EventPublisher
	notifier Notifier
	metrics  *metrics.Ledger
	log      logger.Logger
	currency models.Currency
}

func NewBalanceEngine(store repository.Store, events EventPublisher, notifier Notifier, m *metrics.Ledger, log logger.Logger) *BalanceEngine {
	return &BalanceEngine{
		store:    store,
		events:   events,
		notifier: notifier,
		metrics:  m,
		log:      log,
		currency: models.OMR,
	}
}

var _ WalletUsecase = (*BalanceEngine)(nil)

func (e *BalanceEngine) Currency() models.Currency { return e.currency }

func (e *BalanceEngine) toMinorUnits(amount decimal.Decimal) (int64, error) {
	minor, err := e.currency.ToMinorUnits(amount)
	if err != nil {
		e.log.Warn("Amount rejected",
			logger.StringField("amount", amount.String()),
			logger.ErrorField("error", err))
		return 0, ErrInvalidAmount
	}
	return minor, nil
}

// run wraps fn in a locked unit of work and maps store failures onto the
// error taxonomy. notFound is used when a locked wallet does not exist.
func (e *BalanceEngine) run(ctx context.Context, operation string, walletIDs []uuid.UUID, notFound *Error, fn func(ctx context.Context, tx repository.Tx) error) error {
	started := time.Now()
	err := storeError(e.store.WithLock(ctx, walletIDs, fn), notFound)
	e.metrics.ObserveOperation(operation, resultLabel(err), started)
	if err != nil {
		fields := []logger.Field{
			logger.StringField("operation", operation),
			logger.StringField("kind", KindOf(err).String()),
			logger.ErrorField("error", err),
		}
		if KindOf(err) == KindInternal {
			e.log.Error("Ledger operation failed", fields...)
		} else {
			e.log.Warn("Ledger operation rejected", fields...)
		}
	}
	return err
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

func (e *BalanceEngine) Deposit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*models.Transaction, error) {
	minor, err := e.toMinorUnits(amount)
	if err != nil {
		return nil, err
	}

	var (
		entry  *models.Transaction
		wallet *models.Wallet
	)
	err = e.run(ctx, "deposit", []uuid.UUID{walletID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		w, err := tx.Wallet(ctx, walletID)
		if err != nil {
			return err
		}
		entry = &models.Transaction{
			WalletID:    walletID,
			Type:        models.TransactionDeposit,
			Amount:      minor,
			Description: description,
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		w.Balance = entry.BalanceAfter
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, wallet, models.EventDeposit, minor, description)
	e.notify(wallet, fmt.Sprintf("Your wallet was credited with %s %s. Balance: %s %s.",
		e.currency.Format(minor), e.currency.Code, e.currency.Format(wallet.Balance), e.currency.Code))
	return entry, nil
}

func (e *BalanceEngine) Withdraw(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, description string) (*models.Transaction, error) {
	minor, err := e.toMinorUnits(amount)
	if err != nil {
		return nil, err
	}

	var (
		entry  *models.Transaction
		wallet *models.Wallet
	)
	err = e.run(ctx, "withdraw", []uuid.UUID{walletID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entry, wallet, err = e.withdrawInTx(ctx, tx, walletID, minor, description)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, wallet, models.EventWithdraw, minor, description)
	return entry, nil
}

// withdrawInTx debits a locked wallet. It checks the raw balance; callers
// that must respect pending holds check the available balance first.
func (e *BalanceEngine) withdrawInTx(ctx context.Context, tx repository.Tx, walletID uuid.UUID, minor int64, description string) (*models.Transaction, *models.Wallet, error) {
	w, err := tx.Wallet(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}
	if w.Balance < minor {
		e.log.Warn("Insufficient funds",
			logger.StringField("wallet_id", walletID.String()),
			logger.Int64Field("balance", w.Balance),
			logger.Int64Field("requested", minor))
		return nil, nil, ErrInsufficientFunds
	}
	entry := &models.Transaction{
		WalletID:    walletID,
		Type:        models.TransactionWithdraw,
		Amount:      minor,
		Description: description,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, nil, err
	}
	w.Balance = entry.BalanceAfter
	return entry, w, nil
}

// appendMarker records a hold or release. Neither changes the balance.
func (e *BalanceEngine) appendMarker(ctx context.Context, tx repository.Tx, typ models.TransactionType, walletID uuid.UUID, minor int64, description string) (*models.Transaction, error) {
	entry := &models.Transaction{
		WalletID:    walletID,
		Type:        typ,
		Amount:      minor,
		Description: description,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *BalanceEngine) Hold(ctx context.Context, tx repository.Tx, walletID uuid.UUID, minor int64, description string) (*models.Transaction, error) {
	return e.appendMarker(ctx, tx, models.TransactionHold, walletID, minor, description)
}

func (e *BalanceEngine) Release(ctx context.Context, tx repository.Tx, walletID uuid.UUID, minor int64, description string) (*models.Transaction, error) {
	return e.appendMarker(ctx, tx, models.TransactionRelease, walletID, minor, description)
}

// Transfer moves funds between two wallets addressed by account number. Both
// legs commit together. Funds held by pending withdrawals cannot be sent.
func (e *BalanceEngine) Transfer(ctx context.Context, fromAccountNumber, toAccountNumber string, amount decimal.Decimal, description string) (*models.Transaction, *models.Transaction, error) {
	if fromAccountNumber == toAccountNumber {
		return nil, nil, ErrSameAccountTransfer
	}
	minor, err := e.toMinorUnits(amount)
	if err != nil {
		return nil, nil, err
	}

	sender, err := e.store.GetWalletByAccountNumber(ctx, fromAccountNumber)
	if err != nil {
		return nil, nil, storeError(err, ErrWalletNotFound)
	}
	receiver, err := e.store.GetWalletByAccountNumber(ctx, toAccountNumber)
	if err != nil {
		return nil, nil, storeError(err, ErrDestinationNotFound)
	}
	if sender.ID == receiver.ID {
		return nil, nil, ErrSameAccountTransfer
	}

	var out, in *models.Transaction
	err = e.run(ctx, "transfer", []uuid.UUID{sender.ID, receiver.ID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, in, err = e.moveInTx(ctx, tx, sender, receiver, minor, description,
			models.TransactionTransferOut, models.TransactionTransferIn)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	sender.Balance, receiver.Balance = out.BalanceAfter, in.BalanceAfter
	e.emit(ctx, sender, models.EventTransferOut, minor, description)
	e.emit(ctx, receiver, models.EventTransferIn, minor, description)
	e.notify(sender, fmt.Sprintf("You sent %s %s to %s. Balance: %s %s.",
		e.currency.Format(minor), e.currency.Code, receiver.AccountNumber, e.currency.Format(sender.Balance), e.currency.Code))
	e.notify(receiver, fmt.Sprintf("You received %s %s from %s. Balance: %s %s.",
		e.currency.Format(minor), e.currency.Code, sender.AccountNumber, e.currency.Format(receiver.Balance), e.currency.Code))
	return out, in, nil
}

// moveInTx debits from and credits to inside one locked unit holding both
// wallets. The debit is checked against the available balance.
func (e *BalanceEngine) moveInTx(ctx context.Context, tx repository.Tx, from, to *models.Wallet, minor int64, description string, debit, credit models.TransactionType) (*models.Transaction, *models.Transaction, error) {
	src, err := tx.Wallet(ctx, from.ID)
	if err != nil {
		return nil, nil, err
	}
	pending, err := tx.PendingWithdrawalTotal(ctx, src.UserID)
	if err != nil {
		return nil, nil, err
	}
	if src.Balance-pending < minor {
		e.log.Warn("Insufficient available funds",
			logger.StringField("wallet_id", src.ID.String()),
			logger.Int64Field("balance", src.Balance),
			logger.Int64Field("held", pending),
			logger.Int64Field("requested", minor))
		return nil, nil, ErrInsufficientFunds
	}

	toAccount, fromAccount := to.AccountNumber, from.AccountNumber
	out := &models.Transaction{
		WalletID:                  from.ID,
		Type:                      debit,
		Amount:                    minor,
		Description:               description,
		CounterpartyAccountNumber: &toAccount,
	}
	if err := tx.AppendEntry(ctx, out); err != nil {
		return nil, nil, err
	}
	in := &models.Transaction{
		WalletID:                  to.ID,
		Type:                      credit,
		Amount:                    minor,
		Description:               description,
		CounterpartyAccountNumber: &fromAccount,
	}
	if err := tx.AppendEntry(ctx, in); err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

// GetAvailableBalance reports the raw balance and what is left after pending
// withdrawal requests. It takes no wallet lock.
func (e *BalanceEngine) GetAvailableBalance(ctx context.Context, userID string) (*models.Balances, error) {
	wallet, err := e.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, storeError(err, ErrWalletNotFound)
	}
	pending, err := e.store.PendingWithdrawalTotal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pending withdrawals: %w", err)
	}
	available := wallet.Balance - pending
	if available < 0 {
		available = 0
	}
	return &models.Balances{Balance: wallet.Balance, AvailableBalance: available}, nil
}

func (e *BalanceEngine) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	entries, err := e.store.ListTransactions(ctx, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return entries, nil
}

// Replay folds the wallet's full history and checks it against the stored
// balance.
func (e *BalanceEngine) Replay(ctx context.Context, walletID uuid.UUID) (int64, error) {
	wallet, err := e.store.GetWalletByID(ctx, walletID)
	if err != nil {
		return 0, storeError(err, ErrWalletNotFound)
	}
	entries, err := e.store.ListTransactions(ctx, walletID, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}
	folded, bad := models.Fold(entries)
	if bad != nil {
		e.log.Error("Ledger entry disagrees with running balance",
			logger.StringField("wallet_id", walletID.String()),
			logger.StringField("transaction_id", bad.ID.String()),
			logger.Int64Field("balance_after", bad.BalanceAfter),
			logger.Int64Field("running", folded))
		return folded, ErrLedgerMismatch
	}
	if folded != wallet.Balance {
		e.log.Error("Wallet balance disagrees with ledger",
			logger.StringField("wallet_id", walletID.String()),
			logger.Int64Field("balance", wallet.Balance),
			logger.Int64Field("folded", folded))
		return folded, ErrLedgerMismatch
	}
	return folded, nil
}

func (e *BalanceEngine) emit(ctx context.Context, w *models.Wallet, typ models.EventType, minor int64, description string) {
	if e.events == nil || w == nil {
		return
	}
	event := models.WalletEvent{
		Type:          typ,
		UserID:        w.UserID,
		AccountNumber: w.AccountNumber,
		Amount:        e.currency.Format(minor),
		Balance:       e.currency.Format(w.Balance),
		Description:   description,
		OccurredAt:    time.Now().UTC(),
	}
	err := e.events.Publish(context.WithoutCancel(ctx), w.UserID, event)
	e.metrics.ObserveSideEffect("event", err)
	if err != nil {
		e.log.Warn("Event broadcast failed",
			logger.StringField("kind", KindDependency.String()),
			logger.StringField("user_id", w.UserID),
			logger.StringField("event", string(typ)),
			logger.ErrorField("error", err))
	}
}

func (e *BalanceEngine) notify(w *models.Wallet, message string) {
	if e.notifier == nil || w == nil || w.ContactHint == "" {
		return
	}
	e.notifier.Notify(w.UserID, w.ContactHint, message)
}
