package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	codeUniqueViolation   = "23505"
	codeCheckViolation    = "23514"
	codeSerialization     = "40001"
	codeDeadlock          = "40P01"
	codeLockNotAvailable  = "55P03"
	codeQueryCanceled     = "57014"
	accountNumberUniqueIx = "wallets_account_number_key"
)

const walletColumns = `id, user_id, account_number, balance, contact_hint, created_at, updated_at`

const transactionColumns = `id, seq, wallet_id, type, amount, balance_after, description,
	counterparty_account_number, created_at`

const withdrawalColumns = `id, user_id, wallet_id, amount, status, requested_at, resolved_at, admin_message`

const commissionColumns = `id, agent_user_id, client_user_id, subscription_id, amount, base_amount,
	commission_rate, created_at`

// Store keeps the ledger in Postgres. Wallet locks are row locks, so several
// instances can share one database.
type Store struct {
	db          *sqlx.DB
	log         logger.Logger
	lockTimeout time.Duration
}

func NewStore(db *sqlx.DB, lockTimeout time.Duration, log logger.Logger) *Store {
	return &Store{
		db:          db,
		log:         log,
		lockTimeout: repository.BoundLockTimeout(lockTimeout),
	}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) WithLock(ctx context.Context, walletIDs []uuid.UUID, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		s.log.Error("Error beginning transaction", logger.ErrorField("error", err))
		return s.mapError(ctx, fmt.Errorf("begin transaction: %w", err))
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("Transaction rollback failed", logger.ErrorField("error", rbErr))
		} else if err != nil {
			s.log.Debug("Transaction rolled back", logger.ErrorField("error", err))
		}
	}()

	timeout := strconv.FormatInt(s.lockTimeout.Milliseconds(), 10) + "ms"
	if _, err = sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return s.mapError(ctx, fmt.Errorf("set lock timeout: %w", err))
	}

	t := &pgTx{tx: sqlTx, locked: make(map[uuid.UUID]*models.Wallet, len(walletIDs))}
	for _, id := range repository.LockOrder(walletIDs) {
		var w models.Wallet
		err = sqlTx.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: wallet %s", repository.ErrNotFound, id)
		}
		if err != nil {
			return s.mapError(ctx, fmt.Errorf("lock wallet %s: %w", id, err))
		}
		t.locked[id] = &w
	}

	if err = fn(ctx, t); err != nil {
		return s.mapError(ctx, err)
	}

	if err = sqlTx.Commit(); err != nil {
		s.log.Error("Error committing transaction", logger.ErrorField("error", err))
		return s.mapError(ctx, fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// mapError folds driver errors into the repository sentinels. Lock waits that
// ran out, deadlocks and serialization failures all leave nothing behind and
// are reported as ErrLockTimeout.
func (s *Store) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", repository.ErrLockTimeout, ctxErr)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeLockNotAvailable, codeDeadlock, codeSerialization, codeQueryCanceled:
		s.log.Warn("Wallet lock not acquired",
			logger.StringField("sqlstate", string(pqErr.Code)),
			logger.ErrorField("error", err))
		return fmt.Errorf("%w: %s", repository.ErrLockTimeout, pqErr.Message)
	case codeCheckViolation:
		return fmt.Errorf("%w: %s", repository.ErrNegativeBalance, pqErr.Constraint)
	}
	return err
}

func (s *Store) CreateWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, error) {
	id := w.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, account_number, balance, contact_hint)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		id, w.UserID, w.AccountNumber, w.ContactHint)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation && pqErr.Constraint == accountNumberUniqueIx {
			return nil, repository.ErrDuplicateAccountNumber
		}
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return s.GetWalletByUserID(ctx, w.UserID)
}

func (s *Store) getWallet(ctx context.Context, where string, arg any) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.GetContext(ctx, &wallet, `SELECT `+walletColumns+` FROM wallets WHERE `+where+` = $1`, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet with %s %v", repository.ErrNotFound, where, arg)
		}
		return nil, fmt.Errorf("error getting wallet: %w", err)
	}
	return &wallet, nil
}

func (s *Store) GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return s.getWallet(ctx, "id", id)
}

func (s *Store) GetWalletByUserID(ctx context.Context, userID string) (*models.Wallet, error) {
	return s.getWallet(ctx, "user_id", userID)
}

func (s *Store) GetWalletByAccountNumber(ctx context.Context, accountNumber string) (*models.Wallet, error) {
	return s.getWallet(ctx, "account_number", accountNumber)
}

func (s *Store) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE wallet_id = $1 ORDER BY seq`
	args := []any{walletID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, max(offset, 0))
	} else if offset > 0 {
		query += ` OFFSET $2`
		args = append(args, offset)
	}

	entries := []models.Transaction{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return entries, nil
}

func (s *Store) PendingWithdrawalTotal(ctx context.Context, userID string) (int64, error) {
	return pendingTotal(ctx, s.db, userID)
}

func pendingTotal(ctx context.Context, q sqlx.QueryerContext, userID string) (int64, error) {
	var total int64
	err := sqlx.GetContext(ctx, q, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests
		WHERE user_id = $1 AND status = 'pending'`, userID)
	if err != nil {
		return 0, fmt.Errorf("pending withdrawal total: %w", err)
	}
	return total, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := s.db.GetContext(ctx, &req, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: withdrawal %s", repository.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	return &req, nil
}

func withdrawalWhere(filter models.WithdrawalFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(user_id ILIKE $%d OR id::text ILIKE $%d OR admin_message ILIKE $%d)", n, n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) ListWithdrawals(ctx context.Context, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	where, args := withdrawalWhere(filter)
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests` + where +
		` ORDER BY requested_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, max(filter.Offset, 0))
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	list := []models.WithdrawalRequest{}
	if err := s.db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	return list, nil
}

func (s *Store) CountWithdrawals(ctx context.Context, filter models.WithdrawalFilter) (int64, error) {
	where, args := withdrawalWhere(filter)
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM withdrawal_requests`+where, args...); err != nil {
		return 0, fmt.Errorf("count withdrawals: %w", err)
	}
	return n, nil
}

func (s *Store) GetCommissionBySubscription(ctx context.Context, subscriptionID string) (*models.Commission, error) {
	return commissionBySubscription(ctx, s.db, subscriptionID)
}

func commissionBySubscription(ctx context.Context, q sqlx.QueryerContext, subscriptionID string) (*models.Commission, error) {
	var c models.Commission
	err := sqlx.GetContext(ctx, q, &c, `SELECT `+commissionColumns+` FROM agent_commissions WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: commission for subscription %s", repository.ErrNotFound, subscriptionID)
		}
		return nil, fmt.Errorf("get commission: %w", err)
	}
	return &c, nil
}

func (s *Store) ListAgentCommissions(ctx context.Context, agentUserID string, limit, offset int) ([]models.Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM agent_commissions
		WHERE agent_user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{agentUserID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, max(offset, 0))
	}

	list := []models.Commission{}
	if err := s.db.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	return list, nil
}

func (s *Store) AgentStats(ctx context.Context, agentUserID string) (*models.AgentStats, error) {
	stats := models.AgentStats{AgentUserID: agentUserID}
	err := s.db.GetContext(ctx, &stats, `
		SELECT $1::text AS agent_user_id,
			COUNT(*) AS commission_count,
			COUNT(DISTINCT client_user_id) AS client_count,
			COALESCE(SUM(amount), 0) AS total_earned
		FROM agent_commissions WHERE agent_user_id = $1`, agentUserID)
	if err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}
	return &stats, nil
}
