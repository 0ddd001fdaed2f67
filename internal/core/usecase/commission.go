package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommissionInput describes one client purchase that pays an agent.
type CommissionInput struct {
	AgentUserID    string
	ClientUserID   string
	SubscriptionID string
	Amount         decimal.Decimal
	Rate           decimal.Decimal
}

// CommissionLedger credits agents for client purchases. Each subscription pays
// its agent at most once, however many times the call is repeated.
type CommissionLedger struct {
	store    repository.Store
	accounts *AccountResolver
	engine   *BalanceEngine
	log      logger.Logger
}

func NewCommissionLedger(store repository.Store, accounts *AccountResolver, engine *BalanceEngine, log logger.Logger) *CommissionLedger {
	return &CommissionLedger{store: store, accounts: accounts, engine: engine, log: log}
}

func (c *CommissionLedger) CreateCommission(ctx context.Context, in CommissionInput) (*models.Commission, error) {
	in.AgentUserID = strings.TrimSpace(in.AgentUserID)
	in.ClientUserID = strings.TrimSpace(in.ClientUserID)
	in.SubscriptionID = strings.TrimSpace(in.SubscriptionID)
	if in.AgentUserID == "" || in.ClientUserID == "" || in.SubscriptionID == "" {
		return nil, ErrInvalidRequest
	}
	if !in.Rate.IsPositive() || in.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidCommissionRate
	}

	cur := c.engine.currency
	base, err := c.engine.toMinorUnits(in.Amount)
	if err != nil {
		return nil, err
	}
	commission, err := c.engine.toMinorUnits(in.Amount.Mul(in.Rate).RoundBank(cur.Exponent))
	if err != nil {
		// the rate shrank the amount below one minor unit
		return nil, err
	}

	existing, err := c.store.GetCommissionBySubscription(ctx, in.SubscriptionID)
	if err == nil {
		c.log.Info("Commission already recorded",
			logger.StringField("subscription_id", in.SubscriptionID),
			logger.StringField("agent_user_id", existing.AgentUserID))
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get commission: %w", err)
	}

	wallet, err := c.accounts.EnsureWallet(ctx, in.AgentUserID, "")
	if err != nil {
		return nil, err
	}

	var (
		record   *models.Commission
		inserted bool
	)
	err = c.engine.run(ctx, "commission", []uuid.UUID{wallet.ID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		record = &models.Commission{
			AgentUserID:    in.AgentUserID,
			ClientUserID:   in.ClientUserID,
			SubscriptionID: in.SubscriptionID,
			Amount:         commission,
			BaseAmount:     base,
			CommissionRate: in.Rate,
		}
		var err error
		inserted, err = tx.InsertCommission(ctx, record)
		if err != nil {
			return err
		}
		if !inserted {
			record, err = tx.CommissionBySubscription(ctx, in.SubscriptionID)
			if errors.Is(err, repository.ErrNotFound) {
				// another caller holds the subscription but has not committed yet
				return ErrLockTimeout
			}
			return err
		}

		entry := &models.Transaction{
			WalletID:    wallet.ID,
			Type:        models.TransactionCommission,
			Amount:      commission,
			Description: "Commission for subscription " + in.SubscriptionID,
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		wallet.Balance = entry.BalanceAfter
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return record, nil
	}

	c.log.Info("Commission recorded",
		logger.StringField("agent_user_id", in.AgentUserID),
		logger.StringField("client_user_id", in.ClientUserID),
		logger.StringField("subscription_id", in.SubscriptionID),
		logger.Int64Field("amount", commission))
	c.engine.emit(ctx, wallet, models.EventCommission, commission, "Commission for subscription "+in.SubscriptionID)
	c.engine.notify(wallet, fmt.Sprintf("You earned a commission of %s %s. Balance: %s %s.",
		cur.Format(commission), cur.Code, cur.Format(wallet.Balance), cur.Code))
	return record, nil
}

func (c *CommissionLedger) GetAgentStats(ctx context.Context, agentUserID string) (*models.AgentStats, error) {
	stats, err := c.store.AgentStats(ctx, agentUserID)
	if err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}
	return stats, nil
}

func (c *CommissionLedger) ListAgentCommissions(ctx context.Context, agentUserID string, limit, offset int) ([]models.Commission, error) {
	limit, offset = NormalizePage(limit, offset)
	list, err := c.store.ListAgentCommissions(ctx, agentUserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	return list, nil
}
