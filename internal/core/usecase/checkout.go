package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PurchaseRequest struct {
	BuyerUserID string
	// ClientUserID is who the subscription is for. Empty means the buyer;
	// an agent buying for a client pays from its own wallet.
	ClientUserID   string
	Price          decimal.Decimal
	SubscriptionID string
	// AgentUserID and CommissionRate are optional; with both set the agent
	// earns a commission on the purchase.
	AgentUserID    string
	CommissionRate decimal.Decimal
	Description    string
}

type PurchaseResult struct {
	Debit      *models.Transaction `json:"debit"`
	Credit     *models.Transaction `json:"credit"`
	Commission *models.Commission  `json:"commission,omitempty"`
}

// Checkout pays for subscriptions from the buyer's wallet into the treasury
// wallet.
type Checkout struct {
	accounts    *AccountResolver
	engine      *BalanceEngine
	commissions *CommissionLedger
	treasury    string
	log         logger.Logger
}

func NewCheckout(accounts *AccountResolver, engine *BalanceEngine, commissions *CommissionLedger, treasuryUserID string, log logger.Logger) *Checkout {
	return &Checkout{
		accounts:    accounts,
		engine:      engine,
		commissions: commissions,
		treasury:    treasuryUserID,
		log:         log,
	}
}

// Purchase moves the price from buyer to treasury in one locked unit. The
// commission is recorded afterwards; failing to record it does not undo the
// purchase, and repeating the call with the same subscription id records it
// at most once.
func (c *Checkout) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	req.BuyerUserID = strings.TrimSpace(req.BuyerUserID)
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.BuyerUserID == "" || req.SubscriptionID == "" {
		return nil, ErrInvalidRequest
	}
	if req.BuyerUserID == c.treasury {
		return nil, ErrSameAccountTransfer
	}
	withCommission := strings.TrimSpace(req.AgentUserID) != ""
	if withCommission && (!req.CommissionRate.IsPositive() || req.CommissionRate.GreaterThan(decimal.NewFromInt(1))) {
		return nil, ErrInvalidCommissionRate
	}
	minor, err := c.engine.toMinorUnits(req.Price)
	if err != nil {
		return nil, err
	}

	buyer, err := c.accounts.GetWalletByUserID(ctx, req.BuyerUserID)
	if err != nil {
		return nil, err
	}
	treasury, err := c.accounts.EnsureWallet(ctx, c.treasury, "")
	if err != nil {
		return nil, fmt.Errorf("treasury wallet: %w", err)
	}

	description := req.Description
	if description == "" {
		description = "Subscription " + req.SubscriptionID
	}

	result := &PurchaseResult{}
	err = c.engine.run(ctx, "purchase", []uuid.UUID{buyer.ID, treasury.ID}, ErrWalletNotFound, func(ctx context.Context, tx repository.Tx) error {
		var err error
		result.Debit, result.Credit, err = c.engine.moveInTx(ctx, tx, buyer, treasury, minor, description,
			models.TransactionWithdraw, models.TransactionDeposit)
		return err
	})
	if err != nil {
		return nil, err
	}

	buyer.Balance = result.Debit.BalanceAfter
	treasury.Balance = result.Credit.BalanceAfter
	c.log.Info("Purchase completed",
		logger.StringField("buyer_user_id", req.BuyerUserID),
		logger.StringField("subscription_id", req.SubscriptionID),
		logger.Int64Field("price", minor))
	cur := c.engine.currency
	c.engine.emit(ctx, buyer, models.EventPurchase, minor, description)
	c.engine.emit(ctx, treasury, models.EventDeposit, minor, description)
	c.engine.notify(buyer, fmt.Sprintf("You paid %s %s for %s. Balance: %s %s.",
		cur.Format(minor), cur.Code, description, cur.Format(buyer.Balance), cur.Code))

	if withCommission {
		client := strings.TrimSpace(req.ClientUserID)
		if client == "" {
			client = req.BuyerUserID
		}
		result.Commission, err = c.commissions.CreateCommission(ctx, CommissionInput{
			AgentUserID:    req.AgentUserID,
			ClientUserID:   client,
			SubscriptionID: req.SubscriptionID,
			Amount:         req.Price,
			Rate:           req.CommissionRate,
		})
		if err != nil {
			c.log.Error("Commission not recorded for completed purchase",
				logger.StringField("subscription_id", req.SubscriptionID),
				logger.StringField("agent_user_id", req.AgentUserID),
				logger.ErrorField("error", err))
		}
	}
	return result, nil
}
