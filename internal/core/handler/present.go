package handler

import (
	"time"

	"github.com/Nzyazin/ledger/internal/core/models"
)

// presenter renders minor units as fixed-precision decimal strings.
type presenter struct {
	cur models.Currency
}

func (p presenter) wallet(w *models.Wallet, b *models.Balances) walletResponse {
	return walletResponse{
		AccountNumber:    w.AccountNumber,
		Currency:         p.cur.Code,
		Balance:          p.cur.Format(b.Balance),
		AvailableBalance: p.cur.Format(b.AvailableBalance),
	}
}

func (p presenter) transaction(t *models.Transaction) transactionResponse {
	return transactionResponse{
		ID:                        t.ID.String(),
		Type:                      string(t.Type),
		Amount:                    p.cur.Format(t.Amount),
		BalanceAfter:              p.cur.Format(t.BalanceAfter),
		Description:               t.Description,
		CounterpartyAccountNumber: t.CounterpartyAccountNumber,
		CreatedAt:                 t.CreatedAt.Format(time.RFC3339),
	}
}

func (p presenter) transactions(list []models.Transaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(list))
	for i := range list {
		out = append(out, p.transaction(&list[i]))
	}
	return out
}

func (p presenter) withdrawal(w *models.WithdrawalRequest) withdrawalResponse {
	resp := withdrawalResponse{
		ID:           w.ID.String(),
		UserID:       w.UserID,
		Amount:       p.cur.Format(w.Amount),
		Status:       string(w.Status),
		RequestedAt:  w.RequestedAt.Format(time.RFC3339),
		AdminMessage: w.AdminMessage,
	}
	if w.ResolvedAt != nil {
		resolved := w.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &resolved
	}
	return resp
}

func (p presenter) commission(c *models.Commission) commissionResponse {
	return commissionResponse{
		ID:             c.ID.String(),
		AgentUserID:    c.AgentUserID,
		ClientUserID:   c.ClientUserID,
		SubscriptionID: c.SubscriptionID,
		Amount:         p.cur.Format(c.Amount),
		BaseAmount:     p.cur.Format(c.BaseAmount),
		CommissionRate: c.CommissionRate.String(),
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
}
