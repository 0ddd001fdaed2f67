package memory

import (
	"context"
	"fmt"

	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
)

// tx stages every write and publishes them under the store mutex on commit.
type tx struct {
	store       *Store
	locked      map[uuid.UUID]struct{}
	wallets     map[uuid.UUID]*models.Wallet
	entries     []*models.Transaction
	withdrawals map[uuid.UUID]*models.WithdrawalRequest
	newWithdraw []uuid.UUID
	commissions []*models.Commission
	reserved    []string
}

func newTx(s *Store, locked []uuid.UUID) *tx {
	t := &tx{
		store:       s,
		locked:      make(map[uuid.UUID]struct{}, len(locked)),
		wallets:     make(map[uuid.UUID]*models.Wallet, len(locked)),
		withdrawals: make(map[uuid.UUID]*models.WithdrawalRequest),
	}
	for _, id := range locked {
		t.locked[id] = struct{}{}
	}
	return t
}

func (t *tx) staged(id uuid.UUID) (*models.Wallet, error) {
	if _, ok := t.locked[id]; !ok {
		return nil, fmt.Errorf("wallet %s is not locked by this unit of work", id)
	}
	if w, ok := t.wallets[id]; ok {
		return w, nil
	}
	w, err := t.store.GetWalletByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	t.wallets[id] = w
	return w, nil
}

func (t *tx) Wallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	w, err := t.staged(id)
	if err != nil {
		return nil, err
	}
	out := *w
	return &out, nil
}

func (t *tx) AppendEntry(ctx context.Context, entry *models.Transaction) error {
	if !entry.Type.Valid() {
		return fmt.Errorf("unknown transaction type %q", entry.Type)
	}
	if entry.Amount <= 0 {
		return fmt.Errorf("entry amount must be positive, got %d", entry.Amount)
	}
	w, err := t.staged(entry.WalletID)
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
	entry.BalanceAfter = newBalance
	entry.CreatedAt = t.store.now()
	w.Balance = newBalance
	w.UpdatedAt = entry.CreatedAt

	t.entries = append(t.entries, entry)
	return nil
}

func (t *tx) lookupWithdrawal(id uuid.UUID) (*models.WithdrawalRequest, bool) {
	if w, ok := t.withdrawals[id]; ok {
		return w, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	w, ok := t.store.withdrawals[id]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

func (t *tx) PendingWithdrawalTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	t.store.mu.RLock()
	for id, w := range t.store.withdrawals {
		if _, overridden := t.withdrawals[id]; overridden {
			continue
		}
		if w.UserID == userID && w.Status == models.WithdrawalPending {
			total += w.Amount
		}
	}
	t.store.mu.RUnlock()
	for _, w := range t.withdrawals {
		if w.UserID == userID && w.Status == models.WithdrawalPending {
			total += w.Amount
		}
	}
	return total, nil
}

func (t *tx) InsertWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if _, exists := t.lookupWithdrawal(req.ID); exists {
		return fmt.Errorf("withdrawal %s already exists", req.ID)
	}
	req.RequestedAt = t.store.now()
	cp := *req
	t.withdrawals[req.ID] = &cp
	t.newWithdraw = append(t.newWithdraw, req.ID)
	return nil
}

func (t *tx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	w, ok := t.lookupWithdrawal(id)
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal %s", repository.ErrNotFound, id)
	}
	out := *w
	return &out, nil
}

func (t *tx) ResolveWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	if _, ok := t.lookupWithdrawal(req.ID); !ok {
		return fmt.Errorf("%w: withdrawal %s", repository.ErrNotFound, req.ID)
	}
	cp := *req
	t.withdrawals[req.ID] = &cp
	return nil
}

func (t *tx) InsertCommission(ctx context.Context, c *models.Commission) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.commissions[c.SubscriptionID]; ok {
		return false, nil
	}
	if _, ok := t.store.reservedSubs[c.SubscriptionID]; ok {
		return false, nil
	}
	t.store.reservedSubs[c.SubscriptionID] = struct{}{}
	t.reserved = append(t.reserved, c.SubscriptionID)

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = t.store.now()
	cp := *c
	t.commissions = append(t.commissions, &cp)
	return true, nil
}

func (t *tx) CommissionBySubscription(ctx context.Context, subscriptionID string) (*models.Commission, error) {
	for _, c := range t.commissions {
		if c.SubscriptionID == subscriptionID {
			out := *c
			return &out, nil
		}
	}
	return t.store.GetCommissionBySubscription(ctx, subscriptionID)
}

func (t *tx) rollback() {
	if len(t.reserved) == 0 {
		return
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, sub := range t.reserved {
		delete(t.store.reservedSubs, sub)
	}
}

func (t *tx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range t.wallets {
		cp := *w
		s.wallets[id] = &cp
	}
	for _, e := range t.entries {
		s.seq++
		e.Seq = s.seq
		s.entries[e.WalletID] = append(s.entries[e.WalletID], *e)
	}
	for _, id := range t.newWithdraw {
		s.withdrawalOrder = append(s.withdrawalOrder, id)
	}
	for id, w := range t.withdrawals {
		cp := *w
		s.withdrawals[id] = &cp
	}
	for _, c := range t.commissions {
		cp := *c
		s.commissions[c.SubscriptionID] = &cp
		s.commissionOrder = append(s.commissionOrder, c.SubscriptionID)
		delete(s.reservedSubs, c.SubscriptionID)
	}
}
