// Package memory is an in-process Store. Wallet locks are per-process, so it
// is only suitable for a single-instance deployment and for tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/google/uuid"
)

const DefaultLockTimeout = 5 * time.Second

type Store struct {
	mu              sync.RWMutex
	wallets         map[uuid.UUID]*models.Wallet
	byUser          map[string]uuid.UUID
	byAccount       map[string]uuid.UUID
	entries         map[uuid.UUID][]models.Transaction
	withdrawals     map[uuid.UUID]*models.WithdrawalRequest
	withdrawalOrder []uuid.UUID
	commissions     map[string]*models.Commission
	commissionOrder []string
	reservedSubs    map[string]struct{}
	seq             int64

	locksMu     sync.Mutex
	locks       map[uuid.UUID]chan struct{}
	lockTimeout time.Duration
	now         func() time.Time
}

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = repository.BoundLockTimeout(d) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		wallets:      make(map[uuid.UUID]*models.Wallet),
		byUser:       make(map[string]uuid.UUID),
		byAccount:    make(map[string]uuid.UUID),
		entries:      make(map[uuid.UUID][]models.Transaction),
		withdrawals:  make(map[uuid.UUID]*models.WithdrawalRequest),
		commissions:  make(map[string]*models.Commission),
		reservedSubs: make(map[string]struct{}),
		locks:        make(map[uuid.UUID]chan struct{}),
		lockTimeout:  DefaultLockTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repository.Store = (*Store)(nil)

func (s *Store) lockFor(id uuid.UUID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *Store) WithLock(ctx context.Context, walletIDs []uuid.UUID, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	ordered := repository.LockOrder(walletIDs)

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	held := make([]chan struct{}, 0, len(ordered))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}()

	for _, id := range ordered {
		ch := s.lockFor(id)
		// a free lock is taken even if the timer has already fired
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
			continue
		default:
		}
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			return repository.ErrLockTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	tx := newTx(s, ordered)
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.commit()
	committed = true
	return nil
}

func (s *Store) CreateWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[w.UserID]; ok {
		existing := *s.wallets[id]
		return &existing, nil
	}
	if _, ok := s.byAccount[w.AccountNumber]; ok {
		return nil, repository.ErrDuplicateAccountNumber
	}

	stored := *w
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := s.now()
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.wallets[stored.ID] = &stored
	s.byUser[stored.UserID] = stored.ID
	s.byAccount[stored.AccountNumber] = stored.ID

	out := stored
	return &out, nil
}

func (s *Store) GetWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", repository.ErrNotFound, id)
	}
	out := *w
	return &out, nil
}

func (s *Store) GetWalletByUserID(ctx context.Context, userID string) (*models.Wallet, error) {
	s.mu.RLock()
	id, ok := s.byUser[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wallet for user %s", repository.ErrNotFound, userID)
	}
	return s.GetWalletByID(ctx, id)
}

func (s *Store) GetWalletByAccountNumber(ctx context.Context, accountNumber string) (*models.Wallet, error) {
	s.mu.RLock()
	id, ok := s.byAccount[accountNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: account %s", repository.ErrNotFound, accountNumber)
	}
	return s.GetWalletByID(ctx, id)
}

func (s *Store) ListTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.entries[walletID], limit, offset), nil
}

func (s *Store) PendingWithdrawalTotal(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, w := range s.withdrawals {
		if w.UserID == userID && w.Status == models.WithdrawalPending {
			total += w.Amount
		}
	}
	return total, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal %s", repository.ErrNotFound, id)
	}
	out := *w
	return &out, nil
}

func (s *Store) filterWithdrawals(filter models.WithdrawalFilter) []models.WithdrawalRequest {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var out []models.WithdrawalRequest
	// newest first
	for i := len(s.withdrawalOrder) - 1; i >= 0; i-- {
		w := s.withdrawals[s.withdrawalOrder[i]]
		if filter.Status != nil && w.Status != *filter.Status {
			continue
		}
		if search != "" && !matchesSearch(w, search) {
			continue
		}
		out = append(out, *w)
	}
	return out
}

func matchesSearch(w *models.WithdrawalRequest, search string) bool {
	if strings.Contains(strings.ToLower(w.UserID), search) {
		return true
	}
	if strings.Contains(w.ID.String(), search) {
		return true
	}
	return w.AdminMessage != nil && strings.Contains(strings.ToLower(*w.AdminMessage), search)
}

func (s *Store) ListWithdrawals(ctx context.Context, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.filterWithdrawals(filter), filter.Limit, filter.Offset), nil
}

func (s *Store) CountWithdrawals(ctx context.Context, filter models.WithdrawalFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filterWithdrawals(filter))), nil
}

func (s *Store) GetCommissionBySubscription(ctx context.Context, subscriptionID string) (*models.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commissions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: commission for subscription %s", repository.ErrNotFound, subscriptionID)
	}
	out := *c
	return &out, nil
}

func (s *Store) ListAgentCommissions(ctx context.Context, agentUserID string, limit, offset int) ([]models.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Commission
	for i := len(s.commissionOrder) - 1; i >= 0; i-- {
		c := s.commissions[s.commissionOrder[i]]
		if c.AgentUserID == agentUserID {
			out = append(out, *c)
		}
	}
	return paginate(out, limit, offset), nil
}

func (s *Store) AgentStats(ctx context.Context, agentUserID string) (*models.AgentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.AgentStats{AgentUserID: agentUserID}
	clients := make(map[string]struct{})
	for _, c := range s.commissions {
		if c.AgentUserID != agentUserID {
			continue
		}
		stats.CommissionCount++
		stats.TotalEarned += c.Amount
		clients[c.ClientUserID] = struct{}{}
	}
	stats.ClientCount = int64(len(clients))
	return stats, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
