package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/Nzyazin/ledger/internal/core/repository/memory"
	"github.com/Nzyazin/ledger/internal/core/usecase"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	userID string
	event  models.WalletEvent
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(ctx context.Context, userID string, event models.WalletEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{userID: userID, event: event})
	return nil
}

func (r *eventRecorder) types(userID string) []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventType
	for _, e := range r.events {
		if e.userID == userID {
			out = append(out, e.event.Type)
		}
	}
	return out
}

type notification struct {
	userID, contact, text string
}

type notifierRecorder struct {
	mu   sync.Mutex
	sent []notification
}

func (n *notifierRecorder) Notify(userID, contact, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{userID: userID, contact: contact, text: text})
}

func (n *notifierRecorder) count(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.userID == userID {
			c++
		}
	}
	return c
}

var errDisk = errors.New("disk full")

// faultyStore fails the failOn-th AppendEntry of every unit of work.
type faultyStore struct {
	repository.Store
	failOn int
}

func (f *faultyStore) WithLock(ctx context.Context, ids []uuid.UUID, fn func(ctx context.Context, tx repository.Tx) error) error {
	return f.Store.WithLock(ctx, ids, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, failOn: f.failOn})
	})
}

type faultyTx struct {
	repository.Tx
	failOn int
	calls  int
}

func (t *faultyTx) AppendEntry(ctx context.Context, entry *models.Transaction) error {
	t.calls++
	if t.calls == t.failOn {
		return errDisk
	}
	return t.Tx.AppendEntry(ctx, entry)
}

type ledger struct {
	store       repository.Store
	accounts    *usecase.AccountResolver
	engine      *usecase.BalanceEngine
	withdrawals *usecase.WithdrawalWorkflow
	commissions *usecase.CommissionLedger
	checkout    *usecase.Checkout
	events      *eventRecorder
	notes       *notifierRecorder
}

func newLedger(store repository.Store) *ledger {
	log := logger.NewNop()
	events := &eventRecorder{}
	notes := &notifierRecorder{}
	accounts := usecase.NewAccountResolver(store, log)
	engine := usecase.NewBalanceEngine(store, events, notes, nil, log)
	commissions := usecase.NewCommissionLedger(store, accounts, engine, log)
	return &ledger{
		store:       store,
		accounts:    accounts,
		engine:      engine,
		withdrawals: usecase.NewWithdrawalWorkflow(store, engine, log),
		commissions: commissions,
		checkout:    usecase.NewCheckout(accounts, engine, commissions, "treasury", log),
		events:      events,
		notes:       notes,
	}
}

func omr(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (l *ledger) wallet(t *testing.T, userID string) *models.Wallet {
	t.Helper()
	w, err := l.accounts.EnsureWallet(context.Background(), userID, userID+"@example.com")
	require.NoError(t, err)
	return w
}

func (l *ledger) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := l.store.GetWalletByUserID(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (l *ledger) assertReplays(t *testing.T, w *models.Wallet) {
	t.Helper()
	folded, err := l.engine.Replay(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, l.balance(t, w.UserID), folded)
}

func TestDepositWithdrawTransferScenario(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	bob := l.wallet(t, "bob")

	_, err := l.engine.Deposit(ctx, alice.ID, omr("10"), "top up")
	require.NoError(t, err)
	entry, err := l.engine.Deposit(ctx, alice.ID, omr("5"), "top up")
	require.NoError(t, err)
	assert.Equal(t, int64(15_000), entry.BalanceAfter)

	_, err = l.engine.Withdraw(ctx, alice.ID, omr("20"), "cash out")
	assert.ErrorIs(t, err, usecase.ErrInsufficientFunds)
	assert.Equal(t, int64(15_000), l.balance(t, "alice"))

	out, in, err := l.engine.Transfer(ctx, alice.AccountNumber, bob.AccountNumber, omr("15"), "rent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.BalanceAfter)
	assert.Equal(t, int64(15_000), in.BalanceAfter)
	require.NotNil(t, out.CounterpartyAccountNumber)
	assert.Equal(t, bob.AccountNumber, *out.CounterpartyAccountNumber)

	l.assertReplays(t, alice)
	l.assertReplays(t, bob)
	assert.Equal(t, []models.EventType{models.EventDeposit, models.EventDeposit, models.EventTransferOut}, l.events.types("alice"))
	assert.Equal(t, []models.EventType{models.EventTransferIn}, l.events.types("bob"))
	assert.Equal(t, 3, l.notes.count("alice"))

	history, err := l.engine.ListTransactions(ctx, alice.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Less(t, history[0].Seq, history[2].Seq)
}

func TestDirectWithdrawIsNotAnApproval(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	_, err := l.engine.Deposit(ctx, alice.ID, omr("4"), "")
	require.NoError(t, err)

	_, err = l.engine.Withdraw(ctx, alice.ID, omr("1.5"), "atm")
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{models.EventDeposit, models.EventWithdraw}, l.events.types("alice"))
	assert.Equal(t, int64(2_500), l.balance(t, "alice"))
}

func TestAmountValidation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	bob := l.wallet(t, "bob")

	for _, amount := range []string{"0", "-1", "1.0001"} {
		_, err := l.engine.Deposit(ctx, alice.ID, omr(amount), "")
		assert.ErrorIs(t, err, usecase.ErrInvalidAmount, amount)
		assert.Equal(t, usecase.KindValidation, usecase.KindOf(err))
	}

	_, _, err := l.engine.Transfer(ctx, alice.AccountNumber, alice.AccountNumber, omr("1"), "")
	assert.ErrorIs(t, err, usecase.ErrSameAccountTransfer)
	_, _, err = l.engine.Transfer(ctx, alice.AccountNumber, "WLNOPE", omr("1"), "")
	assert.ErrorIs(t, err, usecase.ErrDestinationNotFound)
	_, _, err = l.engine.Transfer(ctx, "WLNOPE", bob.AccountNumber, omr("1"), "")
	assert.ErrorIs(t, err, usecase.ErrWalletNotFound)
	_, err = l.engine.Deposit(ctx, uuid.New(), omr("1"), "")
	assert.ErrorIs(t, err, usecase.ErrWalletNotFound)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	_, err := l.engine.Deposit(ctx, alice.ID, omr("10"), "")
	require.NoError(t, err)

	const goroutines = 10
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.engine.Withdraw(ctx, alice.ID, omr("10"), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, usecase.ErrInsufficientFunds)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(0), l.balance(t, "alice"))
	l.assertReplays(t, alice)
}

func TestTransferIsAtomic(t *testing.T) {
	ctx := context.Background()
	base := memory.NewStore()
	seed := newLedger(base)
	alice := seed.wallet(t, "alice")
	bob := seed.wallet(t, "bob")
	_, err := seed.engine.Deposit(ctx, alice.ID, omr("10"), "")
	require.NoError(t, err)

	l := newLedger(&faultyStore{Store: base, failOn: 2})
	_, _, err = l.engine.Transfer(ctx, alice.AccountNumber, bob.AccountNumber, omr("4"), "")
	require.ErrorIs(t, err, errDisk)
	assert.Equal(t, usecase.KindInternal, usecase.KindOf(err))

	assert.Equal(t, int64(10_000), seed.balance(t, "alice"))
	assert.Equal(t, int64(0), seed.balance(t, "bob"))
	entries, err := base.ListTransactions(ctx, bob.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, l.events.types("alice"))
	seed.assertReplays(t, alice)
}

func TestCrossingTransfersConserveTotal(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	bob := l.wallet(t, "bob")
	_, err := l.engine.Deposit(ctx, alice.ID, omr("100"), "")
	require.NoError(t, err)
	_, err = l.engine.Deposit(ctx, bob.ID, omr("100"), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = l.engine.Transfer(ctx, alice.AccountNumber, bob.AccountNumber, omr("1.5"), "")
		}()
		go func() {
			defer wg.Done()
			_, _, _ = l.engine.Transfer(ctx, bob.AccountNumber, alice.AccountNumber, omr("2"), "")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(200_000), l.balance(t, "alice")+l.balance(t, "bob"))
	l.assertReplays(t, alice)
	l.assertReplays(t, bob)
}

func TestLockTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.WithLockTimeout(20 * time.Millisecond))
	l := newLedger(store)
	alice := l.wallet(t, "alice")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.WithLock(ctx, []uuid.UUID{alice.ID}, func(context.Context, repository.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := l.engine.Deposit(ctx, alice.ID, omr("1"), "")
	assert.ErrorIs(t, err, usecase.ErrLockTimeout)
	assert.True(t, usecase.IsRetryable(err))
	assert.Equal(t, usecase.KindConflict, usecase.KindOf(err))

	close(release)
	<-done
	_, err = l.engine.Deposit(ctx, alice.ID, omr("1"), "")
	assert.NoError(t, err)
}

func TestEnsureWalletConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())

	const goroutines = 20
	ids := make(chan uuid.UUID, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := l.accounts.EnsureWallet(ctx, "carol", "")
			if assert.NoError(t, err) {
				ids <- w.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}

	_, err := l.accounts.EnsureWallet(ctx, "  ", "")
	assert.ErrorIs(t, err, usecase.ErrInvalidRequest)
	missing, err := l.accounts.GetWalletByAccountNumber(ctx, "WLNOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWithdrawalWorkflow(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	bob := l.wallet(t, "bob")
	_, err := l.engine.Deposit(ctx, alice.ID, omr("10"), "")
	require.NoError(t, err)

	first, err := l.withdrawals.RequestWithdrawal(ctx, "alice", omr("4"))
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPending, first.Status)

	balances, err := l.engine.GetAvailableBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), balances.Balance)
	assert.Equal(t, int64(6_000), balances.AvailableBalance)

	_, err = l.withdrawals.RequestWithdrawal(ctx, "alice", omr("7"))
	assert.ErrorIs(t, err, usecase.ErrInsufficientFunds)

	// held funds cannot leave by transfer either
	_, _, err = l.engine.Transfer(ctx, alice.AccountNumber, bob.AccountNumber, omr("6.001"), "")
	assert.ErrorIs(t, err, usecase.ErrInsufficientFunds)

	second, err := l.withdrawals.RequestWithdrawal(ctx, "alice", omr("5"))
	require.NoError(t, err)

	msg := "  sent to bank  "
	approved, entry, err := l.withdrawals.ApproveWithdrawalRequest(ctx, first.ID, &msg)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalApproved, approved.Status)
	require.NotNil(t, approved.ResolvedAt)
	require.NotNil(t, approved.AdminMessage)
	assert.Equal(t, "sent to bank", *approved.AdminMessage)
	assert.Equal(t, int64(6_000), entry.BalanceAfter)

	_, _, err = l.withdrawals.ApproveWithdrawalRequest(ctx, first.ID, nil)
	assert.ErrorIs(t, err, usecase.ErrAlreadyResolved)
	_, err = l.withdrawals.RejectWithdrawalRequest(ctx, first.ID, nil)
	assert.ErrorIs(t, err, usecase.ErrAlreadyResolved)

	rejected, err := l.withdrawals.RejectWithdrawalRequest(ctx, second.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalRejected, rejected.Status)
	assert.Nil(t, rejected.AdminMessage)

	balances, err = l.engine.GetAvailableBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), balances.Balance)
	assert.Equal(t, int64(6_000), balances.AvailableBalance)

	_, _, err = l.withdrawals.ApproveWithdrawalRequest(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, usecase.ErrWithdrawalNotFound)

	l.assertReplays(t, alice)
	assert.Equal(t, []models.EventType{
		models.EventDeposit,
		models.EventWithdrawRequested,
		models.EventWithdrawRequested,
		models.EventWithdrawApproved,
		models.EventWithdrawRejected,
	}, l.events.types("alice"))

	entries, err := l.engine.ListTransactions(ctx, alice.ID, 0, 0)
	require.NoError(t, err)
	var types []models.TransactionType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Equal(t, []models.TransactionType{
		models.TransactionDeposit,
		models.TransactionHold,
		models.TransactionHold,
		models.TransactionWithdraw,
		models.TransactionRelease,
	}, types)
}

func TestWithdrawalApprovedOnce(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	_, err := l.engine.Deposit(ctx, alice.ID, omr("10"), "")
	require.NoError(t, err)
	req, err := l.withdrawals.RequestWithdrawal(ctx, "alice", omr("3"))
	require.NoError(t, err)

	const admins = 8
	var wg sync.WaitGroup
	errs := make(chan error, admins)
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _, err := l.withdrawals.ApproveWithdrawalRequest(ctx, req.ID, nil)
				errs <- err
				return
			}
			_, err := l.withdrawals.RejectWithdrawalRequest(ctx, req.ID, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	resolved := 0
	for err := range errs {
		if err == nil {
			resolved++
			continue
		}
		assert.ErrorIs(t, err, usecase.ErrAlreadyResolved)
	}
	assert.Equal(t, 1, resolved)

	final, err := l.store.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, final.Status.Terminal())
	if final.Status == models.WithdrawalApproved {
		assert.Equal(t, int64(7_000), l.balance(t, "alice"))
	} else {
		assert.Equal(t, int64(10_000), l.balance(t, "alice"))
	}
	l.assertReplays(t, alice)
}

func TestWithdrawalListing(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	alice := l.wallet(t, "alice")
	_, err := l.engine.Deposit(ctx, alice.ID, omr("10"), "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.withdrawals.RequestWithdrawal(ctx, "alice", omr("1"))
		require.NoError(t, err)
	}

	bogus := models.WithdrawalStatus("lost")
	_, err = l.withdrawals.GetAllWithdrawalRequests(ctx, models.WithdrawalFilter{Status: &bogus})
	assert.ErrorIs(t, err, usecase.ErrInvalidRequest)

	pending := models.WithdrawalPending
	list, err := l.withdrawals.GetAllWithdrawalRequests(ctx, models.WithdrawalFilter{Status: &pending, Search: "ALI", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	n, err := l.withdrawals.CountWithdrawalRequests(ctx, models.WithdrawalFilter{Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestNormalizePage(t *testing.T) {
	limit, offset := usecase.NormalizePage(0, -3)
	assert.Equal(t, 20, limit)
	assert.Equal(t, 0, offset)
	limit, _ = usecase.NormalizePage(1000, 0)
	assert.Equal(t, 100, limit)
}

func TestCommissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	in := usecase.CommissionInput{
		AgentUserID:    "agent",
		ClientUserID:   "client",
		SubscriptionID: "sub-1",
		Amount:         omr("3"),
		Rate:           omr("0.1"),
	}

	first, err := l.commissions.CreateCommission(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(300), first.Amount)
	assert.Equal(t, int64(3_000), first.BaseAmount)

	const goroutines = 10
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			again, err := l.commissions.CreateCommission(ctx, in)
			if assert.NoError(t, err) {
				assert.Equal(t, first.ID, again.ID)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(300), l.balance(t, "agent"))
	assert.Equal(t, []models.EventType{models.EventCommission}, l.events.types("agent"))

	in.SubscriptionID = "sub-2"
	in.ClientUserID = "client-2"
	_, err = l.commissions.CreateCommission(ctx, in)
	require.NoError(t, err)

	stats, err := l.commissions.GetAgentStats(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CommissionCount)
	assert.Equal(t, int64(2), stats.ClientCount)
	assert.Equal(t, int64(600), stats.TotalEarned)

	list, err := l.commissions.ListAgentCommissions(ctx, "agent", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sub-2", list[0].SubscriptionID)
}

func TestConcurrentFirstCommission(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	in := usecase.CommissionInput{AgentUserID: "agent", ClientUserID: "client", SubscriptionID: "sub-9", Amount: omr("10"), Rate: omr("0.05")}

	const goroutines = 10
	ids := make(chan uuid.UUID, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := l.commissions.CreateCommission(ctx, in)
			if err != nil {
				// a caller racing an uncommitted insert is told to retry
				assert.True(t, usecase.IsRetryable(err), err)
				return
			}
			ids <- c.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first uuid.UUID
	for id := range ids {
		if first == uuid.Nil {
			first = id
		}
		assert.Equal(t, first, id)
	}
	assert.Equal(t, int64(500), l.balance(t, "agent"))
}

func TestCommissionValidation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	valid := usecase.CommissionInput{AgentUserID: "agent", ClientUserID: "client", SubscriptionID: "sub", Amount: omr("1"), Rate: omr("0.5")}

	for name, mutate := range map[string]func(*usecase.CommissionInput){
		"zero rate":       func(in *usecase.CommissionInput) { in.Rate = decimal.Zero },
		"rate above one":  func(in *usecase.CommissionInput) { in.Rate = omr("1.01") },
		"negative amount": func(in *usecase.CommissionInput) { in.Amount = omr("-1") },
		"missing agent":   func(in *usecase.CommissionInput) { in.AgentUserID = " " },
		"below one baisa": func(in *usecase.CommissionInput) { in.Amount, in.Rate = omr("0.001"), omr("0.1") },
	} {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := l.commissions.CreateCommission(ctx, in)
			assert.Equal(t, usecase.KindValidation, usecase.KindOf(err), err)
		})
	}
	_, err := l.store.GetWalletByUserID(ctx, "agent")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPurchase(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	buyer := l.wallet(t, "buyer")
	_, err := l.engine.Deposit(ctx, buyer.ID, omr("10"), "")
	require.NoError(t, err)

	result, err := l.checkout.Purchase(ctx, usecase.PurchaseRequest{
		BuyerUserID:    "buyer",
		Price:          omr("3"),
		SubscriptionID: "plan-1",
		AgentUserID:    "agent",
		CommissionRate: omr("0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionWithdraw, result.Debit.Type)
	assert.Equal(t, models.TransactionDeposit, result.Credit.Type)
	require.NotNil(t, result.Commission)
	assert.Equal(t, "buyer", result.Commission.ClientUserID)

	assert.Equal(t, int64(7_000), l.balance(t, "buyer"))
	assert.Equal(t, int64(3_000), l.balance(t, "treasury"))
	assert.Equal(t, int64(300), l.balance(t, "agent"))
	assert.Contains(t, l.events.types("buyer"), models.EventPurchase)
	assert.Equal(t, []models.EventType{models.EventDeposit}, l.events.types("treasury"))

	_, err = l.checkout.Purchase(ctx, usecase.PurchaseRequest{BuyerUserID: "buyer", Price: omr("8"), SubscriptionID: "plan-2", AgentUserID: "agent", CommissionRate: omr("0.1")})
	assert.ErrorIs(t, err, usecase.ErrInsufficientFunds)
	_, err = l.store.GetCommissionBySubscription(ctx, "plan-2")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = l.checkout.Purchase(ctx, usecase.PurchaseRequest{BuyerUserID: "treasury", Price: omr("1"), SubscriptionID: "plan-3"})
	assert.ErrorIs(t, err, usecase.ErrSameAccountTransfer)
	_, err = l.checkout.Purchase(ctx, usecase.PurchaseRequest{BuyerUserID: "ghost", Price: omr("1"), SubscriptionID: "plan-4"})
	assert.ErrorIs(t, err, usecase.ErrWalletNotFound)
}

func TestAgentPurchaseForClient(t *testing.T) {
	ctx := context.Background()
	l := newLedger(memory.NewStore())
	agent := l.wallet(t, "agent")
	_, err := l.engine.Deposit(ctx, agent.ID, omr("5"), "")
	require.NoError(t, err)

	result, err := l.checkout.Purchase(ctx, usecase.PurchaseRequest{
		BuyerUserID:    "agent",
		ClientUserID:   "client",
		Price:          omr("2"),
		SubscriptionID: "plan-c",
		AgentUserID:    "agent",
		CommissionRate: omr("0.25"),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Commission)
	assert.Equal(t, "client", result.Commission.ClientUserID)
	// 5 - 2 + 0.5
	assert.Equal(t, int64(3_500), l.balance(t, "agent"))
	l.assertReplays(t, agent)
}

// pendingSet tracks withdrawal requests that are still open.
type pendingSet struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (p *pendingSet) add(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
}

func (p *pendingSet) pick(rng *rand.Rand) (uuid.UUID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return uuid.Nil, false
	}
	return p.ids[rng.Intn(len(p.ids))], true
}

func (p *pendingSet) remove(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range p.ids {
		if v == id {
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			return
		}
	}
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

func TestRandomInterleavingsKeepLedgerConsistent(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)

	ctx := context.Background()
	l := newLedger(memory.NewStore())
	users := []string{"alice", "bob", "carol", "agent"}
	wallets := make([]*models.Wallet, len(users))
	for i, u := range users {
		wallets[i] = l.wallet(t, u)
	}

	var deposited, withdrawn atomic.Int64
	pending := &pendingSet{}

	// expected reports whether err is an outcome the ledger may legitimately
	// produce under contention.
	expected := func(err error) bool {
		return errors.Is(err, usecase.ErrInsufficientFunds) ||
			errors.Is(err, usecase.ErrAlreadyResolved) ||
			usecase.IsRetryable(err)
	}

	const (
		workers = 8
		steps   = 300
	)
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed + int64(g)))
			for i := 0; i < steps; i++ {
				w := wallets[rng.Intn(len(wallets))]
				minor := int64(rng.Intn(5_000) + 10)
				amount := decimal.New(minor, -3)

				switch op := rng.Intn(7); op {
				case 0:
					_, err := l.engine.Deposit(ctx, w.ID, amount, "top up")
					if assert.NoError(t, err) {
						deposited.Add(minor)
					}
				case 1:
					_, err := l.engine.Withdraw(ctx, w.ID, amount, "cash out")
					if err == nil {
						withdrawn.Add(minor)
					} else {
						assert.True(t, expected(err), err)
					}
				case 2:
					to := wallets[rng.Intn(len(wallets))]
					if to.ID == w.ID {
						continue
					}
					_, _, err := l.engine.Transfer(ctx, w.AccountNumber, to.AccountNumber, amount, "share")
					if err != nil {
						assert.True(t, expected(err), err)
					}
				case 3:
					// a small id space makes goroutines collide on the same subscription
					_, err := l.commissions.CreateCommission(ctx, usecase.CommissionInput{
						AgentUserID:    "agent",
						ClientUserID:   w.UserID,
						SubscriptionID: fmt.Sprintf("sub-%d", rng.Intn(40)),
						Amount:         amount,
						Rate:           omr("0.1"),
					})
					if err != nil {
						assert.True(t, expected(err), err)
					}
				case 4:
					req, err := l.withdrawals.RequestWithdrawal(ctx, w.UserID, amount)
					if err == nil {
						pending.add(req.ID)
					} else {
						assert.True(t, expected(err), err)
					}
				case 5, 6:
					id, ok := pending.pick(rng)
					if !ok {
						continue
					}
					var err error
					if op == 5 {
						var req *models.WithdrawalRequest
						req, _, err = l.withdrawals.ApproveWithdrawalRequest(ctx, id, nil)
						if err == nil {
							withdrawn.Add(req.Amount)
						}
					} else {
						_, err = l.withdrawals.RejectWithdrawalRequest(ctx, id, nil)
					}
					switch {
					case err == nil, errors.Is(err, usecase.ErrAlreadyResolved):
						pending.remove(id)
					default:
						assert.True(t, expected(err), err)
					}
				}
			}
		}(g)
	}
	wg.Wait()

	var total int64
	for _, w := range wallets {
		balance := l.balance(t, w.UserID)
		assert.GreaterOrEqual(t, balance, int64(0), w.UserID)
		l.assertReplays(t, w)
		total += balance
	}

	stats, err := l.commissions.GetAgentStats(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, deposited.Load()+stats.TotalEarned-withdrawn.Load(), total)

	status := models.WithdrawalPending
	open, err := l.withdrawals.CountWithdrawalRequests(ctx, models.WithdrawalFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, int64(pending.len()), open)
}
