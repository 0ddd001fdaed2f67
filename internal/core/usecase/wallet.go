package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/repository"
	"github.com/oklog/ulid/v2"
)

const maxAccountNumberAttempts = 5

// AccountResolver maps user identities and account numbers to wallets.
type AccountResolver struct {
	store            repository.Store
	log              logger.Logger
	newAccountNumber func() string
}

func NewAccountResolver(store repository.Store, log logger.Logger) *AccountResolver {
	return &AccountResolver{
		store:            store,
		log:              log,
		newAccountNumber: generateAccountNumber,
	}
}

func generateAccountNumber() string {
	return "WL" + ulid.Make().String()
}

// EnsureWallet returns the user's wallet, creating an empty one on first use.
// Concurrent first calls for the same user end up with the same wallet.
func (r *AccountResolver) EnsureWallet(ctx context.Context, userID, contactHint string) (*models.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidRequest
	}

	wallet, err := r.store.GetWalletByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	for attempt := 0; attempt < maxAccountNumberAttempts; attempt++ {
		wallet, err = r.store.CreateWallet(ctx, &models.Wallet{
			UserID:        userID,
			AccountNumber: r.newAccountNumber(),
			ContactHint:   contactHint,
		})
		if errors.Is(err, repository.ErrDuplicateAccountNumber) {
			r.log.Warn("Account number collision, regenerating",
				logger.StringField("user_id", userID),
				logger.IntField("attempt", attempt+1))
			continue
		}
		if err != nil {
			r.log.Error("Wallet creation failed",
				logger.StringField("user_id", userID),
				logger.ErrorField("error", err))
			return nil, fmt.Errorf("create wallet: %w", err)
		}
		return wallet, nil
	}
	return nil, fmt.Errorf("create wallet: %w", repository.ErrDuplicateAccountNumber)
}

// GetWalletByAccountNumber returns nil without an error when no wallet has
// that number, so callers can answer with a generic "recipient not found".
func (r *AccountResolver) GetWalletByAccountNumber(ctx context.Context, accountNumber string) (*models.Wallet, error) {
	wallet, err := r.store.GetWalletByAccountNumber(ctx, strings.TrimSpace(accountNumber))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet by account number: %w", err)
	}
	return wallet, nil
}

func (r *AccountResolver) GetWalletByUserID(ctx context.Context, userID string) (*models.Wallet, error) {
	wallet, err := r.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, storeError(err, ErrWalletNotFound)
	}
	return wallet, nil
}
