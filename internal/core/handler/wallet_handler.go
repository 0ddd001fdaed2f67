package handler

import (
	"net/http"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/middleware"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/usecase"
	"github.com/Nzyazin/ledger/pkg/api"
	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// WalletHandler serves the signed-in user's own wallet.
type WalletHandler struct {
	accounts    *usecase.AccountResolver
	usecase     usecase.WalletUsecase
	withdrawals *usecase.WithdrawalWorkflow
	checkout    *usecase.Checkout
	present     presenter
	log         logger.Logger
}

type withdrawalRequestBody struct {
	Amount string `json:"amount"`
}

type purchaseBody struct {
	Price          string `json:"price"`
	SubscriptionID string `json:"subscription_id"`
	Description    string `json:"description"`
}

func NewWalletHandler(accounts *usecase.AccountResolver, walletUsecase usecase.WalletUsecase, withdrawals *usecase.WithdrawalWorkflow, checkout *usecase.Checkout, cur models.Currency, log logger.Logger) *WalletHandler {
	return &WalletHandler{
		accounts:    accounts,
		usecase:     walletUsecase,
		withdrawals: withdrawals,
		checkout:    checkout,
		present:     presenter{cur: cur},
		log:         log,
	}
}

func (h *WalletHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/wallet", h.GetWallet).Methods(http.MethodGet)
	router.HandleFunc("/wallet", h.EnsureWallet).Methods(http.MethodPost)
	router.HandleFunc("/wallet/transactions", h.ListTransactions).Methods(http.MethodGet)
	router.HandleFunc("/wallet/transfer", h.Transfer).Methods(http.MethodPost)
	router.HandleFunc("/wallet/withdrawals", h.RequestWithdrawal).Methods(http.MethodPost)
	router.HandleFunc("/recipients/{account_number}", h.LookupRecipient).Methods(http.MethodGet)
	router.HandleFunc("/purchases", h.Purchase).Methods(http.MethodPost)
}

func caller(w http.ResponseWriter, r *http.Request) (*middleware.Claims, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		api.WriteError(w, http.StatusUnauthorized, "unauthorized", "authorization required", middleware.GetRequestID(r.Context()))
		return nil, false
	}
	return claims, true
}

func (h *WalletHandler) walletView(w http.ResponseWriter, r *http.Request, wallet *models.Wallet) {
	balances, err := h.usecase.GetAvailableBalance(r.Context(), wallet.UserID)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.present.wallet(wallet, balances))
}

func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	wallet, err := h.accounts.GetWalletByUserID(r.Context(), claims.Subject)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	h.walletView(w, r, wallet)
}

func (h *WalletHandler) EnsureWallet(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	wallet, err := h.accounts.EnsureWallet(r.Context(), claims.Subject, claims.Contact)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	h.walletView(w, r, wallet)
}

func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	wallet, err := h.accounts.GetWalletByUserID(r.Context(), claims.Subject)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}

	limit, offset := pageParams(r)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	offset = max(offset, 0)

	entries, err := h.usecase.ListTransactions(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"items":  h.present.transactions(entries),
		"limit":  limit,
		"offset": offset,
	})
}

func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	var op models.TransferOperation
	if err := decodeJSON(w, r, &op); err != nil {
		h.log.Warn("Failed to decode request body", logger.ErrorField("error", err))
		respondValidation(w, r, err.Error())
		return
	}
	amount, err := parseAmount(op.Amount)
	if err != nil {
		h.log.Warn("Invalid amount", logger.StringField("amount", op.Amount), logger.ErrorField("error", err))
		respondWithError(w, r, h.log, usecase.ErrInvalidAmount)
		return
	}

	sender, err := h.accounts.GetWalletByUserID(r.Context(), claims.Subject)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	out, _, err := h.usecase.Transfer(r.Context(), sender.AccountNumber, op.ToAccountNumber, amount, op.Description)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}

	h.log.Info("Transfer successful",
		logger.StringField("user_id", claims.Subject),
		logger.StringField("to_account", op.ToAccountNumber),
		logger.StringField("amount", amount.String()))
	respondWithJSON(w, http.StatusOK, h.present.transaction(out))
}

func (h *WalletHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	var body withdrawalRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondValidation(w, r, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		respondWithError(w, r, h.log, usecase.ErrInvalidAmount)
		return
	}

	req, err := h.withdrawals.RequestWithdrawal(r.Context(), claims.Subject, amount)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, h.present.withdrawal(req))
}

func (h *WalletHandler) LookupRecipient(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	wallet, err := h.accounts.GetWalletByAccountNumber(r.Context(), mux.Vars(r)["account_number"])
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	if wallet == nil {
		respondWithError(w, r, h.log, usecase.ErrDestinationNotFound)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"account_number": wallet.AccountNumber})
}

func (h *WalletHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	var body purchaseBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondValidation(w, r, err.Error())
		return
	}
	price, err := parseAmount(body.Price)
	if err != nil {
		respondWithError(w, r, h.log, usecase.ErrInvalidAmount)
		return
	}

	result, err := h.checkout.Purchase(r.Context(), usecase.PurchaseRequest{
		BuyerUserID:    claims.Subject,
		Price:          price,
		SubscriptionID: body.SubscriptionID,
		Description:    body.Description,
	})
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"debit": h.present.transaction(result.Debit),
	})
}
