package handler

import (
	"net/http"
	"strings"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/Nzyazin/ledger/internal/core/usecase"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// AdminHandler serves the back office. Routes are mounted behind the admin
// role check.
type AdminHandler struct {
	accounts    *usecase.AccountResolver
	engine      *usecase.BalanceEngine
	withdrawals *usecase.WithdrawalWorkflow
	present     presenter
	log         logger.Logger
}

type resolveBody struct {
	AdminMessage *string `json:"admin_message"`
}

type withdrawalPage struct {
	Items  []withdrawalResponse `json:"items"`
	Total  int64                `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

func NewAdminHandler(accounts *usecase.AccountResolver, engine *usecase.BalanceEngine, withdrawals *usecase.WithdrawalWorkflow, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		accounts:    accounts,
		engine:      engine,
		withdrawals: withdrawals,
		present:     presenter{cur: engine.Currency()},
		log:         log,
	}
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/withdrawals", h.ListWithdrawals).Methods(http.MethodGet)
	router.HandleFunc("/withdrawals/{id}/approve", h.ApproveWithdrawal).Methods(http.MethodPost)
	router.HandleFunc("/withdrawals/{id}/reject", h.RejectWithdrawal).Methods(http.MethodPost)
	router.HandleFunc("/deposits", h.Deposit).Methods(http.MethodPost)
	router.HandleFunc("/wallets/{account_number}/replay", h.Replay).Methods(http.MethodGet)
}

func (h *AdminHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.WithdrawalFilter{Search: q.Get("search")}
	filter.Limit, filter.Offset = usecase.NormalizePage(pageParams(r))
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		status := models.WithdrawalStatus(strings.ToLower(s))
		filter.Status = &status
	}

	list, err := h.withdrawals.GetAllWithdrawalRequests(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	total, err := h.withdrawals.CountWithdrawalRequests(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}

	page := withdrawalPage{
		Items:  make([]withdrawalResponse, 0, len(list)),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for i := range list {
		page.Items = append(page.Items, h.present.withdrawal(&list[i]))
	}
	respondWithJSON(w, http.StatusOK, page)
}

func (h *AdminHandler) resolveInput(w http.ResponseWriter, r *http.Request) (uuid.UUID, *string, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, h.log, usecase.ErrWithdrawalNotFound)
		return uuid.Nil, nil, false
	}
	var body resolveBody
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			respondValidation(w, r, err.Error())
			return uuid.Nil, nil, false
		}
	}
	return id, body.AdminMessage, true
}

func (h *AdminHandler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, msg, ok := h.resolveInput(w, r)
	if !ok {
		return
	}
	req, _, err := h.withdrawals.ApproveWithdrawalRequest(r.Context(), id, msg)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.present.withdrawal(req))
}

func (h *AdminHandler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, msg, ok := h.resolveInput(w, r)
	if !ok {
		return
	}
	req, err := h.withdrawals.RejectWithdrawalRequest(r.Context(), id, msg)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.present.withdrawal(req))
}

// Deposit credits a wallet after funds were received outside the ledger.
func (h *AdminHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var op models.WalletOperation
	if err := decodeJSON(w, r, &op); err != nil {
		respondValidation(w, r, err.Error())
		return
	}
	amount, err := parseAmount(op.Amount)
	if err != nil {
		respondWithError(w, r, h.log, usecase.ErrInvalidAmount)
		return
	}
	wallet, err := h.accounts.GetWalletByAccountNumber(r.Context(), op.AccountNumber)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	if wallet == nil {
		respondWithError(w, r, h.log, usecase.ErrWalletNotFound)
		return
	}

	entry, err := h.engine.Deposit(r.Context(), wallet.ID, amount, op.Description)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	h.log.Info("Deposit successful",
		logger.StringField("account_number", wallet.AccountNumber),
		logger.StringField("amount", amount.String()),
		logger.StringField("new_balance", h.present.cur.Format(entry.BalanceAfter)))
	respondWithJSON(w, http.StatusOK, h.present.transaction(entry))
}

func (h *AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.accounts.GetWalletByAccountNumber(r.Context(), mux.Vars(r)["account_number"])
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	if wallet == nil {
		respondWithError(w, r, h.log, usecase.ErrWalletNotFound)
		return
	}
	folded, err := h.engine.Replay(r.Context(), wallet.ID)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"account_number": wallet.AccountNumber,
		"balance":        h.present.cur.Format(folded),
	})
}
