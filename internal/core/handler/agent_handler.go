package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/middleware"
	"github.com/Nzyazin/ledger/internal/core/usecase"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const (
	ActionTransferToClient  = "transfer-to-client"
	ActionPurchaseForClient = "purchase-for-client"
)

var errUnknownAction = errors.New("unknown action")

// AgentCommand is one of TransferToClient or PurchaseForClient.
type AgentCommand interface {
	agentCommand()
}

type TransferToClient struct {
	ClientAccountNumber string
	Amount              decimal.Decimal
	Description         string
}

type PurchaseForClient struct {
	ClientUserID   string
	SubscriptionID string
	Price          decimal.Decimal
	Description    string
}

func (TransferToClient) agentCommand()  {}
func (PurchaseForClient) agentCommand() {}

type agentCommandBody struct {
	Action              string `json:"action"`
	ClientAccountNumber string `json:"client_account_number"`
	ClientUserID        string `json:"client_user_id"`
	SubscriptionID      string `json:"subscription_id"`
	Amount              string `json:"amount"`
	Price               string `json:"price"`
	Description         string `json:"description"`
}

// DecodeAgentCommand resolves the action field into its command type.
func DecodeAgentCommand(data []byte) (AgentCommand, error) {
	var body agentCommandBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errInvalidPayload
	}

	switch body.Action {
	case ActionTransferToClient:
		amount, err := parseAmount(body.Amount)
		if err != nil {
			return nil, err
		}
		if body.ClientAccountNumber == "" {
			return nil, errors.New("client_account_number is required")
		}
		return TransferToClient{
			ClientAccountNumber: body.ClientAccountNumber,
			Amount:              amount,
			Description:         body.Description,
		}, nil
	case ActionPurchaseForClient:
		price, err := parseAmount(body.Price)
		if err != nil {
			return nil, err
		}
		if body.ClientUserID == "" || body.SubscriptionID == "" {
			return nil, errors.New("client_user_id and subscription_id are required")
		}
		return PurchaseForClient{
			ClientUserID:   body.ClientUserID,
			SubscriptionID: body.SubscriptionID,
			Price:          price,
			Description:    body.Description,
		}, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknownAction, body.Action)
}

// AgentHandler serves agents: their commission dashboard and the commands
// they run on behalf of clients.
type AgentHandler struct {
	accounts    *usecase.AccountResolver
	usecase     usecase.WalletUsecase
	checkout    *usecase.Checkout
	commissions *usecase.CommissionLedger
	rate        decimal.Decimal
	present     presenter
	log         logger.Logger
}

func NewAgentHandler(accounts *usecase.AccountResolver, engine *usecase.BalanceEngine, checkout *usecase.Checkout, commissions *usecase.CommissionLedger, rate decimal.Decimal, log logger.Logger) *AgentHandler {
	return &AgentHandler{
		accounts:    accounts,
		usecase:     engine,
		checkout:    checkout,
		commissions: commissions,
		rate:        rate,
		present:     presenter{cur: engine.Currency()},
		log:         log,
	}
}

func (h *AgentHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/commissions", h.ListCommissions).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/commands", h.Execute).Methods(http.MethodPost)
}

func (h *AgentHandler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	limit, offset := usecase.NormalizePage(pageParams(r))
	list, err := h.commissions.ListAgentCommissions(r.Context(), claims.Subject, limit, offset)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	items := make([]commissionResponse, 0, len(list))
	for i := range list {
		items = append(items, h.present.commission(&list[i]))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *AgentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	stats, err := h.commissions.GetAgentStats(r.Context(), claims.Subject)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"commission_count": stats.CommissionCount,
		"client_count":     stats.ClientCount,
		"total_earned":     h.present.cur.Format(stats.TotalEarned),
	})
}

func (h *AgentHandler) Execute(w http.ResponseWriter, r *http.Request) {
	claims, ok := caller(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondValidation(w, r, errInvalidPayload.Error())
		return
	}
	cmd, err := DecodeAgentCommand(data)
	if err != nil {
		h.log.Warn("Rejected agent command",
			logger.StringField("agent_user_id", claims.Subject),
			logger.ErrorField("error", err))
		respondValidation(w, r, err.Error())
		return
	}

	switch cmd := cmd.(type) {
	case TransferToClient:
		h.transferToClient(w, r, claims, cmd)
	case PurchaseForClient:
		h.purchaseForClient(w, r, claims, cmd)
	}
}

func (h *AgentHandler) transferToClient(w http.ResponseWriter, r *http.Request, agent *middleware.Claims, cmd TransferToClient) {
	wallet, err := h.accounts.GetWalletByUserID(r.Context(), agent.Subject)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	out, _, err := h.usecase.Transfer(r.Context(), wallet.AccountNumber, cmd.ClientAccountNumber, cmd.Amount, cmd.Description)
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.present.transaction(out))
}

func (h *AgentHandler) purchaseForClient(w http.ResponseWriter, r *http.Request, agent *middleware.Claims, cmd PurchaseForClient) {
	result, err := h.checkout.Purchase(r.Context(), usecase.PurchaseRequest{
		BuyerUserID:    agent.Subject,
		ClientUserID:   cmd.ClientUserID,
		Price:          cmd.Price,
		SubscriptionID: cmd.SubscriptionID,
		AgentUserID:    agent.Subject,
		CommissionRate: h.rate,
		Description:    cmd.Description,
	})
	if err != nil {
		respondWithError(w, r, h.log, err)
		return
	}
	body := map[string]any{"debit": h.present.transaction(result.Debit)}
	if result.Commission != nil {
		body["commission"] = h.present.commission(result.Commission)
	}
	respondWithJSON(w, http.StatusOK, body)
}
