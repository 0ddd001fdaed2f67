package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/middleware"
	"github.com/Nzyazin/ledger/internal/core/usecase"
	"github.com/Nzyazin/ledger/pkg/api"
	"github.com/shopspring/decimal"
)

const retryAfterSeconds = "1"

var amountRegexp = regexp.MustCompile(`^\d{1,12}([.]\d{1,3})?$`)

var errInvalidPayload = errors.New("invalid request payload")

// parseAmount accepts "15", "15.5" or "15,500" style input with at most three
// fractional digits.
func parseAmount(amountStr string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.ReplaceAll(amountStr, " ", ""), ",", ".")
	if !amountRegexp.MatchString(cleaned) {
		return decimal.Zero, fmt.Errorf("invalid amount format: %q", amountStr)
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("could not parse amount: %w", err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("amount must be positive")
	}
	return amount, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errInvalidPayload
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return limit, offset
}

func respondWithJSON(w http.ResponseWriter, code int, body any) {
	api.WriteJSON(w, code, body)
}

func respondValidation(w http.ResponseWriter, r *http.Request, message string) {
	api.WriteError(w, http.StatusBadRequest, "invalid_request", message, middleware.GetRequestID(r.Context()))
}

// respondWithError maps the error taxonomy onto HTTP. Anything unclassified is
// logged and hidden behind a generic 500.
func respondWithError(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	traceID := middleware.GetRequestID(r.Context())

	var e *usecase.Error
	if !errors.As(err, &e) || e.Kind == usecase.KindInternal || e.Kind == usecase.KindDependency {
		log.Error("Failed to process operation",
			logger.StringField("path", r.URL.Path),
			logger.StringField("request_id", traceID),
			logger.ErrorField("error", err))
		api.WriteError(w, http.StatusInternalServerError, "internal", "failed to process operation", traceID)
		return
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case usecase.KindValidation:
		status = http.StatusBadRequest
	case usecase.KindNotFound:
		status = http.StatusNotFound
	case usecase.KindConflict:
		status = http.StatusConflict
		if e.Retryable {
			w.Header().Set("Retry-After", retryAfterSeconds)
		}
	}
	api.WriteError(w, status, e.Code, e.Message, traceID)
}

type walletResponse struct {
	AccountNumber    string `json:"account_number"`
	Currency         string `json:"currency"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"available_balance"`
}

type transactionResponse struct {
	ID                        string  `json:"id"`
	Type                      string  `json:"type"`
	Amount                    string  `json:"amount"`
	BalanceAfter              string  `json:"balance_after"`
	Description               string  `json:"description"`
	CounterpartyAccountNumber *string `json:"counterparty_account_number,omitempty"`
	CreatedAt                 string  `json:"created_at"`
}

type withdrawalResponse struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Amount       string  `json:"amount"`
	Status       string  `json:"status"`
	RequestedAt  string  `json:"requested_at"`
	ResolvedAt   *string `json:"resolved_at,omitempty"`
	AdminMessage *string `json:"admin_message,omitempty"`
}

type commissionResponse struct {
	ID             string `json:"id"`
	AgentUserID    string `json:"agent_user_id"`
	ClientUserID   string `json:"client_user_id"`
	SubscriptionID string `json:"subscription_id"`
	Amount         string `json:"amount"`
	BaseAmount     string `json:"base_amount"`
	CommissionRate string `json:"commission_rate"`
	CreatedAt      string `json:"created_at"`
}
