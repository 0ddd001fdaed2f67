package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Commission is an agent's earning from one client purchase. SubscriptionID
// is unique: a purchase pays its agent at most once.
type Commission struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	AgentUserID    string          `json:"agent_user_id" db:"agent_user_id"`
	ClientUserID   string          `json:"client_user_id" db:"client_user_id"`
	SubscriptionID string          `json:"subscription_id" db:"subscription_id"`
	Amount         int64           `json:"amount" db:"amount"`
	BaseAmount     int64           `json:"base_amount" db:"base_amount"`
	CommissionRate decimal.Decimal `json:"commission_rate" db:"commission_rate"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

type AgentStats struct {
	AgentUserID     string `json:"agent_user_id" db:"agent_user_id"`
	CommissionCount int64  `json:"commission_count" db:"commission_count"`
	ClientCount     int64  `json:"client_count" db:"client_count"`
	TotalEarned     int64  `json:"total_earned" db:"total_earned"`
}
