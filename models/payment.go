package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Provider struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	Currency      string          `json:"currency"`
	Available     bool            `json:"available"`
}

// TopUpNotification arrives from the payment collaborator once a wallet
// top-up has been settled.
type TopUpNotification struct {
	PaymentID string          `json:"payment_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"` // success, failed
	Timestamp time.Time       `json:"timestamp"`
}
